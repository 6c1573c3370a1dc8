// ABOUTME: Tests for the witness chain
// ABOUTME: Covers linkage, tamper detection per field, halting, concurrent appends and export

package witness

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-witness/internal/store"
)

func appendN(t *testing.T, c *Chain, n int) []*store.WitnessEvent {
	t.Helper()
	var out []*store.WitnessEvent
	for i := 0; i < n; i++ {
		ev, err := c.Append(context.Background(), EventContentAccepted, fmt.Sprintf("actor-%d", i%2), fmt.Sprintf("content %d", i))
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestChain_AppendLinksFromGenesis(t *testing.T) {
	c := New(store.NewMockStore(), nil)

	events := appendN(t, c, 3)

	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, GenesisHash, events[0].PreviousHash)
	assert.Equal(t, events[0].EventHash, events[1].PreviousHash)
	assert.Equal(t, events[1].EventHash, events[2].PreviousHash)
	assert.Len(t, events[2].EventHash, 64)

	report, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(3), report.TotalEvents)
	assert.Nil(t, report.FirstInvalidIndex)
}

func TestHash_FieldBoundaries(t *testing.T) {
	a := Hash("x", "t", "ab", "c", GenesisHash)
	b := Hash("x", "t", "a", "bc", GenesisHash)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Hash("x", "t", "ab", "c", GenesisHash))
}

func TestChain_TamperDetection(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(ev *store.WitnessEvent)
	}{
		{"event type", func(ev *store.WitnessEvent) { ev.EventType = "account.deleted" }},
		{"actor", func(ev *store.WitnessEvent) { ev.Actor = "mallory" }},
		{"action", func(ev *store.WitnessEvent) { ev.Action = "forged" }},
		{"timestamp", func(ev *store.WitnessEvent) { ev.Timestamp = "2000-01-01T00:00:00Z" }},
		{"previous hash", func(ev *store.WitnessEvent) { ev.PreviousHash = GenesisHash }},
		{"event hash", func(ev *store.WitnessEvent) { ev.EventHash = GenesisHash }},
	}

	const n = 5
	for _, tt := range tests {
		for i := int64(1); i <= n; i++ {
			t.Run(fmt.Sprintf("%s/event %d", tt.name, i), func(t *testing.T) {
				if tt.name == "previous hash" && i == 1 {
					t.Skip("event 1 already links to genesis")
				}
				ms := store.NewMockStore()
				c := New(ms, nil)
				appendN(t, c, n)

				require.True(t, ms.TamperWitnessEvent(i, tt.mutate))

				report, err := c.Verify(context.Background())
				require.NoError(t, err)
				assert.False(t, report.Valid)
				require.NotNil(t, report.FirstInvalidIndex)
				assert.Equal(t, i, *report.FirstInvalidIndex)
				assert.Equal(t, int64(n), report.TotalEvents)
			})
		}
	}
}

func TestChain_GapDetected(t *testing.T) {
	ms := store.NewMockStore()
	c := New(ms, nil)
	appendN(t, c, 4)

	require.True(t, ms.TamperWitnessEvent(3, func(ev *store.WitnessEvent) { ev.Seq = 99 }))

	report, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, int64(3), *report.FirstInvalidIndex)
}

func TestChain_HaltsAfterIntegrityFailure(t *testing.T) {
	ms := store.NewMockStore()
	c := New(ms, nil)
	appendN(t, c, 2)

	ms.TamperWitnessEvent(1, func(ev *store.WitnessEvent) { ev.Action = "x" })
	report, err := c.Verify(context.Background())
	require.NoError(t, err)
	require.False(t, report.Valid)

	assert.True(t, c.Halted())
	_, err = c.Append(context.Background(), EventKeyRotated, "system", "rotate")
	assert.ErrorIs(t, err, ErrChainHalted)

	n, err := ms.CountWitnessEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestChain_CancelledBeforeAppend(t *testing.T) {
	ms := store.NewMockStore()
	c := New(ms, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Append(ctx, EventIdentityRegistered, "a", "register")
	assert.ErrorIs(t, err, context.Canceled)

	n, err := ms.CountWitnessEvents(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestChain_ConcurrentAppendsSQLite(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "witness.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c := New(s, nil)

	const workers, perWorker = 8, 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := c.Append(context.Background(), EventChallengeVerified, fmt.Sprintf("w%d", w), "verify"); err != nil {
					t.Errorf("append: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	report, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(workers*perWorker), report.TotalEvents)
}

func TestChain_ResumesFromStoredHead(t *testing.T) {
	ms := store.NewMockStore()
	first := New(ms, nil)
	events := appendN(t, first, 2)

	// a fresh chain over the same store continues the linkage
	second := New(ms, nil)
	ev, err := second.Append(context.Background(), EventTokenRevoked, "a", "logout")
	require.NoError(t, err)
	assert.Equal(t, int64(3), ev.Seq)
	assert.Equal(t, events[1].EventHash, ev.PreviousHash)
}

func TestChain_ExportAndList(t *testing.T) {
	c := New(store.NewMockStore(), nil)
	c.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	appendN(t, c, 6)

	exported, err := c.Export(context.Background(), "actor-1")
	require.NoError(t, err)
	require.Len(t, exported, 3)
	for _, ev := range exported {
		assert.Equal(t, "actor-1", ev.Actor)
		assert.Equal(t, "2026-03-01T12:00:00Z", ev.Timestamp)
	}

	none, err := c.Export(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)

	page, err := c.List(context.Background(), "", 4, 10)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	byActor, err := c.List(context.Background(), "actor-0", 1, 10)
	require.NoError(t, err)
	assert.Len(t, byActor, 2)
}

// ABOUTME: Tests for the content submission pipeline
// ABOUTME: Covers acceptance, fail-fast rejection, rate limiting, reputation and evidence tampering

package content

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-witness/internal/admission"
	"github.com/2389/coven-witness/internal/gates"
	"github.com/2389/coven-witness/internal/store"
	"github.com/2389/coven-witness/internal/validate"
	"github.com/2389/coven-witness/internal/witness"
)

const author = "addr-author"

type fixtureStore interface {
	store.IdentityStore
	store.WitnessStore
}

type fixture struct {
	pipeline *Pipeline
	store    fixtureStore
	chain    *witness.Chain
	notary   *gates.Notary
}

func newFixture(t *testing.T, backend Backend, ms fixtureStore, limit int) *fixture {
	t.Helper()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	require.NoError(t, ms.CreateIdentity(context.Background(), &store.Identity{
		Address:         author,
		PublicKey:       "ssh-ed25519 AAAA-test",
		DisplayName:     "scout",
		DeclaredPurpose: "Reviewing distributed consensus protocols",
		Reputation:      0.5,
		CreatedAt:       now,
		UpdatedAt:       now,
	}))

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	notary, err := gates.NewNotary(priv)
	require.NoError(t, err)

	cat := gates.Catalogue{MinReputation: 0.05, MaxRecentPosts: 20}
	protocol := gates.NewProtocol(validate.New(10000), cat.Required(), cat.Quality(), time.Second, nil)
	protocol.Now = clock

	admitter := admission.NewAdmitter(
		admission.NewMemoryLimiter(admission.MemoryLimiterConfig{Now: clock}),
		map[admission.Class]admission.Rule{admission.ClassContent: {Limit: limit, Window: time.Minute}},
		admission.Backoff{Base: time.Second, Max: time.Minute},
		nil,
	)
	admitter.Now = clock

	chain := witness.New(ms, nil)
	chain.Now = clock

	p := NewPipeline(backend, admitter, protocol, notary, chain, 0.2, nil)
	p.Now = clock
	return &fixture{pipeline: p, store: ms, chain: chain, notary: notary}
}

const goodBody = "# Raft notes\n\nConsensus protocols need a leader. Raft elects one with randomized timeouts.\n\nFollowers replicate the log."

func TestSubmit_Accepted(t *testing.T) {
	ms := store.NewMockStore()
	f := newFixture(t, ms, ms, 10)
	ctx := context.Background()

	res, err := f.pipeline.Submit(ctx, Submission{Author: author, Body: goodBody, Context: map[string]any{"recent_posts": 2}})
	require.NoError(t, err)

	assert.True(t, res.Accepted)
	assert.NotEmpty(t, res.ContentID)
	assert.Len(t, res.Evidence, 8)
	assert.Equal(t, gates.InputValidation, res.Evidence[0].Gate)
	assert.True(t, res.Decision.Allowed)
	assert.Equal(t, 9, res.Decision.Remaining)

	claims, err := f.notary.Open(res.Receipt)
	require.NoError(t, err)
	assert.Equal(t, res.ContentID, claims.ContentID)
	assert.Equal(t, res.EvidenceHash, claims.EvidenceHash)

	id, err := ms.GetIdentity(ctx, author)
	require.NoError(t, err)
	assert.InDelta(t, 0.8*0.5+0.2*res.QualityScore, id.Reputation, 1e-9)
	assert.Equal(t, id.Reputation, res.Reputation)

	unit, err := f.pipeline.Get(ctx, res.ContentID)
	require.NoError(t, err)
	assert.True(t, unit.EvidenceIntact)
	assert.Len(t, unit.Evidence, len(res.Evidence))
	assert.Equal(t, res.EvidenceHash, unit.EvidenceHash)
	assert.Equal(t, f.notary.KeyID(), unit.ReceiptKeyID)
	require.NotNil(t, unit.Context.RecentPosts)
	assert.Equal(t, 2, *unit.Context.RecentPosts)

	events, err := f.chain.Export(ctx, author)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(witness.EventContentAccepted), events[0].EventType)
}

func TestSubmit_InjectionRejectedWithSingleEvidence(t *testing.T) {
	ms := store.NewMockStore()
	f := newFixture(t, ms, ms, 10)
	ctx := context.Background()

	res, err := f.pipeline.Submit(ctx, Submission{Author: author, Body: "'; DROP TABLE x; --"})

	var gateErr *gates.RequiredGateFailedError
	require.True(t, errors.As(err, &gateErr))
	assert.Equal(t, gates.InputValidation, gateErr.Gate)
	require.NotNil(t, res)
	assert.False(t, res.Accepted)
	require.Len(t, res.Evidence, 1)
	assert.Equal(t, gates.Failed, res.Evidence[0].Result)

	id, err := ms.GetIdentity(ctx, author)
	require.NoError(t, err)
	assert.Equal(t, 0.5, id.Reputation, "rejections never move reputation")

	units, err := f.pipeline.ListByAuthor(ctx, author, 10)
	require.NoError(t, err)
	assert.Empty(t, units)

	events, err := f.chain.Export(ctx, author)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(witness.EventContentRejected), events[0].EventType)
}

func TestSubmit_RequiredGateFailure(t *testing.T) {
	ms := store.NewMockStore()
	f := newFixture(t, ms, ms, 10)

	_, err := f.pipeline.Submit(context.Background(), Submission{Author: author, Body: goodBody, Context: map[string]any{"recent_posts": 500}})

	var gateErr *gates.RequiredGateFailedError
	require.True(t, errors.As(err, &gateErr))
	assert.Equal(t, gates.RateOfActivityGate, gateErr.Gate)
}

func TestSubmit_UnknownAuthorFailsStanding(t *testing.T) {
	ms := store.NewMockStore()
	f := newFixture(t, ms, ms, 10)

	_, err := f.pipeline.Submit(context.Background(), Submission{Author: "ghost", Body: goodBody})

	var gateErr *gates.RequiredGateFailedError
	require.True(t, errors.As(err, &gateErr))
	assert.Equal(t, gates.AuthorStandingGate, gateErr.Gate)
}

func TestSubmit_RateLimited(t *testing.T) {
	ms := store.NewMockStore()
	f := newFixture(t, ms, ms, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.pipeline.Submit(ctx, Submission{Author: author, Body: goodBody})
		require.NoError(t, err)
	}

	res, err := f.pipeline.Submit(ctx, Submission{Author: author, Body: goodBody})
	var rl *admission.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.False(t, res.Decision.Allowed)
	assert.Equal(t, 0, res.Decision.Remaining)
	assert.Positive(t, rl.RetryAfter)
	assert.Empty(t, res.Evidence, "no gate runs for a rate-limited submission")
}

type tamperingBackend struct {
	*store.MockStore
	mutate func(*store.ContentUnit)
}

func (b tamperingBackend) GetContent(ctx context.Context, id string) (*store.ContentUnit, error) {
	c, err := b.MockStore.GetContent(ctx, id)
	if err == nil && b.mutate != nil {
		b.mutate(c)
	}
	return c, err
}

func TestSubmit_ConcurrentReputationUpdates(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "content.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	f := newFixture(t, s, s, 10)
	ctx := context.Background()

	const n = 4
	scores := make([]float64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.pipeline.Submit(ctx, Submission{Author: author, Body: goodBody})
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			scores[i] = res.QualityScore
		}(i)
	}
	wg.Wait()

	want := 0.5
	for _, q := range scores {
		want = gates.UpdateReputation(want, q, 0.2)
	}
	id, err := s.GetIdentity(ctx, author)
	require.NoError(t, err)
	assert.InDelta(t, want, id.Reputation, 1e-9, "every accepted submission moves reputation once")

	units, err := f.pipeline.ListByAuthor(ctx, author, 10)
	require.NoError(t, err)
	assert.Len(t, units, n)
}

func TestSubmit_HaltedChainChangesNothing(t *testing.T) {
	ms := store.NewMockStore()
	f := newFixture(t, ms, ms, 10)
	ctx := context.Background()

	_, err := f.pipeline.Submit(ctx, Submission{Author: author, Body: goodBody})
	require.NoError(t, err)
	before, err := ms.GetIdentity(ctx, author)
	require.NoError(t, err)

	require.True(t, ms.TamperWitnessEvent(1, func(ev *store.WitnessEvent) { ev.Action = "forged" }))
	report, err := f.chain.Verify(ctx)
	require.NoError(t, err)
	require.False(t, report.Valid)

	_, err = f.pipeline.Submit(ctx, Submission{Author: author, Body: goodBody})
	assert.ErrorIs(t, err, witness.ErrChainHalted)

	after, err := ms.GetIdentity(ctx, author)
	require.NoError(t, err)
	assert.Equal(t, before.Reputation, after.Reputation)
	units, err := f.pipeline.ListByAuthor(ctx, author, 10)
	require.NoError(t, err)
	assert.Len(t, units, 1)
}

type failingAuditor struct{}

func (failingAuditor) Append(context.Context, witness.EventType, string, string) (*store.WitnessEvent, error) {
	return nil, errors.New("sequence taken")
}

func TestSubmit_UnrecordedAcceptanceWithdrawn(t *testing.T) {
	ms := store.NewMockStore()
	f := newFixture(t, ms, ms, 10)
	f.pipeline.audit = failingAuditor{}
	ctx := context.Background()

	_, err := f.pipeline.Submit(ctx, Submission{Author: author, Body: goodBody})
	require.Error(t, err)

	units, err := f.pipeline.ListByAuthor(ctx, author, 10)
	require.NoError(t, err)
	assert.Empty(t, units)
	id, err := ms.GetIdentity(ctx, author)
	require.NoError(t, err)
	assert.Equal(t, 0.5, id.Reputation)
}

func TestGet_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*store.ContentUnit)
	}{
		{"evidence edited", func(c *store.ContentUnit) {
			c.EvidenceJSON = []byte(`[{"gate_name":"INPUT_VALIDATION","result":"PASSED","confidence":1,"reason":"ok"}]`)
		}},
		{"hash replaced", func(c *store.ContentUnit) { c.EvidenceHash = "00" }},
		{"body edited", func(c *store.ContentUnit) { c.Body += " and more" }},
		{"receipt dropped", func(c *store.ContentUnit) { c.Receipt = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := store.NewMockStore()
			tb := tamperingBackend{MockStore: ms}
			f := newFixture(t, tb, ms, 10)
			ctx := context.Background()

			res, err := f.pipeline.Submit(ctx, Submission{Author: author, Body: goodBody})
			require.NoError(t, err)

			tb.mutate = tt.mutate
			f.pipeline.backend = tb

			unit, err := f.pipeline.Get(ctx, res.ContentID)
			require.NoError(t, err)
			assert.False(t, unit.EvidenceIntact)
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	ms := store.NewMockStore()
	f := newFixture(t, ms, ms, 10)
	_, err := f.pipeline.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// ABOUTME: Tests for MockStore
// ABOUTME: Checks the mock honours the same contracts the services rely on

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_ChallengeConsumedOnce(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.PutChallenge(ctx, &Challenge{Address: "a", Nonce: "n", IssuedAt: now, ExpiresAt: now.Add(time.Minute)}))

	_, err := m.ConsumeChallenge(ctx, "a")
	require.NoError(t, err)
	_, err = m.ConsumeChallenge(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockStore_SingleActiveKey(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.CreateSigningKey(ctx, &SigningKeyVersion{Status: SigningKeyActive, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))
	err := m.CreateSigningKey(ctx, &SigningKeyVersion{Status: SigningKeyActive, CreatedAt: now, ExpiresAt: now.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrDuplicate)

	demoted, err := m.RotateSigningKey(ctx, &SigningKeyVersion{CreatedAt: now.Add(time.Minute), ExpiresAt: now.Add(2 * time.Hour)}, now)
	require.NoError(t, err)
	require.NotNil(t, demoted)
	assert.Equal(t, SigningKeyExpired, demoted.Status)

	keys, err := m.ListSigningKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, SigningKeyActive, keys[0].Status)
}

func TestMockStore_TamperAndPing(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	require.NoError(t, m.AppendWitnessEvent(ctx, &WitnessEvent{Seq: 1, ID: "e1", Action: "original"}))
	assert.True(t, m.TamperWitnessEvent(1, func(ev *WitnessEvent) { ev.Action = "forged" }))
	assert.False(t, m.TamperWitnessEvent(9, func(ev *WitnessEvent) {}))

	ev, err := m.LastWitnessEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "forged", ev.Action)

	assert.NoError(t, m.Ping(ctx))
	m.SetPingError(errors.New("down"))
	assert.Error(t, m.Ping(ctx))
}

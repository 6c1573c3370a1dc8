// ABOUTME: Tests for AuthService
// ABOUTME: Covers registration, replay prevention, expiry, rotation grace, revocation and enumeration

package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/2389/coven-witness/internal/keys"
	"github.com/2389/coven-witness/internal/store"
	"github.com/2389/coven-witness/internal/ttlcache"
	"github.com/2389/coven-witness/internal/witness"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

var testConfig = Config{
	ChallengeTTL:           60 * time.Second,
	TokenTTL:               time.Hour,
	UniformChallengeErrors: true,
}

type harness struct {
	svc   *Service
	keys  *keys.KeyStore
	chain *witness.Chain
	clk   *clock
}

func newHarness(t *testing.T, backend interface {
	Backend
	keys.Backend
	store.WitnessStore
}, cfg Config) *harness {
	t.Helper()
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := ttlcache.New(100, 0, ttlcache.WithClock(clk.Now))
	t.Cleanup(cache.Close)

	chain := witness.New(backend, nil)
	chain.Now = clk.Now
	ks := keys.NewKeyStore(backend, keys.Config{RotationInterval: 30 * 24 * time.Hour, GracePeriod: 25 * time.Hour}, cache, chain, nil)
	ks.Now = clk.Now

	svc := NewService(backend, ks, chain, cfg, nil)
	svc.Now = clk.Now
	return &harness{svc: svc, keys: ks, chain: chain, clk: clk}
}

func generateTestKeyPair(t *testing.T) (ssh.Signer, string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer, string(ssh.MarshalAuthorizedKey(signer.PublicKey()))
}

func (h *harness) register(t *testing.T) (ssh.Signer, *store.Identity) {
	t.Helper()
	signer, pub := generateTestKeyPair(t)
	id, err := h.svc.Register(context.Background(), pub, "scout", "reviewing consensus protocols")
	require.NoError(t, err)
	return signer, id
}

func (h *harness) login(t *testing.T, signer ssh.Signer, address string) *Session {
	t.Helper()
	ctx := context.Background()
	c, err := h.svc.IssueChallenge(ctx, address)
	require.NoError(t, err)
	sig, err := SignChallenge(signer, address, c.Nonce)
	require.NoError(t, err)
	sess, err := h.svc.Verify(ctx, address, sig)
	require.NoError(t, err)
	return sess
}

func TestRegister(t *testing.T) {
	h := newHarness(t, store.NewMockStore(), testConfig)
	ctx := context.Background()
	signer, pub := generateTestKeyPair(t)

	id, err := h.svc.Register(ctx, pub, "  scout ", "reviewing things")
	require.NoError(t, err)
	assert.Equal(t, AddressOf(signer.PublicKey()), id.Address)
	assert.Equal(t, "scout", id.DisplayName)
	assert.Equal(t, InitialReputation, id.Reputation)

	_, err = h.svc.Register(ctx, strings.TrimSpace(pub)+" with-a-comment", "again", "")
	assert.ErrorIs(t, err, ErrDuplicateKey)

	_, err = h.svc.Register(ctx, "ssh-ed25519 not-base64", "x", "")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)

	_, other := generateTestKeyPair(t)
	_, err = h.svc.Register(ctx, other, "   ", "")
	assert.ErrorIs(t, err, ErrInvalidProfile)
	_, err = h.svc.Register(ctx, other, strings.Repeat("n", 65), "")
	assert.ErrorIs(t, err, ErrInvalidProfile)
	_, err = h.svc.Register(ctx, other, "bell\x07", "")
	assert.ErrorIs(t, err, ErrInvalidProfile)
}

func TestLogin_ReplayFails(t *testing.T) {
	h := newHarness(t, store.NewMockStore(), testConfig)
	ctx := context.Background()
	signer, id := h.register(t)

	c, err := h.svc.IssueChallenge(ctx, id.Address)
	require.NoError(t, err)
	assert.Len(t, c.Nonce, NonceSize*2)
	assert.True(t, c.IssuedAt.Add(60*time.Second).Equal(c.ExpiresAt))

	sig, err := SignChallenge(signer, id.Address, c.Nonce)
	require.NoError(t, err)

	sess, err := h.svc.Verify(ctx, id.Address, sig)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)
	assert.True(t, h.clk.Now().Add(time.Hour).Equal(sess.ExpiresAt))

	_, err = h.svc.Verify(ctx, id.Address, sig)
	assert.ErrorIs(t, err, ErrChallengeNotFound)

	claims, err := h.svc.VerifyToken(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, id.Address, claims.Subject)
	assert.Equal(t, sess.KeyVersion, claims.KeyVersion)
}

func TestLogin_FailedAttemptConsumesChallenge(t *testing.T) {
	h := newHarness(t, store.NewMockStore(), testConfig)
	ctx := context.Background()
	signer, id := h.register(t)
	impostor, _ := generateTestKeyPair(t)

	c, err := h.svc.IssueChallenge(ctx, id.Address)
	require.NoError(t, err)

	bad, err := SignChallenge(impostor, id.Address, c.Nonce)
	require.NoError(t, err)
	_, err = h.svc.Verify(ctx, id.Address, bad)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	good, err := SignChallenge(signer, id.Address, c.Nonce)
	require.NoError(t, err)
	_, err = h.svc.Verify(ctx, id.Address, good)
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestLogin_ExpiredChallenge(t *testing.T) {
	h := newHarness(t, store.NewMockStore(), testConfig)
	ctx := context.Background()
	signer, id := h.register(t)

	c, err := h.svc.IssueChallenge(ctx, id.Address)
	require.NoError(t, err)
	sig, err := SignChallenge(signer, id.Address, c.Nonce)
	require.NoError(t, err)

	h.clk.Advance(61 * time.Second)
	_, err = h.svc.Verify(ctx, id.Address, sig)
	assert.ErrorIs(t, err, ErrChallengeExpired)
}

func TestLogin_NewChallengeReplacesOld(t *testing.T) {
	h := newHarness(t, store.NewMockStore(), testConfig)
	ctx := context.Background()
	signer, id := h.register(t)

	first, err := h.svc.IssueChallenge(ctx, id.Address)
	require.NoError(t, err)
	_, err = h.svc.IssueChallenge(ctx, id.Address)
	require.NoError(t, err)

	sig, err := SignChallenge(signer, id.Address, first.Nonce)
	require.NoError(t, err)
	_, err = h.svc.Verify(ctx, id.Address, sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestIssueChallenge_UnknownAddress(t *testing.T) {
	t.Run("uniform decoy", func(t *testing.T) {
		h := newHarness(t, store.NewMockStore(), testConfig)
		ctx := context.Background()
		signer, _ := generateTestKeyPair(t)
		address := AddressOf(signer.PublicKey())

		c, err := h.svc.IssueChallenge(ctx, address)
		require.NoError(t, err)
		assert.Len(t, c.Nonce, NonceSize*2)

		sig, err := SignChallenge(signer, address, c.Nonce)
		require.NoError(t, err)
		_, err = h.svc.Verify(ctx, address, sig)
		assert.ErrorIs(t, err, ErrChallengeNotFound)
	})

	t.Run("distinct error", func(t *testing.T) {
		cfg := testConfig
		cfg.UniformChallengeErrors = false
		h := newHarness(t, store.NewMockStore(), cfg)
		_, err := h.svc.IssueChallenge(context.Background(), "nobody")
		assert.ErrorIs(t, err, ErrUnknownAddress)
	})
}

func TestLogin_ConcurrentReplayHasOneWinner(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	h := newHarness(t, s, testConfig)
	ctx := context.Background()
	signer, id := h.register(t)

	c, err := h.svc.IssueChallenge(ctx, id.Address)
	require.NoError(t, err)
	sig, err := SignChallenge(signer, id.Address, c.Nonce)
	require.NoError(t, err)

	const attempts = 20
	var wins, notFound atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Verify(ctx, id.Address, sig)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrChallengeNotFound):
				notFound.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(attempts-1), notFound.Load())
}

func TestVerifyToken_RotationGrace(t *testing.T) {
	cfg := testConfig
	cfg.TokenTTL = 10000 * time.Hour // clamped to the key's expiry
	h := newHarness(t, store.NewMockStore(), cfg)
	ctx := context.Background()
	signer, id := h.register(t)

	sess := h.login(t, signer, id.Address)
	first, err := h.keys.Current(ctx)
	require.NoError(t, err)
	assert.True(t, first.ExpiresAt.Equal(sess.ExpiresAt))

	h.clk.Advance(31 * 24 * time.Hour)
	_, err = h.keys.Rotate(ctx, "scheduled")
	require.NoError(t, err)

	_, err = h.svc.VerifyToken(ctx, sess.Token)
	require.NoError(t, err, "superseded key still verifies during grace")

	fresh := h.login(t, signer, id.Address)
	assert.NotEqual(t, sess.KeyVersion, fresh.KeyVersion)

	h.clk.Set(first.ExpiresAt.Add(-time.Minute))
	_, err = h.svc.VerifyToken(ctx, sess.Token)
	require.NoError(t, err)

	h.clk.Set(first.ExpiresAt.Add(time.Second))
	_, err = h.svc.VerifyToken(ctx, sess.Token)
	assert.Error(t, err)

	_, err = h.svc.VerifyToken(ctx, fresh.Token)
	assert.NoError(t, err)
}

func TestVerifyToken_Expiry(t *testing.T) {
	h := newHarness(t, store.NewMockStore(), testConfig)
	signer, id := h.register(t)
	sess := h.login(t, signer, id.Address)

	h.clk.Advance(time.Hour + time.Second)
	_, err := h.svc.VerifyToken(context.Background(), sess.Token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyToken_Rejects(t *testing.T) {
	h := newHarness(t, store.NewMockStore(), testConfig)
	ctx := context.Background()
	signer, id := h.register(t)
	sess := h.login(t, signer, id.Address)

	parts := strings.Split(sess.Token, ".")
	require.Len(t, parts, 3)
	sigBytes := []byte(parts[2])
	if sigBytes[0] == 'A' {
		sigBytes[0] = 'B'
	} else {
		sigBytes[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sigBytes)

	_, err := h.svc.VerifyToken(ctx, tampered)
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = h.svc.VerifyToken(ctx, "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogout_Revokes(t *testing.T) {
	h := newHarness(t, store.NewMockStore(), testConfig)
	ctx := context.Background()
	signer, id := h.register(t)
	sess := h.login(t, signer, id.Address)

	require.NoError(t, h.svc.Logout(ctx, sess.Token))

	_, err := h.svc.VerifyToken(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrRevoked)
	assert.ErrorIs(t, h.svc.Logout(ctx, sess.Token), ErrRevoked)
}

type failingAuditor struct{}

func (failingAuditor) Append(context.Context, witness.EventType, string, string) (*store.WitnessEvent, error) {
	return nil, errors.New("sequence taken")
}

func TestRegister_HaltedChainChangesNothing(t *testing.T) {
	m := store.NewMockStore()
	h := newHarness(t, m, testConfig)
	ctx := context.Background()
	_, id := h.register(t)

	require.True(t, m.TamperWitnessEvent(1, func(ev *store.WitnessEvent) { ev.Action = "forged" }))
	report, err := h.chain.Verify(ctx)
	require.NoError(t, err)
	require.False(t, report.Valid)

	signer, pub := generateTestKeyPair(t)
	_, err = h.svc.Register(ctx, pub, "late", "")
	assert.ErrorIs(t, err, witness.ErrChainHalted)
	_, err = m.GetIdentity(ctx, AddressOf(signer.PublicKey()))
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.svc.UpdatePurpose(ctx, id.Address, "something new")
	assert.ErrorIs(t, err, witness.ErrChainHalted)
	got, err := m.GetIdentity(ctx, id.Address)
	require.NoError(t, err)
	assert.Equal(t, id.DeclaredPurpose, got.DeclaredPurpose)
}

func TestRegister_UnrecordedIsUndone(t *testing.T) {
	m := store.NewMockStore()
	h := newHarness(t, m, testConfig)
	ctx := context.Background()
	_, id := h.register(t)
	h.svc.audit = failingAuditor{}

	signer, pub := generateTestKeyPair(t)
	_, err := h.svc.Register(ctx, pub, "late", "")
	require.Error(t, err)
	_, err = m.GetIdentity(ctx, AddressOf(signer.PublicKey()))
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.svc.UpdatePurpose(ctx, id.Address, "something new")
	require.Error(t, err)
	got, err := m.GetIdentity(ctx, id.Address)
	require.NoError(t, err)
	assert.Equal(t, id.DeclaredPurpose, got.DeclaredPurpose)
}

func TestVerifyToken_DeletedSubject(t *testing.T) {
	m := store.NewMockStore()
	h := newHarness(t, m, testConfig)
	ctx := context.Background()
	signer, id := h.register(t)
	first := h.login(t, signer, id.Address)
	second := h.login(t, signer, id.Address)

	require.NoError(t, m.PurgeIdentity(ctx, id.Address))

	for _, sess := range []*Session{first, second} {
		_, err := h.svc.VerifyToken(ctx, sess.Token)
		assert.ErrorIs(t, err, ErrSubjectGone)
	}
	_, err := h.svc.Refresh(ctx, second.Token)
	assert.ErrorIs(t, err, ErrSubjectGone)
}

func TestRefresh(t *testing.T) {
	h := newHarness(t, store.NewMockStore(), testConfig)
	ctx := context.Background()
	signer, id := h.register(t)
	sess := h.login(t, signer, id.Address)

	h.clk.Advance(10 * time.Minute)
	next, err := h.svc.Refresh(ctx, sess.Token)
	require.NoError(t, err)
	assert.NotEqual(t, sess.Token, next.Token)
	assert.True(t, next.ExpiresAt.After(sess.ExpiresAt))

	_, err = h.svc.VerifyToken(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrRevoked)
	_, err = h.svc.VerifyToken(ctx, next.Token)
	assert.NoError(t, err)
}

func TestUpdatePurpose(t *testing.T) {
	h := newHarness(t, store.NewMockStore(), testConfig)
	ctx := context.Background()
	_, id := h.register(t)

	updated, err := h.svc.UpdatePurpose(ctx, id.Address, "  indexing storage engines ")
	require.NoError(t, err)
	assert.Equal(t, "indexing storage engines", updated.DeclaredPurpose)
	assert.Equal(t, id.PublicKey, updated.PublicKey)

	_, err = h.svc.UpdatePurpose(ctx, "nobody", "x")
	assert.ErrorIs(t, err, ErrUnknownAddress)
	_, err = h.svc.UpdatePurpose(ctx, id.Address, strings.Repeat("p", 501))
	assert.ErrorIs(t, err, ErrInvalidProfile)
}

func TestService_WitnessesLifecycle(t *testing.T) {
	h := newHarness(t, store.NewMockStore(), testConfig)
	ctx := context.Background()
	signer, id := h.register(t)
	sess := h.login(t, signer, id.Address)
	require.NoError(t, h.svc.Logout(ctx, sess.Token))

	events, err := h.chain.Export(ctx, id.Address)
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []string{
		string(witness.EventIdentityRegistered),
		string(witness.EventChallengeVerified),
		string(witness.EventTokenRevoked),
	}, types)

	report, err := h.chain.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

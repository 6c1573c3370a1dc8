// ABOUTME: Versioned session token signing secrets and token revocation
// ABOUTME: Readers work from an immutable snapshot; rotation is a single store transaction

package keys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-witness/internal/store"
	"github.com/2389/coven-witness/internal/ttlcache"
	"github.com/2389/coven-witness/internal/witness"
)

// SecretSize is the length in bytes of generated signing secrets.
const SecretSize = 32

// MissReloadInterval is the minimum spacing of reloads triggered by unknown key
// IDs. Forged kid headers cost at most one store read per interval.
const MissReloadInterval = time.Second

// Config controls key lifetimes.
type Config struct {
	// RotationInterval is the age at which the active version is replaced.
	RotationInterval time.Duration
	// GracePeriod is how long a version keeps verifying after its rotation is due.
	GracePeriod time.Duration
}

// Backend is the persistence KeyStore needs.
type Backend interface {
	store.SigningKeyStore
	store.RevocationStore
}

// Auditor records key lifecycle events. *witness.Chain satisfies it.
type Auditor interface {
	Append(ctx context.Context, eventType witness.EventType, actor, action string) (*store.WitnessEvent, error)
}

// KeyStore hands out signing secrets and tracks revoked tokens.
type KeyStore struct {
	backend Backend
	cfg     Config
	revoked *ttlcache.Cache
	audit   Auditor
	logger  *slog.Logger

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	// snapshot holds every known version, newest first. Replaced wholesale, never
	// mutated, so readers never block on a rotation.
	snapshot atomic.Pointer[[]*store.SigningKeyVersion]

	// writeMu makes bootstrap and rotation single-writer.
	writeMu sync.Mutex

	// lastMissReload is the UnixNano of the last reload caused by Lookup.
	lastMissReload atomic.Int64
}

// NewKeyStore creates a KeyStore. revoked may be nil to disable the in-process
// revocation cache; audit may be nil.
func NewKeyStore(backend Backend, cfg Config, revoked *ttlcache.Cache, audit Auditor, logger *slog.Logger) *KeyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyStore{
		backend: backend,
		cfg:     cfg,
		revoked: revoked,
		audit:   audit,
		logger:  logger.With("component", "keys"),
		Now:     time.Now,
	}
}

// TokenDigest is the identifier under which a token is revoked.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (k *KeyStore) newVersion(reason string) (*store.SigningKeyVersion, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating signing secret: %w", err)
	}
	now := k.Now().UTC()
	return &store.SigningKeyVersion{
		Secret:    secret,
		Status:    store.SigningKeyActive,
		CreatedAt: now,
		ExpiresAt: now.Add(k.cfg.RotationInterval + k.cfg.GracePeriod),
		Reason:    reason,
	}, nil
}

// Reload refreshes the snapshot from the store.
func (k *KeyStore) Reload(ctx context.Context) error {
	versions, err := k.backend.ListSigningKeys(ctx)
	if err != nil {
		return fmt.Errorf("loading signing keys: %w", err)
	}
	k.snapshot.Store(&versions)
	return nil
}

func (k *KeyStore) versions(ctx context.Context) ([]*store.SigningKeyVersion, error) {
	if p := k.snapshot.Load(); p != nil {
		return *p, nil
	}
	if err := k.Reload(ctx); err != nil {
		return nil, err
	}
	return *k.snapshot.Load(), nil
}

// Current returns the active version. It creates the first version when the
// store has none and rotates when the active version can no longer verify.
func (k *KeyStore) Current(ctx context.Context) (*store.SigningKeyVersion, error) {
	vs, err := k.versions(ctx)
	if err != nil {
		return nil, err
	}
	now := k.Now()
	for _, v := range vs {
		if v.Status == store.SigningKeyActive && v.ValidAt(now) {
			return v, nil
		}
	}
	return k.ensureActive(ctx)
}

func (k *KeyStore) ensureActive(ctx context.Context) (*store.SigningKeyVersion, error) {
	k.writeMu.Lock()
	defer k.writeMu.Unlock()

	// another caller may have won the race
	active, err := k.backend.ActiveSigningKey(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		v, err := k.newVersion("bootstrap")
		if err != nil {
			return nil, err
		}
		if err := k.backend.CreateSigningKey(ctx, v); err != nil {
			return nil, fmt.Errorf("creating first signing key: %w", err)
		}
		if err := k.Reload(ctx); err != nil {
			return nil, err
		}
		k.logger.Info("created first signing key", "key_id", v.ID)
		k.record(ctx, v.ID, "bootstrap")
		return v, nil
	case err != nil:
		return nil, fmt.Errorf("querying active signing key: %w", err)
	case !active.ValidAt(k.Now()):
		k.logger.Warn("active signing key expired before rotation", "key_id", active.ID)
		return k.rotateLocked(ctx, "expired")
	default:
		if err := k.Reload(ctx); err != nil {
			return nil, err
		}
		return active, nil
	}
}

// AllValid returns every version that may verify tokens at now, newest first.
func (k *KeyStore) AllValid(ctx context.Context, now time.Time) ([]*store.SigningKeyVersion, error) {
	vs, err := k.versions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*store.SigningKeyVersion, 0, 2)
	for _, v := range vs {
		if v.ValidAt(now) {
			out = append(out, v)
		}
	}
	return out, nil
}

// Lookup returns the version with the given ID if it is valid at now. An unknown
// ID triggers a reload, since another process may have rotated, but no more
// than once per MissReloadInterval.
func (k *KeyStore) Lookup(ctx context.Context, id string, now time.Time) (*store.SigningKeyVersion, bool, error) {
	find := func() *store.SigningKeyVersion {
		if p := k.snapshot.Load(); p != nil {
			for _, v := range *p {
				if v.ID == id {
					return v
				}
			}
		}
		return nil
	}

	v := find()
	if v == nil && k.claimMissReload() {
		if err := k.Reload(ctx); err != nil {
			return nil, false, err
		}
		v = find()
	}
	if v == nil || !v.ValidAt(now) {
		return nil, false, nil
	}
	return v, true, nil
}

func (k *KeyStore) claimMissReload() bool {
	now := k.Now().UnixNano()
	last := k.lastMissReload.Load()
	if last != 0 && now-last < int64(MissReloadInterval) {
		return false
	}
	return k.lastMissReload.CompareAndSwap(last, now)
}

// List returns every version, newest first.
func (k *KeyStore) List(ctx context.Context) ([]*store.SigningKeyVersion, error) {
	if err := k.Reload(ctx); err != nil {
		return nil, err
	}
	return *k.snapshot.Load(), nil
}

// Rotate creates a new active version and demotes the previous one. The demoted
// version keeps its expires_at and so keeps verifying through the grace period.
func (k *KeyStore) Rotate(ctx context.Context, reason string) (*store.SigningKeyVersion, error) {
	k.writeMu.Lock()
	defer k.writeMu.Unlock()
	return k.rotateLocked(ctx, reason)
}

func (k *KeyStore) rotateLocked(ctx context.Context, reason string) (*store.SigningKeyVersion, error) {
	next, err := k.newVersion(reason)
	if err != nil {
		return nil, err
	}

	prev, err := k.backend.RotateSigningKey(ctx, next, next.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("rotating signing key: %w", err)
	}
	if err := k.Reload(ctx); err != nil {
		return nil, err
	}

	prevID := ""
	if prev != nil {
		prevID = prev.ID
	}
	k.logger.Info("signing key rotated", "key_id", next.ID, "previous_key_id", prevID, "reason", reason)
	k.record(ctx, next.ID, reason)
	return next, nil
}

// RotateIfDue rotates when the active version is at least RotationInterval old.
func (k *KeyStore) RotateIfDue(ctx context.Context) (bool, error) {
	k.writeMu.Lock()
	defer k.writeMu.Unlock()

	active, err := k.backend.ActiveSigningKey(ctx)
	if errors.Is(err, store.ErrNotFound) {
		_, err := k.rotateLocked(ctx, "bootstrap")
		return err == nil, err
	}
	if err != nil {
		return false, fmt.Errorf("querying active signing key: %w", err)
	}

	if k.Now().Sub(active.CreatedAt) < k.cfg.RotationInterval {
		return false, nil
	}
	if _, err := k.rotateLocked(ctx, "scheduled"); err != nil {
		return false, err
	}
	return true, nil
}

func (k *KeyStore) record(ctx context.Context, keyID, reason string) {
	if k.audit == nil {
		return
	}
	if _, err := k.audit.Append(ctx, witness.EventKeyRotated, "system", "key "+keyID+" activated: "+reason); err != nil {
		k.logger.Error("failed to record key rotation", "key_id", keyID, "error", err)
	}
}

// Revoke records token as revoked. until is the token's own expiry; the
// in-process cache drops the entry after that, the durable record stays.
func (k *KeyStore) Revoke(ctx context.Context, token, subject, reason string, until time.Time) error {
	digest := TokenDigest(token)
	err := k.backend.RevokeToken(ctx, &store.RevokedToken{
		TokenDigest: digest,
		Subject:     subject,
		Reason:      reason,
		RevokedAt:   k.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	if k.revoked != nil {
		k.revoked.Set(digest, until)
	}
	k.logger.Info("token revoked", "subject", subject, "reason", reason, "digest", digest[:12])
	return nil
}

// IsRevoked reports whether token has been revoked.
func (k *KeyStore) IsRevoked(ctx context.Context, token string) (bool, error) {
	digest := TokenDigest(token)
	if k.revoked != nil && k.revoked.Contains(digest) {
		return true, nil
	}
	revoked, err := k.backend.IsTokenRevoked(ctx, digest)
	if err != nil {
		return false, fmt.Errorf("checking revocation: %w", err)
	}
	return revoked, nil
}

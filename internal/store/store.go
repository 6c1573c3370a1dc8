// ABOUTME: Store interfaces and data types for coven-witness persistence
// ABOUTME: Defines identities, challenges, signing keys, revocations, content units and witness events

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with an existing unique key
var ErrDuplicate = errors.New("already exists")

// Identity is a registered agent. The address is derived from the public key and
// the public key never changes after registration.
type Identity struct {
	Address         string
	PublicKey       string // authorized_keys format, e.g. "ssh-ed25519 AAAA..."
	DisplayName     string
	DeclaredPurpose string
	Reputation      float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Challenge is a one-time nonce an identity must sign. At most one challenge is
// outstanding per address; issuing a new one replaces the previous.
type Challenge struct {
	Address   string
	Nonce     string // hex encoded
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SigningKeyStatus is the lifecycle state of a token signing key version.
type SigningKeyStatus string

const (
	SigningKeyActive  SigningKeyStatus = "active"
	SigningKeyExpired SigningKeyStatus = "expired"
)

// SigningKeyVersion is one version of the session token signing secret.
// Secret is never returned over any API.
type SigningKeyVersion struct {
	ID        string
	Secret    []byte
	Status    SigningKeyStatus
	CreatedAt time.Time
	ExpiresAt time.Time
	RotatedAt *time.Time // set when demoted
	Reason    string     // why this version was created
}

// ValidAt reports whether the version may still verify tokens at t.
func (k *SigningKeyVersion) ValidAt(t time.Time) bool {
	return t.Before(k.ExpiresAt)
}

// RevokedToken records a token that must no longer be accepted.
type RevokedToken struct {
	TokenDigest string
	Subject     string
	Reason      string
	RevokedAt   time.Time
}

// ContentUnit is an accepted submission together with the evidence that admitted it.
type ContentUnit struct {
	ID           string
	Author       string
	Body         string
	ContextJSON  []byte // validated context, JSON encoded
	EvidenceJSON []byte // ordered gate evidence, JSON encoded
	EvidenceHash string
	Receipt      []byte // COSE_Sign1 over the evidence binding
	QualityScore float64
	CreatedAt    time.Time
}

// WitnessEvent is one link of the hash chained audit log. Timestamp is kept as the
// exact string that was hashed so verification never depends on time parsing.
type WitnessEvent struct {
	Seq          int64
	ID           string
	EventType    string
	Actor        string
	Action       string
	Timestamp    string // RFC3339Nano, UTC
	PreviousHash string
	EventHash    string
}

// IdentityStore persists registered identities.
type IdentityStore interface {
	CreateIdentity(ctx context.Context, id *Identity) error
	GetIdentity(ctx context.Context, address string) (*Identity, error)
	// AdjustReputation replaces the reputation of address with next(current),
	// reading and writing under one lock so concurrent adjustments never lose an
	// update. It returns the stored value.
	AdjustReputation(ctx context.Context, address string, next func(current float64) float64) (float64, error)
	UpdatePurpose(ctx context.Context, address, purpose string) error
	CountIdentities(ctx context.Context) (int, error)
}

// ChallengeStore persists outstanding challenges.
type ChallengeStore interface {
	// PutChallenge stores c, replacing any outstanding challenge for the same address.
	PutChallenge(ctx context.Context, c *Challenge) error
	// ConsumeChallenge atomically deletes and returns the outstanding challenge for
	// address. Concurrent callers racing on the same address see at most one success.
	ConsumeChallenge(ctx context.Context, address string) (*Challenge, error)
	PurgeExpiredChallenges(ctx context.Context, now time.Time) (int64, error)
}

// SigningKeyStore persists token signing key versions.
type SigningKeyStore interface {
	CreateSigningKey(ctx context.Context, k *SigningKeyVersion) error
	ActiveSigningKey(ctx context.Context) (*SigningKeyVersion, error)
	ListSigningKeys(ctx context.Context) ([]*SigningKeyVersion, error)
	// RotateSigningKey demotes the active version and inserts next as active in one
	// transaction. It returns the demoted version, or nil when none was active.
	RotateSigningKey(ctx context.Context, next *SigningKeyVersion, rotatedAt time.Time) (*SigningKeyVersion, error)
}

// RevocationStore persists revoked token digests. Entries are never removed.
type RevocationStore interface {
	RevokeToken(ctx context.Context, r *RevokedToken) error
	IsTokenRevoked(ctx context.Context, digest string) (bool, error)
	ListRevocationsBySubject(ctx context.Context, subject string) ([]*RevokedToken, error)
}

// ContentStore persists accepted content units.
type ContentStore interface {
	SaveContent(ctx context.Context, c *ContentUnit) error
	GetContent(ctx context.Context, id string) (*ContentUnit, error)
	// DeleteContent removes a unit whose acceptance could not be recorded.
	DeleteContent(ctx context.Context, id string) error
	ListContentByAuthor(ctx context.Context, author string, limit int) ([]*ContentUnit, error)
}

// WitnessStore persists the witness chain.
type WitnessStore interface {
	AppendWitnessEvent(ctx context.Context, ev *WitnessEvent) error
	LastWitnessEvent(ctx context.Context) (*WitnessEvent, error)
	// ListWitnessEvents returns events with seq > afterSeq in ascending order.
	ListWitnessEvents(ctx context.Context, afterSeq int64, limit int) ([]*WitnessEvent, error)
	// ListWitnessEventsByActor returns actor's events with seq > afterSeq in ascending order.
	ListWitnessEventsByActor(ctx context.Context, actor string, afterSeq int64, limit int) ([]*WitnessEvent, error)
	CountWitnessEvents(ctx context.Context) (int64, error)
}

// AccountStore removes the personal data of an identity.
type AccountStore interface {
	// PurgeIdentity deletes the identity, its content and its outstanding challenge.
	// Witness events and revocations are retained.
	PurgeIdentity(ctx context.Context, address string) error
}

// Store is everything the service persists.
type Store interface {
	IdentityStore
	ChallengeStore
	SigningKeyStore
	RevocationStore
	ContentStore
	WitnessStore
	AccountStore

	Ping(ctx context.Context) error
	Close() error
}

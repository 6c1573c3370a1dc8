// ABOUTME: AuthService for registration, challenge-response login and session lifecycle
// ABOUTME: Challenges are consumed atomically; every outcome is witnessed

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/2389/coven-witness/internal/keys"
	"github.com/2389/coven-witness/internal/store"
	"github.com/2389/coven-witness/internal/witness"
)

// Auth errors
var (
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrUnknownAddress    = errors.New("unknown address")
	ErrDuplicateKey      = errors.New("public key already registered")
	ErrInvalidPublicKey  = errors.New("invalid public key")
	ErrInvalidProfile    = errors.New("invalid profile")
)

const (
	// NonceSize is the number of random bytes in a challenge.
	NonceSize = 32
	// InitialReputation is the reputation of a newly registered identity.
	InitialReputation = 0.5

	maxNameLength    = 64
	maxPurposeLength = 500
)

// Config controls challenge and token lifetimes.
type Config struct {
	ChallengeTTL time.Duration
	TokenTTL     time.Duration
	// UniformChallengeErrors makes IssueChallenge answer unknown addresses with a
	// decoy instead of ErrUnknownAddress, so addresses cannot be enumerated.
	UniformChallengeErrors bool
}

// Backend is the persistence the Service needs.
type Backend interface {
	store.IdentityStore
	store.ChallengeStore
	store.AccountStore
}

// Session is the result of a successful login or refresh.
type Session struct {
	Address    string
	Token      string
	TokenID    string
	KeyVersion string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Service implements registration, login and session management.
type Service struct {
	backend Backend
	keys    *keys.KeyStore
	tokens  *Tokens
	audit   keys.Auditor
	cfg     Config
	logger  *slog.Logger

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// NewService creates a Service. audit may be nil.
func NewService(backend Backend, ks *keys.KeyStore, audit keys.Auditor, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		backend: backend,
		keys:    ks,
		audit:   audit,
		cfg:     cfg,
		logger:  logger.With("component", "auth"),
		Now:     time.Now,
	}
	s.tokens = NewTokens(ks, cfg.TokenTTL, logger)
	s.tokens.Now = func() time.Time { return s.Now() }
	return s
}

func (s *Service) record(ctx context.Context, eventType witness.EventType, actor, action string) error {
	if s.audit == nil {
		return nil
	}
	if _, err := s.audit.Append(ctx, eventType, actor, action); err != nil {
		return fmt.Errorf("recording %s: %w", eventType, err)
	}
	return nil
}

// checkText enforces a length cap and rejects control characters.
func checkText(field, v string, maxLen int) error {
	if utf8.RuneCountInString(v) > maxLen {
		return fmt.Errorf("%w: %s longer than %d characters", ErrInvalidProfile, field, maxLen)
	}
	if !utf8.ValidString(v) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidProfile, field)
	}
	for _, r := range v {
		if unicode.IsControl(r) && r != '\n' {
			return fmt.Errorf("%w: %s contains control characters", ErrInvalidProfile, field)
		}
	}
	return nil
}

// Register creates an identity for publicKey. The address is derived from the
// key, so registering the same key twice returns ErrDuplicateKey.
func (s *Service) Register(ctx context.Context, publicKey, name, purpose string) (*store.Identity, error) {
	address, canonical, err := AddressFromKey(publicKey)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	purpose = strings.TrimSpace(purpose)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	if err := checkText("name", name, maxNameLength); err != nil {
		return nil, err
	}
	if err := checkText("purpose", purpose, maxPurposeLength); err != nil {
		return nil, err
	}

	if err := witness.Writable(s.audit); err != nil {
		return nil, err
	}

	now := s.Now().UTC()
	id := &store.Identity{
		Address:         address,
		PublicKey:       canonical,
		DisplayName:     name,
		DeclaredPurpose: purpose,
		Reputation:      InitialReputation,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.backend.CreateIdentity(ctx, id); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("creating identity: %w", err)
	}

	// A registration that cannot be witnessed is undone.
	if err := s.record(ctx, witness.EventIdentityRegistered, address, "registered as "+name); err != nil {
		if perr := s.backend.PurgeIdentity(context.WithoutCancel(ctx), address); perr != nil {
			s.logger.Error("undoing unrecorded registration", "address", address, "error", perr)
		}
		return nil, err
	}
	s.logger.Info("identity registered", "address", address, "name", name)
	return id, nil
}

// IssueChallenge creates a fresh challenge for address, replacing any
// outstanding one.
func (s *Service) IssueChallenge(ctx context.Context, address string) (*store.Challenge, error) {
	now := s.Now().UTC()
	nonce, err := NewNonce(NonceSize)
	if err != nil {
		return nil, err
	}
	c := &store.Challenge{
		Address:   address,
		Nonce:     nonce,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.ChallengeTTL),
	}

	if _, err := s.backend.GetIdentity(ctx, address); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("looking up identity: %w", err)
		}
		s.logger.Info("challenge requested for unknown address", "address", address)
		if s.cfg.UniformChallengeErrors {
			// Never stored, so it can never verify.
			return c, nil
		}
		return nil, ErrUnknownAddress
	}

	if err := s.backend.PutChallenge(ctx, c); err != nil {
		return nil, fmt.Errorf("storing challenge: %w", err)
	}
	return c, nil
}

// Verify consumes the outstanding challenge for address and, if signature is a
// valid signature over it by the address's key, issues a session token. The
// challenge is gone after this call whatever the outcome.
func (s *Service) Verify(ctx context.Context, address, signature string) (*Session, error) {
	c, err := s.backend.ConsumeChallenge(ctx, address)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("verify without outstanding challenge", "address", address)
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming challenge: %w", err)
	}

	if !s.Now().Before(c.ExpiresAt) {
		s.logger.Info("expired challenge presented", "address", address)
		return nil, ErrChallengeExpired
	}

	id, err := s.backend.GetIdentity(ctx, address)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up identity: %w", err)
	}

	if err := verifyChallengeSignature(id.PublicKey, address, c.Nonce, signature); err != nil {
		s.logger.Warn("challenge signature rejected", "address", address, "error", err)
		return nil, ErrInvalidSignature
	}

	sess, err := s.issue(ctx, address)
	if err != nil {
		return nil, err
	}
	if err := s.record(ctx, witness.EventChallengeVerified, address, "session issued under key "+sess.KeyVersion); err != nil {
		return nil, err
	}
	s.logger.Info("session issued", "address", address, "key_version", sess.KeyVersion)
	return sess, nil
}

func (s *Service) issue(ctx context.Context, address string) (*Session, error) {
	token, claims, err := s.tokens.Issue(ctx, address)
	if err != nil {
		return nil, err
	}
	return &Session{
		Address:    address,
		Token:      token,
		TokenID:    claims.ID,
		KeyVersion: claims.KeyVersion,
		IssuedAt:   claims.IssuedAt.Time,
		ExpiresAt:  claims.ExpiresAt.Time,
	}, nil
}

// VerifyToken implements TokenVerifier. A token whose subject has been deleted
// fails with ErrSubjectGone, so deleting an account ends every session at once.
func (s *Service) VerifyToken(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.tokens.Verify(ctx, token)
	if errors.Is(err, ErrRevoked) {
		s.logger.Warn("revoked token presented", "digest", keys.TokenDigest(token)[:12])
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.backend.GetIdentity(ctx, claims.Subject); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("token for deleted identity presented", "address", claims.Subject, "digest", keys.TokenDigest(token)[:12])
			return nil, ErrSubjectGone
		}
		return nil, fmt.Errorf("looking up token subject: %w", err)
	}
	return claims, nil
}

// Logout revokes token. The token must currently verify.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.VerifyToken(ctx, token)
	if err != nil {
		return err
	}
	if err := s.keys.Revoke(ctx, token, claims.Subject, "logout", claims.ExpiresAt.Time); err != nil {
		return err
	}
	return s.record(ctx, witness.EventTokenRevoked, claims.Subject, "logout")
}

// Refresh exchanges a valid token for a new one under the active key and
// revokes the old token.
func (s *Service) Refresh(ctx context.Context, token string) (*Session, error) {
	claims, err := s.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}
	sess, err := s.issue(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if err := s.keys.Revoke(ctx, token, claims.Subject, "refresh", claims.ExpiresAt.Time); err != nil {
		return nil, err
	}
	if err := s.record(ctx, witness.EventTokenRefreshed, claims.Subject, "session refreshed under key "+sess.KeyVersion); err != nil {
		return nil, err
	}
	return sess, nil
}

// Identity returns the identity registered at address.
func (s *Service) Identity(ctx context.Context, address string) (*store.Identity, error) {
	id, err := s.backend.GetIdentity(ctx, address)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownAddress
	}
	if err != nil {
		return nil, fmt.Errorf("looking up identity: %w", err)
	}
	return id, nil
}

// UpdatePurpose changes the declared purpose of address. The public key and
// address never change.
func (s *Service) UpdatePurpose(ctx context.Context, address, purpose string) (*store.Identity, error) {
	purpose = strings.TrimSpace(purpose)
	if err := checkText("purpose", purpose, maxPurposeLength); err != nil {
		return nil, err
	}
	if err := witness.Writable(s.audit); err != nil {
		return nil, err
	}
	prev, err := s.Identity(ctx, address)
	if err != nil {
		return nil, err
	}
	if err := s.backend.UpdatePurpose(ctx, address, purpose); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownAddress
		}
		return nil, fmt.Errorf("updating purpose: %w", err)
	}
	if err := s.record(ctx, witness.EventIdentityUpdated, address, "declared purpose updated"); err != nil {
		if rerr := s.backend.UpdatePurpose(context.WithoutCancel(ctx), address, prev.DeclaredPurpose); rerr != nil {
			s.logger.Error("restoring unrecorded purpose change", "address", address, "error", rerr)
		}
		return nil, err
	}
	return s.Identity(ctx, address)
}

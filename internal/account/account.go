// ABOUTME: Account export and deletion for registered identities
// ABOUTME: Deletion purges personal data and is itself recorded on the witness chain

package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-witness/internal/store"
	"github.com/2389/coven-witness/internal/witness"
)

// MaxExportedContent caps the content units included in one export.
const MaxExportedContent = 1000

var (
	// ErrNotFound is returned when the address has no identity.
	ErrNotFound = errors.New("account not found")

	// ErrConfirmationRequired is returned by Delete unless the caller confirmed.
	ErrConfirmationRequired = errors.New("account deletion requires confirmation")
)

// Backend is the persistence the service needs.
type Backend interface {
	store.IdentityStore
	store.ContentStore
	store.RevocationStore
	store.AccountStore
}

// Revoker revokes session tokens. *keys.KeyStore satisfies it.
type Revoker interface {
	Revoke(ctx context.Context, token, subject, reason string, until time.Time) error
}

// Chain is the witness chain. *witness.Chain satisfies it.
type Chain interface {
	Append(ctx context.Context, eventType witness.EventType, actor, action string) (*store.WitnessEvent, error)
	Export(ctx context.Context, actor string) ([]*store.WitnessEvent, error)
}

// Record is the full export for one address.
type Record struct {
	Identity    *store.Identity
	Content     []*store.ContentUnit
	Revocations []*store.RevokedToken
	Events      []*store.WitnessEvent
	ExportedAt  time.Time
}

// DeleteRequest identifies the caller deleting their own account.
type DeleteRequest struct {
	Address string
	// Token is the session token presenting the request. It is revoked
	// together with the account.
	Token          string
	TokenExpiresAt time.Time
	Confirmed      bool
}

// Service implements export and deletion.
type Service struct {
	backend Backend
	revoker Revoker
	chain   Chain
	logger  *slog.Logger

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// NewService creates a Service.
func NewService(backend Backend, revoker Revoker, chain Chain, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		backend: backend,
		revoker: revoker,
		chain:   chain,
		logger:  logger.With("component", "account"),
		Now:     time.Now,
	}
}

// Export returns everything held about address.
func (s *Service) Export(ctx context.Context, address string) (*Record, error) {
	id, err := s.backend.GetIdentity(ctx, address)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting identity: %w", err)
	}

	content, err := s.backend.ListContentByAuthor(ctx, address, MaxExportedContent)
	if err != nil {
		return nil, fmt.Errorf("listing content: %w", err)
	}

	revocations, err := s.backend.ListRevocationsBySubject(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("listing revocations: %w", err)
	}

	events, err := s.chain.Export(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("exporting witness events: %w", err)
	}

	s.logger.Info("account exported", "address", address, "content", len(content), "events", len(events))

	return &Record{
		Identity:    id,
		Content:     content,
		Revocations: revocations,
		Events:      events,
		ExportedAt:  s.Now().UTC(),
	}, nil
}

// Delete appends an account_deleted witness event, then purges the identity
// named by req.Address and revokes the presenting token. The event is written
// first because a purge cannot be undone; if the purge then fails the caller
// retries and the chain carries the attempt.
func (s *Service) Delete(ctx context.Context, req DeleteRequest) error {
	if !req.Confirmed {
		return ErrConfirmationRequired
	}

	if _, err := s.backend.GetIdentity(ctx, req.Address); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("getting identity: %w", err)
	}

	if _, err := s.chain.Append(ctx, witness.EventAccountDeleted, req.Address, "identity and content purged"); err != nil {
		return fmt.Errorf("recording deletion: %w", err)
	}

	err := s.backend.PurgeIdentity(context.WithoutCancel(ctx), req.Address)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("purging identity: %w", err)
	}

	if req.Token != "" {
		if err := s.revoker.Revoke(context.WithoutCancel(ctx), req.Token, req.Address, "account_deleted", req.TokenExpiresAt); err != nil {
			return err
		}
	}

	s.logger.Info("account deleted", "address", req.Address)
	return nil
}

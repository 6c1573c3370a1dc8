// ABOUTME: Read side of content units with evidence integrity checks
// ABOUTME: Recomputes the evidence hash and opens the receipt on every read

package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/coven-witness/internal/gates"
	"github.com/2389/coven-witness/internal/store"
	"github.com/2389/coven-witness/internal/validate"
)

// Unit is a stored content unit with its decoded evidence and integrity verdict.
type Unit struct {
	*store.ContentUnit
	Evidence []gates.Evidence
	Context  validate.Context
	// EvidenceIntact is true when the stored evidence re-hashes to the stored
	// hash and the receipt verifies and names the same hash and body.
	EvidenceIntact bool
	ReceiptKeyID   string
}

// Get returns the unit with the given ID.
func (p *Pipeline) Get(ctx context.Context, id string) (*Unit, error) {
	c, err := p.backend.GetContent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting content: %w", err)
	}
	return p.Decode(c), nil
}

// ListByAuthor returns up to limit units by author, newest first.
func (p *Pipeline) ListByAuthor(ctx context.Context, author string, limit int) ([]*Unit, error) {
	units, err := p.backend.ListContentByAuthor(ctx, author, limit)
	if err != nil {
		return nil, fmt.Errorf("listing content: %w", err)
	}
	out := make([]*Unit, len(units))
	for i, c := range units {
		out[i] = p.Decode(c)
	}
	return out, nil
}

// Decode wraps a stored unit with its decoded evidence and integrity verdict.
func (p *Pipeline) Decode(c *store.ContentUnit) *Unit {
	u := &Unit{ContentUnit: c}
	if ev, err := gates.DecodeEvidence(c.EvidenceJSON); err == nil {
		u.Evidence = ev
	}
	if len(c.ContextJSON) > 0 {
		if err := json.Unmarshal(c.ContextJSON, &u.Context); err != nil {
			p.logger.Warn("stored context does not decode", "content_id", c.ID, "error", err)
		}
	}
	u.EvidenceIntact = p.intact(c)
	if p.notary != nil {
		u.ReceiptKeyID = p.notary.KeyID()
	}
	if !u.EvidenceIntact {
		p.logger.Error("content evidence integrity check failed", "content_id", c.ID, "alert", "evidence_integrity")
	}
	return u
}

func (p *Pipeline) intact(c *store.ContentUnit) bool {
	if !gates.Intact(c.EvidenceJSON, c.EvidenceHash) {
		return false
	}
	if p.notary == nil {
		return true
	}
	claims, err := p.notary.Open(c.Receipt)
	if err != nil {
		return false
	}
	return claims.ContentID == c.ID &&
		claims.Author == c.Author &&
		claims.EvidenceHash == c.EvidenceHash &&
		claims.BodySHA256 == gates.BodyDigest(c.Body)
}

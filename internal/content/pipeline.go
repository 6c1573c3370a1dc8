// ABOUTME: Content submission pipeline: admission, screening, gates, persistence, witness
// ABOUTME: Accepted units carry their evidence, its hash and a signed receipt

package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-witness/internal/admission"
	"github.com/2389/coven-witness/internal/gates"
	"github.com/2389/coven-witness/internal/store"
	"github.com/2389/coven-witness/internal/witness"
)

// ErrNotFound is returned when a content unit does not exist.
var ErrNotFound = errors.New("content not found")

// Backend is the persistence the pipeline needs.
type Backend interface {
	store.IdentityStore
	store.ContentStore
}

// Auditor appends to the witness chain. *witness.Chain satisfies it.
type Auditor interface {
	Append(ctx context.Context, eventType witness.EventType, actor, action string) (*store.WitnessEvent, error)
}

// Admitter decides whether a caller may proceed. *admission.Admitter satisfies it.
type Admitter interface {
	Admit(ctx context.Context, class admission.Class, subject string) (admission.Decision, error)
}

// Submission is one request to publish.
type Submission struct {
	Author  string
	Body    string
	Context map[string]any
}

// Result describes what happened to a submission.
type Result struct {
	Accepted     bool
	ContentID    string
	Evidence     []gates.Evidence
	EvidenceHash string
	Receipt      []byte
	QualityScore float64
	// Reputation is the author's reputation after this submission.
	Reputation float64
	// Decision is the admission decision, for rate-limit metadata.
	Decision admission.Decision
}

// Pipeline runs submissions through admission and the gate protocol.
type Pipeline struct {
	backend  Backend
	admitter Admitter
	protocol *gates.Protocol
	notary   *gates.Notary
	audit    Auditor
	alpha    float64
	logger   *slog.Logger

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// NewPipeline creates a Pipeline. admitter may be nil to disable admission.
func NewPipeline(backend Backend, admitter Admitter, protocol *gates.Protocol, notary *gates.Notary, audit Auditor, alpha float64, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		backend:  backend,
		admitter: admitter,
		protocol: protocol,
		notary:   notary,
		audit:    audit,
		alpha:    alpha,
		logger:   logger.With("component", "content"),
		Now:      time.Now,
	}
}

// Submit admits, screens and evaluates sub, and stores it if every required gate
// passes. A rejected submission returns the populated Result together with a
// *gates.RequiredGateFailedError. A rate-limited one returns a Result carrying
// only the Decision and an *admission.RateLimitError.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (*Result, error) {
	res := &Result{}
	if p.admitter != nil {
		d, err := p.admitter.Admit(ctx, admission.ClassContent, sub.Author)
		res.Decision = d
		if err != nil {
			return res, err
		}
	}
	if err := witness.Writable(p.audit); err != nil {
		return nil, err
	}

	author, err := p.backend.GetIdentity(ctx, sub.Author)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up author: %w", err)
	}

	out, err := p.protocol.Verify(ctx, sub.Body, author, sub.Context)
	if err != nil {
		return nil, fmt.Errorf("evaluating gates: %w", err)
	}
	res.Evidence = out.Evidence
	res.EvidenceHash = out.EvidenceHash
	if author != nil {
		res.Reputation = author.Reputation
	}

	if !out.Passed {
		p.logger.Info("content rejected", "author", sub.Author, "gate", out.Failure.Gate, "reason", out.Failure.Reason)
		if err := p.record(ctx, witness.EventContentRejected, sub.Author,
			fmt.Sprintf("rejected by %s evidence %s", out.Failure.Gate, out.EvidenceHash)); err != nil {
			return nil, err
		}
		return res, out.Failure
	}

	now := p.Now().UTC()
	id := uuid.New().String()

	receipt, err := p.notary.Sign(gates.ReceiptClaims{
		ContentID:    id,
		Author:       sub.Author,
		BodySHA256:   gates.BodyDigest(out.Sanitized),
		EvidenceHash: out.EvidenceHash,
	}, now)
	if err != nil {
		return nil, err
	}

	evidenceJSON, err := json.Marshal(out.Evidence)
	if err != nil {
		return nil, fmt.Errorf("encoding evidence: %w", err)
	}
	contextJSON, err := json.Marshal(out.Context)
	if err != nil {
		return nil, fmt.Errorf("encoding context: %w", err)
	}

	unit := &store.ContentUnit{
		ID:           id,
		Author:       sub.Author,
		Body:         out.Sanitized,
		ContextJSON:  contextJSON,
		EvidenceJSON: evidenceJSON,
		EvidenceHash: out.EvidenceHash,
		Receipt:      receipt,
		QualityScore: out.QualityScore,
		CreatedAt:    now,
	}
	if err := p.backend.SaveContent(ctx, unit); err != nil {
		return nil, fmt.Errorf("saving content: %w", err)
	}

	// An acceptance that cannot be witnessed is withdrawn.
	if err := p.record(ctx, witness.EventContentAccepted, sub.Author,
		fmt.Sprintf("accepted %s evidence %s", id, out.EvidenceHash)); err != nil {
		if derr := p.backend.DeleteContent(context.WithoutCancel(ctx), id); derr != nil {
			p.logger.Error("withdrawing unrecorded content", "content_id", id, "error", derr)
		}
		return nil, err
	}

	if author != nil && out.Scored {
		rep, err := p.backend.AdjustReputation(context.WithoutCancel(ctx), sub.Author, func(current float64) float64 {
			next, _ := gates.NextReputation(current, out, p.alpha)
			return next
		})
		if err != nil {
			// the unit is already stored and witnessed
			p.logger.Error("updating reputation", "author", sub.Author, "content_id", id, "error", err)
		} else {
			res.Reputation = rep
		}
	}

	p.logger.Info("content accepted",
		"author", sub.Author,
		"content_id", id,
		"quality", out.QualityScore,
		"reputation", res.Reputation,
	)

	res.Accepted = true
	res.ContentID = id
	res.Receipt = receipt
	res.QualityScore = out.QualityScore
	return res, nil
}

func (p *Pipeline) record(ctx context.Context, eventType witness.EventType, actor, action string) error {
	if p.audit == nil {
		return nil
	}
	if _, err := p.audit.Append(ctx, eventType, actor, action); err != nil {
		return fmt.Errorf("recording %s: %w", eventType, err)
	}
	return nil
}

// ABOUTME: Append-only hash chained audit log over the witness store
// ABOUTME: Serializes appends, verifies linkage from genesis and halts on tampering

package witness

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-witness/internal/store"
)

// GenesisHash is the previous_hash of the first event.
var GenesisHash = strings.Repeat("0", 64)

// ErrChainHalted is returned by Append once verification has found tampering.
var ErrChainHalted = errors.New("witness chain halted after integrity failure")

// EventType names what happened.
type EventType string

const (
	EventIdentityRegistered EventType = "identity.registered"
	EventIdentityUpdated    EventType = "identity.updated"
	EventChallengeVerified  EventType = "challenge.verified"
	EventTokenRevoked       EventType = "token.revoked"
	EventTokenRefreshed     EventType = "token.refreshed"
	EventKeyRotated         EventType = "key.rotated"
	EventContentAccepted    EventType = "content.accepted"
	EventContentRejected    EventType = "content.rejected"
	EventAccountDeleted     EventType = "account.deleted"
)

// IntegrityError describes the first event whose linkage or hash does not match.
type IntegrityError struct {
	Index        int64
	ExpectedHash string
	ActualHash   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("witness chain broken at event %d: expected %s, got %s", e.Index, e.ExpectedHash, e.ActualHash)
}

// Report is the result of a full chain verification.
type Report struct {
	Valid             bool            `json:"valid"`
	TotalEvents       int64           `json:"total_events"`
	FirstInvalidIndex *int64          `json:"first_invalid_index"`
	Failure           *IntegrityError `json:"-"`
}

// pageSize bounds how many events Verify holds in memory at once.
const pageSize = 500

// Chain is the witness log. All appends go through one mutex because each
// event's hash depends on its predecessor.
type Chain struct {
	store  store.WitnessStore
	logger *slog.Logger

	// Now is the clock used for event timestamps. Defaults to time.Now.
	Now func() time.Time

	mu       sync.Mutex
	headSeq  int64
	headHash string
	loaded   bool

	halted atomic.Bool
}

// New creates a chain over s.
func New(s store.WitnessStore, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		store:  s,
		logger: logger.With("component", "witness"),
		Now:    time.Now,
	}
}

// Hash computes an event hash. Each field is length prefixed so that moving bytes
// between adjacent fields changes the digest.
func Hash(eventType, timestamp, actor, action, previousHash string) string {
	h := sha256.New()
	var buf []byte
	for _, field := range []string{eventType, timestamp, actor, action, previousHash} {
		buf = binary.AppendUvarint(buf[:0], uint64(len(field)))
		h.Write(buf)
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Halted reports whether a verification has found the chain broken.
func (c *Chain) Halted() bool {
	return c.halted.Load()
}

// Writable returns ErrChainHalted when a reports that it has stopped accepting
// appends. Callers check it before changing state they must then record.
func Writable(a any) error {
	if h, ok := a.(interface{ Halted() bool }); ok && h.Halted() {
		return ErrChainHalted
	}
	return nil
}

// Append records one event and returns it with its assigned sequence and hash.
//
// A cancelled ctx is honoured only before the write starts; once the event is
// being written it is completed regardless.
func (c *Chain) Append(ctx context.Context, eventType EventType, actor, action string) (*store.WitnessEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.halted.Load() {
		return nil, ErrChainHalted
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	writeCtx := context.WithoutCancel(ctx)

	if !c.loaded {
		if err := c.loadHead(writeCtx); err != nil {
			return nil, err
		}
	}

	ev := &store.WitnessEvent{
		Seq:          c.headSeq + 1,
		ID:           uuid.New().String(),
		EventType:    string(eventType),
		Actor:        actor,
		Action:       action,
		Timestamp:    c.Now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.headHash,
	}
	ev.EventHash = Hash(ev.EventType, ev.Timestamp, ev.Actor, ev.Action, ev.PreviousHash)

	if err := c.store.AppendWitnessEvent(writeCtx, ev); err != nil {
		// someone else moved the head; reload before the next append
		c.loaded = false
		return nil, fmt.Errorf("appending witness event: %w", err)
	}

	c.headSeq = ev.Seq
	c.headHash = ev.EventHash
	return ev, nil
}

// loadHead reads the newest event. Must be called with mu held.
func (c *Chain) loadHead(ctx context.Context) error {
	last, err := c.store.LastWitnessEvent(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.headSeq = 0
		c.headHash = GenesisHash
	case err != nil:
		return fmt.Errorf("loading chain head: %w", err)
	default:
		c.headSeq = last.Seq
		c.headHash = last.EventHash
	}
	c.loaded = true
	return nil
}

// Verify recomputes every hash from genesis. On the first mismatch it halts the
// chain, raises an alert and reports the 1-based index of the broken event.
func (c *Chain) Verify(ctx context.Context) (*Report, error) {
	report := &Report{Valid: true}

	prevHash := GenesisHash
	var seq int64
	for {
		page, err := c.store.ListWitnessEvents(ctx, seq, pageSize)
		if err != nil {
			return nil, fmt.Errorf("reading witness events: %w", err)
		}

		for _, ev := range page {
			report.TotalEvents++
			expectedSeq := seq + 1

			if failure := checkEvent(ev, expectedSeq, prevHash); failure != nil && report.Valid {
				report.Valid = false
				report.Failure = failure
				idx := failure.Index
				report.FirstInvalidIndex = &idx
			}

			seq = ev.Seq
			prevHash = ev.EventHash
		}

		if len(page) < pageSize {
			break
		}
	}

	if !report.Valid {
		c.halt(report.Failure)
	}
	return report, nil
}

// checkEvent validates one event against the expected position and predecessor.
func checkEvent(ev *store.WitnessEvent, expectedSeq int64, prevHash string) *IntegrityError {
	if ev.Seq != expectedSeq {
		// a gap means an event was removed
		return &IntegrityError{Index: expectedSeq, ExpectedHash: prevHash, ActualHash: ev.PreviousHash}
	}
	if ev.PreviousHash != prevHash {
		return &IntegrityError{Index: ev.Seq, ExpectedHash: prevHash, ActualHash: ev.PreviousHash}
	}
	recomputed := Hash(ev.EventType, ev.Timestamp, ev.Actor, ev.Action, ev.PreviousHash)
	if recomputed != ev.EventHash {
		return &IntegrityError{Index: ev.Seq, ExpectedHash: recomputed, ActualHash: ev.EventHash}
	}
	return nil
}

func (c *Chain) halt(failure *IntegrityError) {
	if c.halted.Swap(true) {
		return
	}
	c.logger.Error("witness chain integrity failure, appends halted",
		"alert", "chain_integrity",
		"index", failure.Index,
		"expected_hash", failure.ExpectedHash,
		"actual_hash", failure.ActualHash,
	)
}

// Export returns every event recorded for actor, oldest first.
func (c *Chain) Export(ctx context.Context, actor string) ([]*store.WitnessEvent, error) {
	out := []*store.WitnessEvent{}
	var after int64
	for {
		page, err := c.store.ListWitnessEventsByActor(ctx, actor, after, pageSize)
		if err != nil {
			return nil, fmt.Errorf("exporting witness events: %w", err)
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
		after = page[len(page)-1].Seq
	}
}

// List returns up to limit events after seq, oldest first. When actor is set only
// that actor's events are returned.
func (c *Chain) List(ctx context.Context, actor string, afterSeq int64, limit int) ([]*store.WitnessEvent, error) {
	var events []*store.WitnessEvent
	var err error
	if actor != "" {
		events, err = c.store.ListWitnessEventsByActor(ctx, actor, afterSeq, limit)
	} else {
		events, err = c.store.ListWitnessEvents(ctx, afterSeq, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing witness events: %w", err)
	}
	return events, nil
}

// ABOUTME: GateProtocol runs input screening then required and quality gates
// ABOUTME: Required gates run concurrently; evidence is joined in registration order

package gates

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-witness/internal/store"
	"github.com/2389/coven-witness/internal/validate"
)

// DefaultTimeout bounds a single gate evaluation.
const DefaultTimeout = 2 * time.Second

// Input is everything a gate may look at. Body and Context are already
// validated and sanitized.
type Input struct {
	Body    string
	Author  *store.Identity
	Context validate.Context
	Now     time.Time
}

// Gate evaluates one criterion. Implementations must not mutate shared state and
// must return promptly once ctx is done.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, in Input) Evidence
}

// Weighted is a quality gate together with its share of the quality score.
type Weighted struct {
	Gate   Gate
	Weight float64
}

// RequiredGateFailedError reports the first required gate, in registration order,
// that failed.
type RequiredGateFailedError struct {
	Gate   string
	Reason string
}

func (e *RequiredGateFailedError) Error() string {
	return fmt.Sprintf("required gate %s failed: %s", e.Gate, e.Reason)
}

// Outcome is the result of running the protocol over one submission.
type Outcome struct {
	Passed       bool
	Evidence     []Evidence
	EvidenceHash string

	// Failure is set when Passed is false.
	Failure *RequiredGateFailedError

	// QualityScore is the weighted mean confidence of the quality gates that
	// produced a verdict. Scored is false when every quality gate was skipped.
	QualityScore float64
	Scored       bool

	// Sanitized and Context are the validated inputs the gates saw.
	Sanitized string
	Context   validate.Context
	// Validation is the body or context screening result that ended the run,
	// or the passing body result.
	Validation validate.Result
}

// Protocol is an ordered set of gates.
type Protocol struct {
	validator *validate.Validator
	required  []Gate
	quality   []Weighted
	timeout   time.Duration
	logger    *slog.Logger

	// Now is used to stamp Input.Now; tests pin it for determinism.
	Now func() time.Time
}

// NewProtocol creates a protocol. Gates are evaluated and reported in the order
// given here.
func NewProtocol(v *validate.Validator, required []Gate, quality []Weighted, timeout time.Duration, logger *slog.Logger) *Protocol {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		validator: v,
		required:  required,
		quality:   quality,
		timeout:   timeout,
		logger:    logger.With("component", "gates"),
		Now:       time.Now,
	}
}

// GateNames lists required then quality gates in evaluation order.
func (p *Protocol) GateNames() []string {
	names := make([]string, 0, len(p.required)+len(p.quality))
	for _, g := range p.required {
		names = append(names, g.Name())
	}
	for _, w := range p.quality {
		names = append(names, w.Gate.Name())
	}
	return names
}

// Verify screens body and rawContext and, if they are acceptable, runs every
// gate. Screening failures and gate failures are reported through the Outcome;
// the error return is reserved for cancellation and encoding faults.
func (p *Protocol) Verify(ctx context.Context, body string, author *store.Identity, rawContext map[string]any) (*Outcome, error) {
	vr := p.validator.Validate(body)
	if !vr.Valid {
		return p.reject(InputValidation, vr)
	}

	vctx, cr := p.validator.ValidateContext(rawContext)
	if !cr.Valid {
		return p.reject(ContextValidation, cr)
	}

	in := Input{
		Body:    vr.Sanitized,
		Author:  author,
		Context: vctx,
		Now:     p.Now().UTC(),
	}

	out := &Outcome{
		Sanitized:  vr.Sanitized,
		Context:    vctx,
		Validation: vr,
	}
	out.Evidence = append(out.Evidence, Evidence{
		Gate:       InputValidation,
		Result:     Passed,
		Confidence: 1,
		Reason:     "content and context passed screening",
	})

	required := p.runAll(ctx, p.required, in, true)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out.Evidence = append(out.Evidence, required...)

	for _, ev := range required {
		if ev.Result == Failed {
			out.Failure = &RequiredGateFailedError{Gate: ev.Gate, Reason: ev.Reason}
			break
		}
	}

	if out.Failure == nil {
		qgates := make([]Gate, len(p.quality))
		for i, w := range p.quality {
			qgates[i] = w.Gate
		}
		quality := p.runAll(ctx, qgates, in, false)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out.Evidence = append(out.Evidence, quality...)
		out.QualityScore, out.Scored = p.score(quality)
		out.Passed = true
	}

	h, err := Hash(out.Evidence)
	if err != nil {
		return nil, err
	}
	out.EvidenceHash = h

	p.logger.Debug("gates evaluated",
		"passed", out.Passed,
		"gates", len(out.Evidence),
		"evidence_hash", h,
	)
	return out, nil
}

// reject builds the single-record outcome for a screening failure.
func (p *Protocol) reject(gate string, r validate.Result) (*Outcome, error) {
	codes := make([]string, len(r.Issues))
	for i, is := range r.Issues {
		codes[i] = string(is.Code)
	}
	reason := "input rejected"
	if len(r.Issues) > 0 {
		reason = r.Issues[0].Message
	}
	ev := Evidence{
		Gate:       gate,
		Result:     Failed,
		Confidence: 1,
		Reason:     reason,
		Details: map[string]string{
			"codes":      strings.Join(codes, ","),
			"risk_score": strconv.FormatFloat(r.RiskScore, 'f', 2, 64),
		},
	}
	evidence := []Evidence{ev}
	h, err := Hash(evidence)
	if err != nil {
		return nil, err
	}
	p.logger.Info("submission rejected at screening", "stage", gate, "codes", ev.Details["codes"])
	return &Outcome{
		Passed:       false,
		Evidence:     evidence,
		EvidenceHash: h,
		Failure:      &RequiredGateFailedError{Gate: gate, Reason: reason},
		Validation:   r,
	}, nil
}

// runAll evaluates gates concurrently and returns their evidence in the order
// the gates were given.
func (p *Protocol) runAll(ctx context.Context, gs []Gate, in Input, required bool) []Evidence {
	results := make([]Evidence, len(gs))
	g, gctx := errgroup.WithContext(ctx)
	for i, gate := range gs {
		g.Go(func() error {
			results[i] = p.evaluate(gctx, gate, in, required)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// evaluate runs one gate under the per-gate timeout. A gate that times out or
// panics fails closed: FAILED when required, SKIPPED otherwise.
func (p *Protocol) evaluate(ctx context.Context, gate Gate, in Input, required bool) Evidence {
	name := gate.Name()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	fallback := Skipped
	if required {
		fallback = Failed
	}

	ch := make(chan Evidence, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("gate panicked", "gate", name, "panic", r)
				ch <- Evidence{Gate: name, Result: fallback, Reason: "gate evaluation failed"}
			}
		}()
		ch <- gate.Evaluate(ctx, in)
	}()

	select {
	case ev := <-ch:
		return normalize(name, ev, fallback)
	case <-ctx.Done():
		p.logger.Warn("gate timed out", "gate", name, "timeout", p.timeout)
		return Evidence{Gate: name, Result: fallback, Reason: "gate evaluation timed out"}
	}
}

// normalize pins the gate name and keeps Result and Confidence in range.
func normalize(name string, ev Evidence, fallback Result) Evidence {
	ev.Gate = name
	if !ev.Result.Valid() {
		ev.Result = fallback
		ev.Reason = "gate returned an unknown result"
	}
	if math.IsNaN(ev.Confidence) {
		ev.Confidence = 0
	}
	ev.Confidence = clamp01(ev.Confidence)
	if len(ev.Details) == 0 {
		ev.Details = nil
	}
	return ev
}

// score is the weighted mean confidence of non-skipped quality evidence.
func (p *Protocol) score(evidence []Evidence) (float64, bool) {
	var sum, weights float64
	for i, ev := range evidence {
		if ev.Result == Skipped {
			continue
		}
		w := p.quality[i].Weight
		sum += w * ev.Confidence
		weights += w
	}
	if weights == 0 {
		return 0, false
	}
	return clamp01(sum / weights), true
}

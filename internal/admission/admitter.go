// ABOUTME: Per-endpoint-class admission policy on top of a Limiter
// ABOUTME: Builds rate-limit keys, applies exponential backoff hints and logs violations

package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Class groups endpoints that share a limit.
type Class string

const (
	// ClassAuth covers register, challenge and verify. It is materially stricter
	// than ClassContent.
	ClassAuth Class = "auth"
	// ClassContent covers content submission and other authenticated calls.
	ClassContent Class = "content"
)

// Rule is the limit for one class.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Admitter decides whether a caller may proceed.
type Admitter struct {
	limiter Limiter
	rules   map[Class]Rule
	backoff Backoff
	logger  *slog.Logger

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// NewAdmitter creates an Admitter. Classes without a rule are not limited.
func NewAdmitter(limiter Limiter, rules map[Class]Rule, backoff Backoff, logger *slog.Logger) *Admitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admitter{
		limiter: limiter,
		rules:   rules,
		backoff: backoff,
		logger:  logger.With("component", "admission"),
		Now:     time.Now,
	}
}

// Key builds the limiter key for a class and caller. subject is the caller's
// address when authenticated, otherwise its network origin.
func Key(class Class, subject string) string {
	return fmt.Sprintf("class:%s:subject:%s", class, subject)
}

// Admit checks the caller against its class limit. The returned Decision is
// always populated when a limit applies so callers can emit rate-limit metadata.
// A rejection returns *RateLimitError; an unavailable limiter returns
// *CircuitOpenError or the underlying error.
func (a *Admitter) Admit(ctx context.Context, class Class, subject string) (Decision, error) {
	rule, ok := a.rules[class]
	if !ok || rule.Limit <= 0 {
		return Decision{Allowed: true, Limit: 0, Remaining: -1}, nil
	}

	d, err := a.limiter.Allow(ctx, Key(class, subject), rule.Limit, rule.Window)
	if err != nil {
		return Decision{}, err
	}
	if d.Allowed {
		return d, nil
	}

	wait := d.ResetAt.Sub(a.Now())
	if hint := a.backoff.Delay(d.Violations); hint > wait {
		wait = hint
	}
	if wait < 0 {
		wait = 0
	}
	d.RetryAfter = wait

	a.logger.Warn("rate limit exceeded",
		"class", class,
		"subject", subject,
		"violations", d.Violations,
		"retry_after", wait,
	)
	return d, &RateLimitError{RetryAfter: wait, Decision: d}
}

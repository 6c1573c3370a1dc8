// ABOUTME: Background loop that rotates the signing key when it is due
// ABOUTME: Also refreshes the key snapshot and purges expired challenges

package keys

import (
	"context"
	"log/slog"
	"time"
)

// ChallengePurger removes expired challenges. store.ChallengeStore satisfies it.
type ChallengePurger interface {
	PurgeExpiredChallenges(ctx context.Context, now time.Time) (int64, error)
}

// Rotator periodically calls RotateIfDue.
type Rotator struct {
	keys       *KeyStore
	challenges ChallengePurger
	interval   time.Duration
	logger     *slog.Logger
}

// NewRotator creates a rotator that checks every interval. challenges may be nil.
func NewRotator(keys *KeyStore, challenges ChallengePurger, interval time.Duration, logger *slog.Logger) *Rotator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rotator{
		keys:       keys,
		challenges: challenges,
		interval:   interval,
		logger:     logger.With("component", "rotator"),
	}
}

// Run checks once immediately and then on every tick until ctx is cancelled.
func (r *Rotator) Run(ctx context.Context) {
	r.logger.Info("key rotator started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("key rotator stopped")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one round of maintenance. Errors are logged; the next tick retries.
func (r *Rotator) Tick(ctx context.Context) {
	rotated, err := r.keys.RotateIfDue(ctx)
	if err != nil {
		r.logger.Error("scheduled rotation failed", "error", err)
	} else if !rotated {
		// pick up rotations done by another process
		if err := r.keys.Reload(ctx); err != nil {
			r.logger.Error("reloading signing keys failed", "error", err)
		}
	}

	if r.challenges != nil {
		n, err := r.challenges.PurgeExpiredChallenges(ctx, r.keys.Now())
		if err != nil {
			r.logger.Error("purging expired challenges failed", "error", err)
		} else if n > 0 {
			r.logger.Debug("purged expired challenges", "count", n)
		}
	}
}

package pipeline

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"workflow-gateway/internal/inference"
	"workflow-gateway/internal/telemetry"
)

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait/2 <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

// withRetry runs fn until it succeeds, fails with something other than a
// timeout, or MaxAttempts is reached. Every attempt is counted in obs.
func (r *run) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	max := r.cfg.MaxAttempts
	if max < 1 {
		max = 1
	}
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		r.obs.Attempts++
		err = fn(ctx)
		if err == nil || !inference.IsTimeout(err) || attempt == max {
			return err
		}
		wait := backoffWithJitter(r.cfg.BackoffInitial, r.cfg.BackoffMax, attempt)
		telemetry.DaemonRetries.Inc()
		r.logger.Warn("daemon call timed out; backing off",
			slog.String("job_id", r.job.ID),
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// Package retry drives a single task's attempts: credential selection,
// rate-limit admission, outcome classification, backoff, and failover
// across provider tiers. All retry decisions live here; the scheduler
// and task model only record terminal outcomes.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/driftlock/dispatch/internal/clock"
	"github.com/driftlock/dispatch/internal/domain"
	"github.com/driftlock/dispatch/internal/provider"
	"github.com/driftlock/dispatch/internal/ratelimit"
)

// ErrTiersExhausted is returned when every provider tier has been
// exhausted. It wraps the last observed cause.
var ErrTiersExhausted = errors.New("all provider tiers exhausted")

// Executor runs one task to completion or exhaustion across an ordered
// chain of provider tiers. It is safe for concurrent use by multiple
// workers; the shared rate limiter serializes only bookkeeping, never
// the outbound call or the sleeps.
type Executor struct {
	limiter *ratelimit.Limiter
	backoff BackoffConfig
	clock   clock.Clock
	logger  *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewExecutor creates an executor sharing the given rate limiter.
func NewExecutor(limiter *ratelimit.Limiter, backoff BackoffConfig, clk clock.Clock, logger *slog.Logger) *Executor {
	if backoff.MaxRetries <= 0 {
		backoff.MaxRetries = DefaultBackoffConfig().MaxRetries
	}
	if backoff.Base <= 0 {
		backoff.Base = DefaultBackoffConfig().Base
	}
	if backoff.Growth <= 1 {
		backoff.Growth = DefaultBackoffConfig().Growth
	}
	if backoff.Cap <= 0 {
		backoff.Cap = DefaultBackoffConfig().Cap
	}

	return &Executor{
		limiter: limiter,
		backoff: backoff,
		clock:   clk,
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run attempts the task against each tier in order. The first success
// wins; a tier is abandoned on a fatal error, on pool exhaustion, or
// after MaxRetries throttled/transient attempts. When every tier is
// exhausted the last observed cause is returned wrapped in
// ErrTiersExhausted.
func (e *Executor) Run(ctx context.Context, task *domain.Task, tiers []provider.Tier) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	if len(tiers) == 0 {
		return "", "", fmt.Errorf("%w: no tiers configured", ErrTiersExhausted)
	}

	logger := e.logger.With(
		"task_id", task.ID(),
		"task_type", task.Type(),
	)

	var lastErr error
	for _, tier := range tiers {
		result, err := e.runTier(ctx, task, tier, logger.With("tier", tier.Name))
		if err == nil {
			return result, tier.Name, nil
		}
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		lastErr = err
	}

	return "", "", fmt.Errorf("%w: %w", ErrTiersExhausted, lastErr)
}

// runTier drives up to MaxRetries attempts against a single tier.
func (e *Executor) runTier(ctx context.Context, task *domain.Task, tier provider.Tier, logger *slog.Logger) (string, error) {
	var lastErr error

	for attempt := 0; attempt < e.backoff.MaxRetries; attempt++ {
		if err := e.admit(ctx); err != nil {
			return "", err
		}

		cred, err := tier.Pool.Next(ctx)
		if err != nil {
			// Pool exhausted (or empty): this tier cannot serve the
			// task right now, fall through to the next one.
			logger.Warn("no usable credential for tier", "error", err)
			if lastErr == nil {
				lastErr = err
			}
			return "", lastErr
		}

		logger.Debug("dispatching attempt",
			"attempt", attempt+1,
			"max_attempts", e.backoff.MaxRetries,
			"credential_id", cred.ID)

		result, err := tier.Handler.Handle(ctx, task.Payload(), cred)
		if err == nil {
			tier.Pool.RecordSuccess(cred)
			logger.Info("task dispatched successfully",
				"attempt", attempt+1,
				"credential_id", cred.ID)
			return result, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, provider.ErrThrottled):
			var throttled *provider.ThrottledError
			cooldown := time.Duration(0)
			if errors.As(err, &throttled) {
				cooldown = throttled.RetryAfter
			}
			tier.Pool.Blacklist(cred, cooldown)
			logger.Warn("credential throttled",
				"attempt", attempt+1,
				"credential_id", cred.ID,
				"retry_after", cooldown)

		case errors.Is(err, provider.ErrTransient):
			// Retry with the same backoff but keep the credential.
			logger.Warn("transient failure",
				"attempt", attempt+1,
				"credential_id", cred.ID,
				"error", err)

		default:
			// Fatal or unclassified: not retryable within this tier.
			logger.Error("permanent failure, abandoning tier",
				"attempt", attempt+1,
				"error", err)
			return "", lastErr
		}

		if attempt+1 < e.backoff.MaxRetries {
			delay := e.nextDelay(attempt)
			logger.Info("backing off before retry",
				"attempt", attempt+1,
				"delay", delay)
			if err := e.clock.Sleep(ctx, delay); err != nil {
				return "", err
			}
		}
	}

	logger.Warn("tier exhausted",
		"max_attempts", e.backoff.MaxRetries,
		"error", lastErr)
	return "", lastErr
}

// admit blocks until the shared rate limiter has room, sleeping
// cooperatively for whatever duration the limiter asks.
func (e *Executor) admit(ctx context.Context) error {
	for {
		wait := e.limiter.Admit()
		if wait == 0 {
			return nil
		}
		if err := e.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (e *Executor) nextDelay(attempt int) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backoff.delay(attempt, e.rng)
}

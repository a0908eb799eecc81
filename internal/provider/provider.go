// Package provider defines the contract between the dispatch core and
// the backends that actually execute task payloads. The core never
// interprets payloads; it only classifies handler outcomes.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/driftlock/dispatch/internal/credential"
	"github.com/driftlock/dispatch/internal/domain"
)

// Outcome taxonomy. Handlers report failures through these so the
// retry executor can decide between blacklisting, plain backoff, and
// tier failover.
var (
	// ErrThrottled wraps provider rate/quota exhaustion for the
	// credential used. Retryable; the credential is blacklisted.
	ErrThrottled = errors.New("provider throttled request")

	// ErrTransient wraps network or transport failures. Retryable with
	// the same backoff as throttling, but the credential is kept.
	ErrTransient = errors.New("transient provider failure")

	// ErrFatal wraps permanent rejections such as malformed requests.
	// Not retryable within a tier; the executor moves to the next tier.
	ErrFatal = errors.New("permanent provider failure")
)

// ThrottledError carries the provider's retry-after hint alongside
// ErrThrottled. A zero RetryAfter means no hint was given and the
// pool's default cooldown applies.
type ThrottledError struct {
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *ThrottledError) Error() string {
	return fmt.Sprintf("%v: %v", ErrThrottled, e.Err)
}

// Unwrap allows errors.Is(err, ErrThrottled) to match.
func (e *ThrottledError) Unwrap() error {
	return ErrThrottled
}

// TaskHandler executes one task's domain logic against a chosen
// credential. A nil error means success; failures are reported as
// ErrThrottled (via ThrottledError), ErrTransient, or ErrFatal,
// possibly wrapped.
type TaskHandler interface {
	Handle(ctx context.Context, payload domain.Payload, cred *credential.Credential) (string, error)
}

// HandlerFunc adapts a function to the TaskHandler interface.
type HandlerFunc func(ctx context.Context, payload domain.Payload, cred *credential.Credential) (string, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, payload domain.Payload, cred *credential.Credential) (string, error) {
	return f(ctx, payload, cred)
}

// Tier is one backend in the fallback chain: a handler plus the
// credential pool it draws from. Tiers are attempted in order until
// one succeeds.
type Tier struct {
	// Name identifies the tier in results and logs.
	Name string

	// Handler executes payloads for this tier.
	Handler TaskHandler

	// Pool supplies credentials for this tier.
	Pool *credential.Pool
}

package retry

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig holds the exponential backoff parameters applied
// between retryable attempts.
type BackoffConfig struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Growth is the geometric growth factor. It is additionally scaled
	// up with the attempt index so later attempts back off more
	// aggressively.
	Growth float64

	// Cap bounds the delay after jitter is applied.
	Cap time.Duration

	// MaxRetries is the number of attempts per tier.
	MaxRetries int
}

// DefaultBackoffConfig returns a BackoffConfig with reasonable defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:       1 * time.Second,
		Growth:     2.0,
		Cap:        30 * time.Second,
		MaxRetries: 3,
	}
}

// delay computes the backoff before retrying after the given attempt
// (0-based). Jitter is a uniform 0-30% fraction applied
// multiplicatively so concurrent tasks do not retry in lockstep. The
// cap is applied last, after jitter.
func (c BackoffConfig) delay(attempt int, rng *rand.Rand) time.Duration {
	growth := c.Growth * (1 + float64(attempt)*0.5)
	d := float64(c.Base) * math.Pow(growth, float64(attempt))
	d *= 1 + rng.Float64()*0.3

	if capped := float64(c.Cap); d > capped {
		d = capped
	}
	return time.Duration(d)
}

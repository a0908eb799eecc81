package credential

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/driftlock/dispatch/internal/clock"
)

// Common errors returned by the Pool
var (
	// ErrNoCredentials is returned when the pool was constructed empty.
	ErrNoCredentials = errors.New("credential pool is empty")

	// ErrPoolExhausted is returned when no credential becomes usable
	// within the pool's bounded wait.
	ErrPoolExhausted = errors.New("no usable credential within wait bound")
)

// PoolConfig holds tuning knobs for credential selection and backoff.
type PoolConfig struct {
	// BlacklistCooldown is the default suspension applied when a
	// credential is throttled and the provider gave no retry-after hint.
	BlacklistCooldown time.Duration

	// BackoffThreshold is the fraction of blacklisted credentials above
	// which the whole pool pauses.
	BackoffThreshold float64

	// GlobalBackoffMax scales the pool-wide pause: the pause is
	// GlobalBackoffMax multiplied by the blacklisted fraction, so more
	// exhaustion means a longer pause.
	GlobalBackoffMax time.Duration

	// PreferSuccessfulProb is the probability that selection is
	// restricted to credentials with a prior success. Zero yields plain
	// least-recently-used selection.
	PreferSuccessfulProb float64

	// MaxWait bounds how long Next blocks for a blacklist window to
	// elapse before giving up with ErrPoolExhausted.
	MaxWait time.Duration
}

// DefaultPoolConfig returns a PoolConfig with reasonable defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		BlacklistCooldown:    3 * time.Minute,
		BackoffThreshold:     0.25,
		GlobalBackoffMax:     60 * time.Second,
		PreferSuccessfulProb: 0.75,
		MaxWait:              30 * time.Second,
	}
}

// Pool owns a set of credentials and selects the next usable one.
// All bookkeeping happens under a single mutex; the mutex is never held
// while sleeping or while the outbound call runs.
type Pool struct {
	mu           sync.Mutex
	creds        []*Credential
	backoffUntil time.Time
	rng          *rand.Rand

	cfg    PoolConfig
	clock  clock.Clock
	logger *slog.Logger
}

// NewPool creates a pool over the given credentials.
func NewPool(creds []*Credential, cfg PoolConfig, clk clock.Clock, logger *slog.Logger) *Pool {
	if cfg.BlacklistCooldown <= 0 {
		cfg.BlacklistCooldown = DefaultPoolConfig().BlacklistCooldown
	}
	if cfg.GlobalBackoffMax <= 0 {
		cfg.GlobalBackoffMax = DefaultPoolConfig().GlobalBackoffMax
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultPoolConfig().MaxWait
	}

	return &Pool{
		creds:  creds,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cfg:    cfg,
		clock:  clk,
		logger: logger,
	}
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// BlacklistedCount returns how many credentials are currently inside a
// blacklist window.
func (p *Pool) BlacklistedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	count := 0
	for _, c := range p.creds {
		if !c.Usable(now) {
			count++
		}
	}
	return count
}

// Next returns the next usable credential, recording its usage. If
// every credential is blacklisted or the pool is in global backoff,
// Next waits for the soonest window to elapse, bounded by MaxWait.
// Recovery is re-evaluated against the clock on each pass; no timers
// are involved.
func (p *Pool) Next(ctx context.Context) (*Credential, error) {
	p.mu.Lock()
	if len(p.creds) == 0 {
		p.mu.Unlock()
		return nil, ErrNoCredentials
	}
	deadline := p.clock.Now().Add(p.cfg.MaxWait)
	p.mu.Unlock()

	for {
		p.mu.Lock()
		now := p.clock.Now()

		wait := time.Duration(0)
		if now.Before(p.backoffUntil) {
			wait = p.backoffUntil.Sub(now)
		} else if cred := p.pickLocked(now); cred != nil {
			cred.usageCount++
			cred.lastUsed = now
			p.mu.Unlock()
			return cred, nil
		} else {
			wait = p.earliestRecoveryLocked(now).Sub(now)
		}
		p.mu.Unlock()

		if now.Add(wait).After(deadline) {
			p.logger.Warn("credential pool exhausted",
				"wait_needed", wait,
				"max_wait", p.cfg.MaxWait)
			return nil, ErrPoolExhausted
		}

		if err := p.clock.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// pickLocked selects among usable credentials. With probability
// PreferSuccessfulProb selection is restricted to credentials with a
// prior success; ties break by least-recently-used. Returns nil when
// nothing is usable.
func (p *Pool) pickLocked(now time.Time) *Credential {
	var usable, proven []*Credential
	for _, c := range p.creds {
		if !c.Usable(now) {
			continue
		}
		usable = append(usable, c)
		if c.succeeded {
			proven = append(proven, c)
		}
	}
	if len(usable) == 0 {
		return nil
	}

	candidates := usable
	if len(proven) > 0 && p.rng.Float64() < p.cfg.PreferSuccessfulProb {
		candidates = proven
	}

	pick := candidates[0]
	for _, c := range candidates[1:] {
		if c.lastUsed.Before(pick.lastUsed) {
			pick = c
		}
	}
	return pick
}

// earliestRecoveryLocked returns the soonest instant at which any
// credential's blacklist window elapses.
func (p *Pool) earliestRecoveryLocked(now time.Time) time.Time {
	earliest := p.creds[0].blacklistedUntil
	for _, c := range p.creds[1:] {
		if c.blacklistedUntil.Before(earliest) {
			earliest = c.blacklistedUntil
		}
	}
	if earliest.Before(now) {
		return now
	}
	return earliest
}

// Blacklist suspends a credential for the given cooldown (or the
// configured default when cooldown is zero). A later call replaces the
// window rather than stacking. When the blacklisted fraction exceeds
// the threshold the whole pool backs off, scaled by the fraction.
func (p *Pool) Blacklist(cred *Credential, cooldown time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cooldown <= 0 {
		cooldown = p.cfg.BlacklistCooldown
	}

	now := p.clock.Now()
	cred.blacklistedUntil = now.Add(cooldown)
	cred.quotaResetAt = cred.blacklistedUntil

	blacklisted := 0
	for _, c := range p.creds {
		if !c.Usable(now) {
			blacklisted++
		}
	}
	fraction := float64(blacklisted) / float64(len(p.creds))

	p.logger.Warn("credential blacklisted",
		"credential_id", cred.ID,
		"cooldown", cooldown,
		"blacklisted", blacklisted,
		"pool_size", len(p.creds))

	if fraction > p.cfg.BackoffThreshold {
		pause := time.Duration(float64(p.cfg.GlobalBackoffMax) * fraction)
		p.backoffUntil = now.Add(pause)
		p.logger.Warn("global backoff engaged",
			"blacklisted_fraction", fraction,
			"pause", pause)
	}
}

// RecordSuccess marks a credential as proven good, which biases future
// selection toward it.
func (p *Pool) RecordSuccess(cred *Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cred.succeeded = true
}

// RecordUsage bumps a credential's usage bookkeeping. Next already
// records usage for the credentials it hands out; this exists for
// callers that obtain credentials out of band.
func (p *Pool) RecordUsage(cred *Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cred.usageCount++
	cred.lastUsed = p.clock.Now()
}

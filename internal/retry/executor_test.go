package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlock/dispatch/internal/clock"
	"github.com/driftlock/dispatch/internal/credential"
	"github.com/driftlock/dispatch/internal/domain"
	"github.com/driftlock/dispatch/internal/provider"
	"github.com/driftlock/dispatch/internal/ratelimit"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// scriptedHandler returns a fixed outcome per credential ID and counts
// calls.
type scriptedHandler struct {
	mu       sync.Mutex
	outcomes map[string]error // nil means success
	calls    map[string]int
	result   string
}

func newScriptedHandler(result string, outcomes map[string]error) *scriptedHandler {
	return &scriptedHandler{
		outcomes: outcomes,
		calls:    make(map[string]int),
		result:   result,
	}
}

func (h *scriptedHandler) Handle(ctx context.Context, payload domain.Payload, cred *credential.Credential) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls[cred.ID]++
	if err := h.outcomes[cred.ID]; err != nil {
		return "", err
	}
	return h.result, nil
}

func (h *scriptedHandler) callCount(credID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[credID]
}

func (h *scriptedHandler) totalCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, n := range h.calls {
		total += n
	}
	return total
}

// testPoolConfig keeps selection deterministic and the pool-wide
// backoff out of the way unless a test opts in.
func testPoolConfig() credential.PoolConfig {
	cfg := credential.DefaultPoolConfig()
	cfg.PreferSuccessfulProb = 0
	cfg.BackoffThreshold = 1.0
	return cfg
}

func newTestExecutor(clk clock.Clock, maxRetries int) *Executor {
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Window:   time.Minute,
		Capacity: 1000,
	}, clk, setupTestLogger())

	return NewExecutor(limiter, BackoffConfig{
		Base:       time.Second,
		Growth:     2.0,
		Cap:        30 * time.Second,
		MaxRetries: maxRetries,
	}, clk, setupTestLogger())
}

func newTestTask(t *testing.T) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(domain.PromptPayload{Prompt: "hello"}, domain.PriorityLow, nil)
	require.NoError(t, err)
	return task
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	handler := newScriptedHandler("ok", nil)
	pool := credential.NewPool([]*credential.Credential{credential.New("a", "ka")}, testPoolConfig(), clk, setupTestLogger())

	exec := newTestExecutor(clk, 3)
	result, tier, err := exec.Run(context.Background(), newTestTask(t), []provider.Tier{
		{Name: "primary", Handler: handler, Pool: pool},
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, "primary", tier)
	assert.Equal(t, 1, handler.totalCalls())
}

func TestRunNoTiersConfigured(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	exec := newTestExecutor(clk, 3)

	_, _, err := exec.Run(context.Background(), newTestTask(t), nil)
	assert.ErrorIs(t, err, ErrTiersExhausted)
}

// TestThrottledRotatesToHealthyCredential is the two-credential
// scenario: A is always throttled, B always succeeds. Every task
// completes via B and A is blacklisted at most once per cooldown.
func TestThrottledRotatesToHealthyCredential(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	a := credential.New("a", "ka")
	b := credential.New("b", "kb")
	pool := credential.NewPool([]*credential.Credential{a, b}, testPoolConfig(), clk, setupTestLogger())

	handler := newScriptedHandler("ok", map[string]error{
		"a": &provider.ThrottledError{Err: errors.New("quota exceeded")},
	})

	exec := newTestExecutor(clk, 3)
	tiers := []provider.Tier{{Name: "primary", Handler: handler, Pool: pool}}

	for i := 0; i < 5; i++ {
		result, tier, err := exec.Run(context.Background(), newTestTask(t), tiers)
		require.NoErrorf(t, err, "task %d", i)
		assert.Equal(t, "ok", result)
		assert.Equal(t, "primary", tier)
	}

	// A was tried once, then sat out its blacklist window while B
	// served everything.
	assert.Equal(t, 1, handler.callCount("a"))
	assert.Equal(t, 5, handler.callCount("b"))
	assert.False(t, a.Usable(clk.Now()))
}

// TestSingleCredentialExhaustsRetries: MaxRetries=2 and one credential
// that is always throttled. The run fails after exactly two attempts
// and the aggregated error reflects the throttling.
func TestSingleCredentialExhaustsRetries(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	a := credential.New("a", "ka")
	pool := credential.NewPool([]*credential.Credential{a}, testPoolConfig(), clk, setupTestLogger())

	// A short retry-after hint so the credential recovers between
	// attempts and both attempts actually reach the handler.
	handler := newScriptedHandler("", map[string]error{
		"a": &provider.ThrottledError{RetryAfter: 500 * time.Millisecond, Err: errors.New("quota exceeded")},
	})

	exec := newTestExecutor(clk, 2)
	_, _, err := exec.Run(context.Background(), newTestTask(t), []provider.Tier{
		{Name: "primary", Handler: handler, Pool: pool},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTiersExhausted)
	assert.ErrorIs(t, err, provider.ErrThrottled)
	assert.Equal(t, 2, handler.callCount("a"))
}

func TestTransientRetriesWithoutBlacklisting(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	a := credential.New("a", "ka")
	pool := credential.NewPool([]*credential.Credential{a}, testPoolConfig(), clk, setupTestLogger())

	handler := newScriptedHandler("", map[string]error{
		"a": fmt.Errorf("%w: connection reset", provider.ErrTransient),
	})

	exec := newTestExecutor(clk, 3)
	_, _, err := exec.Run(context.Background(), newTestTask(t), []provider.Tier{
		{Name: "primary", Handler: handler, Pool: pool},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrTransient)

	// All three attempts used the same credential; it was never
	// blacklisted.
	assert.Equal(t, 3, handler.callCount("a"))
	assert.True(t, a.Usable(clk.Now()))
}

func TestFatalAdvancesToNextTier(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	poolA := credential.NewPool([]*credential.Credential{credential.New("a", "ka")}, testPoolConfig(), clk, setupTestLogger())
	poolB := credential.NewPool([]*credential.Credential{credential.New("b", "kb")}, testPoolConfig(), clk, setupTestLogger())

	primary := newScriptedHandler("", map[string]error{
		"a": fmt.Errorf("%w: malformed request", provider.ErrFatal),
	})
	fallback := newScriptedHandler("fallback result", nil)

	exec := newTestExecutor(clk, 3)
	result, tier, err := exec.Run(context.Background(), newTestTask(t), []provider.Tier{
		{Name: "primary", Handler: primary, Pool: poolA},
		{Name: "secondary", Handler: fallback, Pool: poolB},
	})

	require.NoError(t, err)
	assert.Equal(t, "fallback result", result)
	assert.Equal(t, "secondary", tier)

	// The fatal error was not retried within the primary tier.
	assert.Equal(t, 1, primary.callCount("a"))
}

// TestAllThrottledFallsBackToSecondTier: every credential in tier 1 is
// throttled, tier 2 always succeeds. The task completes via tier 2 and
// the tier is recorded.
func TestAllThrottledFallsBackToSecondTier(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	poolA := credential.NewPool([]*credential.Credential{
		credential.New("a1", "k1"),
		credential.New("a2", "k2"),
	}, testPoolConfig(), clk, setupTestLogger())
	poolB := credential.NewPool([]*credential.Credential{credential.New("b", "kb")}, testPoolConfig(), clk, setupTestLogger())

	primary := newScriptedHandler("", map[string]error{
		"a1": &provider.ThrottledError{RetryAfter: time.Second, Err: errors.New("quota")},
		"a2": &provider.ThrottledError{RetryAfter: time.Second, Err: errors.New("quota")},
	})
	fallback := newScriptedHandler("ok", nil)

	exec := newTestExecutor(clk, 2)
	result, tier, err := exec.Run(context.Background(), newTestTask(t), []provider.Tier{
		{Name: "tier-1", Handler: primary, Pool: poolA},
		{Name: "tier-2", Handler: fallback, Pool: poolB},
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, "tier-2", tier)
	assert.Equal(t, 2, primary.totalCalls())
}

func TestPoolExhaustedAdvancesToNextTier(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))

	cfgA := testPoolConfig()
	cfgA.MaxWait = 5 * time.Second
	a := credential.New("a", "ka")
	poolA := credential.NewPool([]*credential.Credential{a}, cfgA, clk, setupTestLogger())
	poolA.Blacklist(a, time.Hour)

	poolB := credential.NewPool([]*credential.Credential{credential.New("b", "kb")}, testPoolConfig(), clk, setupTestLogger())

	primary := newScriptedHandler("never called", nil)
	fallback := newScriptedHandler("ok", nil)

	exec := newTestExecutor(clk, 3)
	result, tier, err := exec.Run(context.Background(), newTestTask(t), []provider.Tier{
		{Name: "tier-1", Handler: primary, Pool: poolA},
		{Name: "tier-2", Handler: fallback, Pool: poolB},
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, "tier-2", tier)
	assert.Equal(t, 0, primary.totalCalls())
}

func TestRunHonorsContextCancellation(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	pool := credential.NewPool([]*credential.Credential{credential.New("a", "ka")}, testPoolConfig(), clk, setupTestLogger())
	handler := newScriptedHandler("ok", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := newTestExecutor(clk, 3)
	_, _, err := exec.Run(ctx, newTestTask(t), []provider.Tier{
		{Name: "primary", Handler: handler, Pool: pool},
	})
	assert.ErrorIs(t, err, context.Canceled)
}

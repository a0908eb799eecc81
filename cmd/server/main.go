// Command server wires the dispatch core to its collaborators: loads
// configuration, builds the credential pools and provider tiers,
// starts the scheduler, and serves the task API until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/driftlock/dispatch/internal/api"
	"github.com/driftlock/dispatch/internal/clock"
	"github.com/driftlock/dispatch/internal/config"
	"github.com/driftlock/dispatch/internal/credential"
	"github.com/driftlock/dispatch/internal/platform/gemini"
	"github.com/driftlock/dispatch/internal/platform/logger"
	"github.com/driftlock/dispatch/internal/provider"
	"github.com/driftlock/dispatch/internal/ratelimit"
	"github.com/driftlock/dispatch/internal/retry"
	"github.com/driftlock/dispatch/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.Setup(cfg.Server)

	if len(cfg.LLM.APIKeys) == 0 {
		return errors.New("no API keys configured (set DISPATCH_LLM_API_KEYS)")
	}

	clk := clock.NewReal()

	poolCfg := credential.PoolConfig{
		BlacklistCooldown:    time.Duration(cfg.Pool.BlacklistCooldownSeconds) * time.Second,
		BackoffThreshold:     cfg.Pool.BackoffThreshold,
		GlobalBackoffMax:     time.Duration(cfg.Pool.GlobalBackoffMaxSeconds) * time.Second,
		PreferSuccessfulProb: cfg.Pool.PreferSuccessfulProb,
		MaxWait:              time.Duration(cfg.Pool.MaxWaitSeconds) * time.Second,
	}

	tiers := buildTiers(cfg, poolCfg, clk, log)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Window:   time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
		Capacity: cfg.RateLimit.Capacity,
	}, clk, log)

	executor := retry.NewExecutor(limiter, retry.BackoffConfig{
		Base:       time.Duration(cfg.Retry.BackoffBaseMs) * time.Millisecond,
		Growth:     cfg.Retry.BackoffGrowth,
		Cap:        time.Duration(cfg.Retry.BackoffCapMs) * time.Millisecond,
		MaxRetries: cfg.Retry.MaxRetries,
	}, clk, log)

	sched := scheduler.New(executor, tiers, scheduler.Config{
		WorkerCount: cfg.Scheduler.WorkerCount,
		QueueSize:   cfg.Scheduler.QueueSize,
	}, log)
	sched.Start()
	defer sched.Stop()

	taskHandler := api.NewTaskHandler(sched, api.ModelDefaults{
		High: cfg.LLM.HighModel,
		Low:  cfg.LLM.LowModel,
	}, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Route("/api", taskHandler.Routes)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// buildTiers assembles the provider fallback chain: the primary Gemini
// tier, plus a fallback tier on a cheaper model when fallback keys are
// configured.
func buildTiers(cfg *config.Config, poolCfg credential.PoolConfig, clk clock.Clock, log *slog.Logger) []provider.Tier {
	primaryCreds := makeCredentials("gemini", cfg.LLM.APIKeys)
	tiers := []provider.Tier{{
		Name:    "gemini-primary",
		Handler: gemini.NewHandler(gemini.Config{Model: cfg.LLM.HighModel}, log),
		Pool:    credential.NewPool(primaryCreds, poolCfg, clk, log),
	}}

	if len(cfg.LLM.FallbackAPIKeys) > 0 {
		fallbackCreds := makeCredentials("gemini-fallback", cfg.LLM.FallbackAPIKeys)
		tiers = append(tiers, provider.Tier{
			Name:    "gemini-fallback",
			Handler: gemini.NewHandler(gemini.Config{Model: cfg.LLM.FallbackModel}, log),
			Pool:    credential.NewPool(fallbackCreds, poolCfg, clk, log),
		})
	}

	return tiers
}

func makeCredentials(prefix string, keys []string) []*credential.Credential {
	creds := make([]*credential.Credential, 0, len(keys))
	for i, key := range keys {
		creds = append(creds, credential.New(fmt.Sprintf("%s-%d", prefix, i+1), key))
	}
	return creds
}

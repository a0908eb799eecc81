package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlock/dispatch/internal/clock"
	"github.com/driftlock/dispatch/internal/credential"
	"github.com/driftlock/dispatch/internal/domain"
	"github.com/driftlock/dispatch/internal/provider"
	"github.com/driftlock/dispatch/internal/ratelimit"
	"github.com/driftlock/dispatch/internal/retry"
	"github.com/driftlock/dispatch/internal/scheduler"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// echoHandler answers prompt payloads with the model and prompt it
// received, which lets tests observe model defaulting.
type echoHandler struct{}

func (echoHandler) Handle(ctx context.Context, payload domain.Payload, cred *credential.Credential) (string, error) {
	p, ok := payload.(domain.PromptPayload)
	if !ok {
		return "handled", nil
	}
	return p.Model + "|" + p.Prompt, nil
}

func setupTestServer(t *testing.T) (*httptest.Server, *scheduler.Scheduler) {
	t.Helper()

	clk := clock.NewFake(time.Unix(1000, 0))
	logger := setupTestLogger()

	poolCfg := credential.DefaultPoolConfig()
	pool := credential.NewPool([]*credential.Credential{credential.New("a", "ka")}, poolCfg, clk, logger)
	limiter := ratelimit.NewLimiter(ratelimit.Config{Window: time.Minute, Capacity: 100000}, clk, logger)
	executor := retry.NewExecutor(limiter, retry.DefaultBackoffConfig(), clk, logger)

	sched := scheduler.New(executor, []provider.Tier{
		{Name: "primary", Handler: echoHandler{}, Pool: pool},
	}, scheduler.Config{WorkerCount: 2, QueueSize: 10}, logger)
	sched.Start()
	t.Cleanup(sched.Stop)

	handler := NewTaskHandler(sched, ModelDefaults{High: "strong-model", Low: "fast-model"}, logger)

	r := chi.NewRouter()
	r.Route("/api", handler.Routes)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, sched
}

func submitTask(t *testing.T, srv *httptest.Server, body string) submitResponse {
	t.Helper()

	resp, err := http.Post(srv.URL+"/api/tasks", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out submitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSubmitAndWaitRoundTrip(t *testing.T) {
	srv, _ := setupTestServer(t)

	out := submitTask(t, srv, `{"type":"prompt","priority":"high","payload":{"prompt":"hello"}}`)

	resp, err := http.Get(srv.URL + "/api/tasks/" + out.TaskID.String() + "/wait?timeout=2s")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap domain.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, domain.TaskStateCompleted, snap.State)
	assert.Equal(t, "primary", snap.Tier)

	// HIGH priority prompts default to the strong model.
	assert.Equal(t, "strong-model|hello", snap.Result)
}

func TestSubmitDefaultsLowPriorityModel(t *testing.T) {
	srv, _ := setupTestServer(t)

	out := submitTask(t, srv, `{"type":"prompt","payload":{"prompt":"hi"}}`)

	resp, err := http.Get(srv.URL + "/api/tasks/" + out.TaskID.String() + "/wait?timeout=2s")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var snap domain.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "fast-model|hi", snap.Result)
}

func TestSubmitValidation(t *testing.T) {
	srv, _ := setupTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing type", `{"payload":{"prompt":"x"}}`},
		{"unknown type", `{"type":"teleport","payload":{}}`},
		{"bad priority", `{"type":"prompt","priority":"urgent","payload":{"prompt":"x"}}`},
		{"empty prompt", `{"type":"prompt","payload":{"prompt":""}}`},
		{"empty query", `{"type":"search","payload":{}}`},
		{"empty url", `{"type":"fetch","payload":{}}`},
		{"empty command", `{"type":"execute","payload":{}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/tasks", "application/json", bytes.NewBufferString(tc.body))
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestStatusNotFound(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/api/tasks/00000000-0000-0000-0000-000000000001")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusInvalidID(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/api/tasks/not-a-uuid")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t)

	out := submitTask(t, srv, `{"type":"search","payload":{"query":"weather"}}`)

	resp, err := http.Get(srv.URL + "/api/tasks/" + out.TaskID.String() + "/wait?timeout=2s")
	require.NoError(t, err)
	_ = resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats scheduler.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(1), stats.Completed)
}

// Package gemini provides a TaskHandler backed by Google's Gemini API.
// It executes prompt-style payloads against the credential chosen by
// the dispatch core and classifies API failures into the outcome
// taxonomy the retry executor understands.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/driftlock/dispatch/internal/credential"
	"github.com/driftlock/dispatch/internal/domain"
	"github.com/driftlock/dispatch/internal/provider"
)

// Config holds handler settings.
type Config struct {
	// Model is the model used when the payload does not name one.
	Model string
}

// Handler implements provider.TaskHandler against the Gemini API.
// Because a genai client binds to a single API key, the handler keeps
// one lazily-created client per credential.
type Handler struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewHandler creates a Gemini handler.
func NewHandler(cfg Config, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*genai.Client),
	}
}

// Handle executes the payload against the given credential. Prompt and
// search payloads are supported; anything else is a permanent failure
// for this handler and the executor moves on to the next tier.
func (h *Handler) Handle(ctx context.Context, payload domain.Payload, cred *credential.Credential) (string, error) {
	var prompt, model string

	switch p := payload.(type) {
	case domain.PromptPayload:
		prompt = p.Prompt
		model = p.Model
	case domain.SearchPayload:
		prompt = fmt.Sprintf("Search the web and summarize findings for: %s", p.Query)
	default:
		return "", fmt.Errorf("%w: unsupported payload type %q", provider.ErrFatal, payload.TaskType())
	}

	if prompt == "" {
		return "", fmt.Errorf("%w: empty prompt", provider.ErrFatal)
	}
	if model == "" {
		model = h.cfg.Model
	}

	client, err := h.clientFor(ctx, cred)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create client: %v", provider.ErrTransient, err)
	}

	resp, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
	if err != nil {
		return "", h.classify(err, cred)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("%w: empty response from model %s", provider.ErrFatal, model)
	}

	h.logger.Debug("gemini call succeeded",
		"model", model,
		"credential_id", cred.ID,
		"response_length", len(text))

	return text, nil
}

// clientFor returns the cached client for a credential, creating it on
// first use.
func (h *Handler) clientFor(ctx context.Context, cred *credential.Credential) (*genai.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client, ok := h.clients[cred.ID]; ok {
		return client, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cred.Secret,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}

	h.clients[cred.ID] = client
	return client, nil
}

// classify maps a Gemini API error onto the outcome taxonomy. 429 and
// quota exhaustion throttle the credential; 5xx and transport failures
// are transient; everything else is permanent.
func (h *Handler) classify(err error, cred *credential.Credential) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			h.logger.Warn("credential rate limited by provider",
				"credential_id", cred.ID,
				"status", apiErr.Status)
			return &provider.ThrottledError{RetryAfter: retryAfterHint(apiErr), Err: err}
		case apiErr.Code >= 500:
			return fmt.Errorf("%w: %v", provider.ErrTransient, err)
		default:
			return fmt.Errorf("%w: %v", provider.ErrFatal, err)
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED") || strings.Contains(strings.ToLower(msg), "quota") {
		return &provider.ThrottledError{Err: err}
	}

	// Unclassifiable errors are assumed transient, matching how the
	// provider behaves under transient network faults.
	return fmt.Errorf("%w: %v", provider.ErrTransient, err)
}

// retryAfterHint extracts a retry-after hint from the error details
// when the provider supplies one. Zero means no hint.
func retryAfterHint(apiErr genai.APIError) time.Duration {
	for _, detail := range apiErr.Details {
		raw, ok := detail["retryDelay"].(string)
		if !ok {
			continue
		}
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	return 0
}

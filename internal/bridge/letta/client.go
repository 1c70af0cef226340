// Package letta is a typed HTTP client for the Letta agent server,
// following the same shape as the teacher's OpenAI-compatible adapter:
// a config struct, a shared *http.Client, private wire request/response
// types, and bearer-token auth.
package letta

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oculair/letta-matrix-bridge/common/retry"
)

const defaultTimeout = 10 * time.Second

// Config configures the Letta API client.
type Config struct {
	BaseURL string
	Token   string
	// Timeout is the per-request timeout for non-blocking calls. Defaults
	// to 10s. SendMessage uses its own 300s budget per attempt (§5).
	Timeout time.Duration
	// DefaultEmbedding is used by MediaHandler when an agent's own
	// embedding_config can't be read.
	DefaultEmbedding EmbeddingConfig
}

// Client is the typed Letta API wrapper.
type Client struct {
	cfg        Config
	httpClient *http.Client
	blocking   *http.Client // longer timeout, used by SendMessage/StreamStepMessages
}

// New builds a Letta client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		blocking:   &http.Client{Timeout: 300 * time.Second},
	}
}

// do issues an HTTP request against the Letta API and decodes the JSON
// response into dest (if non-nil). Non-2xx responses become *APIError.
func (c *Client) do(ctx context.Context, client *http.Client, method, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}

	if dest != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, dest); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// sendMessageRetryConfig is the exponential backoff policy from §4.7:
// up to 3 attempts, waiting 1s then 2s between them (doubling, capped at 60s).
var sendMessageRetryConfig = retry.Config{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	MaxDelay:     60 * time.Second,
}

func isConversationBusy(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusConflict
	}
	return false
}

// isRetryableSendError reports whether a SendMessage failure is transient:
// 409 CONVERSATION_BUSY, or a 5xx from Letta's own backend.
func isRetryableSendError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusConflict || apiErr.Status >= 500
	}
	return false
}

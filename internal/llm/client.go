// Package llm talks to the chat-completions endpoint used for goal
// classification, task decomposition, routing fallback and auto-resume
// answers.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"maestro/internal/errors"
	"maestro/internal/logging"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is the narrow surface the orchestrator needs from the model.
type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// HTTPClient posts chat-completions requests with bearer auth.
type HTTPClient struct {
	url         string
	apiKey      string
	model       string
	temperature float64
	http        *http.Client
	retry       errors.RetryConfig
	logger      logging.Logger
}

// Options tunes the HTTP client.
type Options struct {
	Temperature float64
	Timeout     time.Duration
	Retry       *errors.RetryConfig
	Logger      logging.Logger
}

// NewHTTPClient builds a client for the given endpoint. url is the full
// completion URL.
func NewHTTPClient(url, apiKey, model string, opts Options) *HTTPClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	retry := errors.DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	return &HTTPClient{
		url:         url,
		apiKey:      apiKey,
		model:       model,
		temperature: opts.Temperature,
		http:        &http.Client{Timeout: timeout},
		retry:       retry,
		logger:      logging.OrNop(opts.Logger),
	}
}

// Complete sends the messages and returns the first choice's content.
// Transient failures are retried with exponential backoff.
func (c *HTTPClient) Complete(ctx context.Context, messages []Message) (string, error) {
	if c.url == "" {
		return "", errors.NewValidation("llm_url", "llm endpoint is not configured")
	}
	return errors.RetryWithResultAndLog(ctx, c.retry, func(ctx context.Context) (string, error) {
		return c.completeOnce(ctx, messages)
	}, c.logger)
}

func (c *HTTPClient) completeOnce(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &errors.TransientError{Err: err, Message: "llm request failed"}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", &errors.TransientError{Err: err, Message: "read llm response"}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", &errors.TransientError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("llm returned %d: %s", resp.StatusCode, truncate(string(data), 200)),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("llm error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

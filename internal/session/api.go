// Package session adapts the remote agent session service: one long-lived
// conversation per agent, reused across tasks when idle.
package session

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

// Message is one chat message in a session.
type Message struct {
	ID      int    `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// API is the narrow surface the executor needs from the session service.
type API interface {
	CreateSession(ctx context.Context, agent string) (sessionID string, err error)
	Reply(ctx context.Context, sessionID, role, content string) (messageID int, err error)
	Messages(ctx context.Context, sessionID string, after int) ([]Message, error)
}

// HTTPAPI talks to the session service over HTTP JSON.
type HTTPAPI struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   errors.RetryConfig
	logger  logging.Logger
}

// NewHTTPAPI builds an adapter for the service at baseURL.
func NewHTTPAPI(baseURL, apiKey string, timeout time.Duration, logger logging.Logger) *HTTPAPI {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAPI{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		retry:   errors.DefaultRetryConfig(),
		logger:  logging.OrNop(logger),
	}
}

// CreateSession opens a new session for the agent.
func (a *HTTPAPI) CreateSession(ctx context.Context, agent string) (string, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	err := a.do(ctx, http.MethodPost, "/sessions", map[string]string{"agent": agent}, &resp)
	if err != nil {
		return "", fmt.Errorf("create session for %s: %w", agent, err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("create session for %s: empty session_id", agent)
	}
	return resp.SessionID, nil
}

// Reply appends a message to the session.
func (a *HTTPAPI) Reply(ctx context.Context, sessionID, role, content string) (int, error) {
	var resp struct {
		MessageID int `json:"message_id"`
	}
	err := a.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/reply",
		map[string]string{"role": role, "content": content}, &resp)
	if err != nil {
		return 0, fmt.Errorf("reply to session %s: %w", sessionID, err)
	}
	return resp.MessageID, nil
}

// Messages fetches messages with id greater than after. Message ids are
// stable and monotonically increasing, so after acts as a cursor.
func (a *HTTPAPI) Messages(ctx context.Context, sessionID string, after int) ([]Message, error) {
	path := fmt.Sprintf("/sessions/%s/messages?after=%d", sessionID, after)
	var resp struct {
		Messages []Message `json:"messages"`
	}
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("poll session %s: %w", sessionID, err)
	}
	return resp.Messages, nil
}

func (a *HTTPAPI) do(ctx context.Context, method, path string, body, out any) error {
	return errors.RetryWithLog(ctx, a.retry, func(ctx context.Context) error {
		return a.doOnce(ctx, method, path, body, out)
	}, a.logger)
}

func (a *HTTPAPI) doOnce(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return &errors.TransientError{Err: err, Message: "session request failed"}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &errors.TransientError{Err: err, Message: "read session response"}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &errors.TransientError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("session service returned %d", resp.StatusCode),
		}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("session service returned %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

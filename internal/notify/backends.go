package notify

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

// LogBackend writes notifications to the structured log. It is the default
// channel when nothing else is bound.
type LogBackend struct {
	Logger logging.Logger
}

func (b *LogBackend) Name() string { return "log" }

func (b *LogBackend) Deliver(_ context.Context, msg Message) error {
	logging.OrNop(b.Logger).Info("event %s agent=%s run=%s task=%s %s",
		msg.Event, msg.Agent, msg.RunID, msg.TaskID, msg.Title)
	return nil
}

// WebhookBackend POSTs the message as a JSON body.
type WebhookBackend struct {
	URL    string
	Client *http.Client
}

func (b *WebhookBackend) Name() string { return "webhook" }

func (b *WebhookBackend) Deliver(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return b.post(req)
}

func (b *WebhookBackend) post(req *http.Request) error {
	client := b.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return &errors.TransientError{Err: err, Message: "webhook delivery failed"}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &errors.TransientError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("webhook returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// ChatBackend posts a channel message to a Discord-like chat API with bot
// auth.
type ChatBackend struct {
	BaseURL   string
	ChannelID string
	BotToken  string
	Client    *http.Client
}

func (b *ChatBackend) Name() string { return "chat" }

func (b *ChatBackend) Deliver(ctx context.Context, msg Message) error {
	content := fmt.Sprintf("[%s] agent=%s run=%s task=%s %s",
		msg.Event, msg.Agent, msg.RunID, msg.TaskID, msg.Title)
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/channels/%s/messages", b.BaseURL, b.ChannelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+b.BotToken)

	wb := WebhookBackend{Client: b.Client}
	return wb.post(req)
}

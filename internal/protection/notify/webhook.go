package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	webhookTimeout = 10 * time.Second
	errorBodyLimit = 512
	webhookMsgType = "text"
)

var errEmptyWebhookURL = errors.New("trip webhook: empty url")

// Channel delivers rendered content.
type Channel interface {
	Send(ctx context.Context, content string) error
}

type webhookPayload struct {
	MsgType string      `json:"msgtype"`
	Text    webhookText `json:"text"`
}

type webhookText struct {
	Content string `json:"content"`
}

// StatusError reports a non-2xx webhook response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("trip webhook: status %d", e.Code)
	}
	return fmt.Sprintf("trip webhook: status %d: %s", e.Code, e.Body)
}

// WebhookChannel posts trip notifications as chat text messages.
type WebhookChannel struct {
	url     string
	client  *http.Client
	headers http.Header
}

// WebhookOption configures the webhook channel.
type WebhookOption func(*WebhookChannel)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(ch *WebhookChannel) {
		if client != nil {
			ch.client = client
		}
	}
}

// WithHeader adds a request header, e.g. an Authorization token for the receiver.
func WithHeader(key, value string) WebhookOption {
	return func(ch *WebhookChannel) {
		if key != "" {
			ch.headers.Set(key, value)
		}
	}
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(url string, opts ...WebhookOption) (*WebhookChannel, error) {
	if url == "" {
		return nil, errEmptyWebhookURL
	}
	channel := &WebhookChannel{
		url:     url,
		client:  &http.Client{Timeout: webhookTimeout},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		opt(channel)
	}
	return channel, nil
}

// Send posts content. A non-2xx reply yields *StatusError.
func (w *WebhookChannel) Send(ctx context.Context, content string) error {
	if w == nil || w.url == "" {
		return errEmptyWebhookURL
	}
	body, err := json.Marshal(webhookPayload{MsgType: webhookMsgType, Text: webhookText{Content: content}})
	if err != nil {
		return fmt.Errorf("trip webhook: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("trip webhook: request: %w", err)
	}
	for key, values := range w.headers {
		req.Header[key] = values
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("trip webhook: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

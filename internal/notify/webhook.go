package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bookingd/internal/model"
)

// WebhookConfig points at an HTTP endpoint that relays messages.
type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

type webhookPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Webhook POSTs messages as JSON. Every customer is reachable through it; the
// receiving side decides how to deliver.
type Webhook struct {
	url   string
	token string
	http  *http.Client
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Webhook{
		url:   strings.TrimSpace(cfg.URL),
		token: strings.TrimSpace(cfg.Token),
		http:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Target(c model.Customer) string {
	if w.url == "" {
		return ""
	}
	return c.Ref
}

func (w *Webhook) Send(ctx context.Context, target string, msg Message) error {
	raw, err := json.Marshal(webhookPayload{
		To:      target,
		Subject: msg.Subject,
		Body:    msg.Body,
	})
	if err != nil {
		return model.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(raw))
	if err != nil {
		return model.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return model.Transient(fmt.Errorf("webhook: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
	return nil
}

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WebhookGateway hands notifications to an external transactional-email API
// which owns the final rendering.
type WebhookGateway struct {
	url   string
	token string
	http  *http.Client
}

func NewWebhookGateway(url string, token string) *WebhookGateway {
	return &WebhookGateway{
		url:   strings.TrimSpace(url),
		token: strings.TrimSpace(token),
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type webhookPayload struct {
	To         []string       `json:"to"`
	Cc         []string       `json:"cc,omitempty"`
	TemplateID TemplateID     `json:"template_id"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	Params     map[string]any `json:"params,omitempty"`
}

func (g *WebhookGateway) SendNotification(ctx context.Context, n Notification) error {
	if g.url == "" {
		return errors.New("notification webhook url not configured")
	}
	subject, body, err := Render(n.TemplateID, n.Params)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(webhookPayload{
		To:         n.Recipients,
		Cc:         n.Cc,
		TemplateID: n.TemplateID,
		Subject:    subject,
		Body:       body,
		Params:     n.Params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("notification webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
	}
	return nil
}

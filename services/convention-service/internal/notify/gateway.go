package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

const (
	KindSMTP    = "smtp"
	KindWebhook = "webhook"
	KindMemory  = "memory"
)

// Notification is one templated email sent to all Recipients at once.
type Notification struct {
	Recipients []string       `json:"recipients"`
	Cc         []string       `json:"cc,omitempty"`
	TemplateID TemplateID     `json:"template_id"`
	Params     map[string]any `json:"params,omitempty"`
}

type Gateway interface {
	SendNotification(ctx context.Context, n Notification) error
}

type Config struct {
	Kind         string
	SMTPHost     string
	SMTPPort     string
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string
	WebhookURL   string
	WebhookToken string
}

func FromConfig(cfg Config, logger *slog.Logger) (Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case KindSMTP:
		if strings.TrimSpace(cfg.SMTPHost) == "" {
			return nil, fmt.Errorf("SMTP_HOST is required for the %s gateway", KindSMTP)
		}
		return NewSMTPGateway(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPUsername, cfg.SMTPPassword), nil
	case KindWebhook:
		if strings.TrimSpace(cfg.WebhookURL) == "" {
			return nil, fmt.Errorf("NOTIFICATION_WEBHOOK_URL is required for the %s gateway", KindWebhook)
		}
		return NewWebhookGateway(cfg.WebhookURL, cfg.WebhookToken), nil
	case KindMemory, "":
		logger.Warn("notifications are kept in memory and never delivered")
		return NewInMemoryGateway(), nil
	default:
		return nil, fmt.Errorf("unknown notification gateway %q", cfg.Kind)
	}
}

// InMemoryGateway records notifications instead of sending them.
type InMemoryGateway struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func NewInMemoryGateway() *InMemoryGateway {
	return &InMemoryGateway{}
}

// FailWith makes every following send return err; nil restores success.
func (g *InMemoryGateway) FailWith(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

func (g *InMemoryGateway) SendNotification(_ context.Context, n Notification) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	n.Recipients = append([]string(nil), n.Recipients...)
	n.Cc = append([]string(nil), n.Cc...)
	g.sent = append(g.sent, n)
	return nil
}

func (g *InMemoryGateway) Sent() []Notification {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Notification(nil), g.sent...)
}

// SentWith returns the notifications that used template id.
func (g *InMemoryGateway) SentWith(id TemplateID) []Notification {
	var out []Notification
	for _, n := range g.Sent() {
		if n.TemplateID == id {
			out = append(out, n)
		}
	}
	return out
}

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/conventions/libs/config"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/events"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/notify"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/recipients"
)

type appConfig struct {
	Port           string
	DatabaseURL    string
	MigrateOnStart bool

	CrawlerInterval   time.Duration
	CrawlerBatchSize  int
	CrawlerLeaderLock bool
	Quarantined       []events.Topic

	RecipientFilter        string
	AllowedRecipients      []string
	AdminAllowedRecipients []string
	AdminEmails            []string
	Notify                 notify.Config

	DedupBackend string
	RedisURL     string

	KafkaBrokers     string
	AgencySyncTopics []events.Topic
	AgencySyncPrefix string

	RateLimit int

	AdminJWTSecret string
	AdminJWKSURL   string
	AdminJWKSTTL   time.Duration
}

func loadConfig() (appConfig, error) {
	var (
		cfg appConfig
		err error
	)
	if cfg.Port, err = config.Port("PORT", "8090"); err != nil {
		return cfg, err
	}
	if cfg.DatabaseURL, err = config.RequiredString("DATABASE_URL"); err != nil {
		return cfg, err
	}
	if cfg.MigrateOnStart, err = config.Bool("MIGRATE_ON_START", true); err != nil {
		return cfg, err
	}
	if cfg.CrawlerInterval, err = config.Duration("CRAWLER_INTERVAL", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.CrawlerBatchSize, err = config.Int("CRAWLER_BATCH_SIZE", 50); err != nil {
		return cfg, err
	}
	if cfg.CrawlerLeaderLock, err = config.Bool("CRAWLER_LEADER_LOCK", true); err != nil {
		return cfg, err
	}
	if cfg.Quarantined, err = events.ParseTopics(config.List("QUARANTINED_TOPICS")); err != nil {
		return cfg, fmt.Errorf("QUARANTINED_TOPICS: %w", err)
	}

	cfg.RecipientFilter = config.String("RECIPIENT_FILTER", recipients.ModeAllowList)
	cfg.AllowedRecipients = config.List("ALLOWED_RECIPIENTS")
	cfg.AdminAllowedRecipients = config.List("ADMIN_ALLOWED_RECIPIENTS")
	cfg.AdminEmails = config.List("ADMIN_EMAILS")
	cfg.Notify = notify.Config{
		Kind:         config.String("NOTIFICATION_GATEWAY", notify.KindMemory),
		SMTPHost:     config.String("SMTP_HOST", ""),
		SMTPPort:     config.String("SMTP_PORT", "1025"),
		SMTPFrom:     config.String("SMTP_FROM", "no-reply@conventions.local"),
		SMTPUsername: config.String("SMTP_USERNAME", ""),
		SMTPPassword: config.String("SMTP_PASSWORD", ""),
		WebhookURL:   config.String("NOTIFICATION_WEBHOOK_URL", ""),
		WebhookToken: config.String("NOTIFICATION_WEBHOOK_TOKEN", ""),
	}

	cfg.DedupBackend = strings.ToLower(config.String("DEDUP_BACKEND", "postgres"))
	cfg.RedisURL = config.String("REDIS_URL", "")
	switch cfg.DedupBackend {
	case "postgres", "none":
	case "redis":
		if cfg.RedisURL == "" {
			return cfg, fmt.Errorf("DEDUP_BACKEND=redis requires REDIS_URL")
		}
	default:
		return cfg, fmt.Errorf("DEDUP_BACKEND must be postgres, redis or none (got %q)", cfg.DedupBackend)
	}

	cfg.KafkaBrokers = config.String("KAFKA_BROKERS", "")
	if cfg.AgencySyncTopics, err = events.ParseTopics(config.List("AGENCY_SYNC_TOPICS")); err != nil {
		return cfg, fmt.Errorf("AGENCY_SYNC_TOPICS: %w", err)
	}
	cfg.AgencySyncPrefix = config.String("AGENCY_SYNC_PREFIX", "agency-sync")

	if cfg.RateLimit, err = config.Int("RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return cfg, err
	}

	cfg.AdminJWTSecret = config.String("ADMIN_JWT_SECRET", "")
	cfg.AdminJWKSURL = config.String("ADMIN_JWKS_URL", "")
	if cfg.AdminJWKSTTL, err = config.Duration("ADMIN_JWKS_TTL", 5*time.Minute); err != nil {
		return cfg, err
	}
	return cfg, nil
}

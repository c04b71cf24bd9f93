package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/md-rashed-zaman/conventions/libs/auth"
	"github.com/md-rashed-zaman/conventions/libs/config"
	"github.com/md-rashed-zaman/conventions/libs/db"
	"github.com/md-rashed-zaman/conventions/libs/httpx"
	"github.com/md-rashed-zaman/conventions/libs/kafkax"
	otelx "github.com/md-rashed-zaman/conventions/libs/otel"
	"github.com/md-rashed-zaman/conventions/libs/runtime"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/agencysync"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/conventions"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/crawler"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/dedup"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/eventbus"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/events"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/handlers"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/metrics"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/notifications"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/notify"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/outbox"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/recipients"
	"github.com/md-rashed-zaman/conventions/services/convention-service/migrations"
)

const crawlerLockName = "convention-service.crawler"

func main() {
	service := config.String("SERVICE_NAME", "convention-service")
	logger := runtime.NewLogger(service)

	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}
	otelCfg, err := otelx.ConfigFromEnv(service)
	if err != nil {
		panic(err)
	}

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelCfg)
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	pool, err := db.OpenWithConfig(ctx, cfg.DatabaseURL, db.PoolConfig{MaxConns: 20})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		if err := migrations.Apply(ctx, pool); err != nil {
			logger.Error("migrations failed", "err", err)
			panic(err)
		}
	}

	readyChecks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			panic(err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	pipelineMetrics, err := metrics.NewPipeline(reg)
	if err != nil {
		panic(err)
	}

	factory, err := events.NewFactory(events.FactoryConfig{Quarantined: cfg.Quarantined})
	if err != nil {
		panic(err)
	}
	if q := factory.QuarantinedTopics(); len(q) > 0 {
		logger.Warn("topics quarantined, their events are recorded but not dispatched", "topics", q)
	}

	outboxRepo := outbox.NewRepository(pool, logger)
	conventionsRepo := conventions.NewPostgresRepository(pool)
	conventionService := conventions.NewService(pool, conventionsRepo, outboxRepo, factory, logger)

	bus := eventbus.New(logger, eventbus.WithTracer(otelx.Tracer("eventbus")))

	gateway, err := notify.FromConfig(cfg.Notify, logger)
	if err != nil {
		panic(err)
	}
	filter, err := recipients.FromConfig(cfg.RecipientFilter, cfg.AllowedRecipients, logger)
	if err != nil {
		panic(err)
	}
	adminFilter, err := recipients.FromConfig(cfg.RecipientFilter, cfg.AdminAllowedRecipients, logger)
	if err != nil {
		panic(err)
	}

	var dedupStore dedup.Store
	switch cfg.DedupBackend {
	case "postgres":
		dedupStore = dedup.NewPostgresStore(pool, dedup.DefaultLease)
	case "redis":
		dedupStore = dedup.NewRedisStore(rdb, service+":dedup", dedup.DefaultLease, dedup.DefaultRetention)
	}

	notificationHandlers, err := notifications.New(notifications.Config{
		Gateway:     gateway,
		Filter:      filter,
		AdminFilter: adminFilter,
		AdminEmails: cfg.AdminEmails,
		Agencies:    conventionsRepo,
		Dedup:       dedupStore,
		Metrics:     pipelineMetrics,
		Logger:      logger,
	})
	if err != nil {
		panic(err)
	}
	if err := notificationHandlers.Register(bus); err != nil {
		panic(err)
	}

	if brokers := kafkax.SplitBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		writer := agencysync.NewKafkaWriter(brokers)
		defer writer.Close()
		relay, err := agencysync.NewRelay(writer, cfg.AgencySyncPrefix, cfg.AgencySyncTopics, logger)
		if err != nil {
			panic(err)
		}
		if err := relay.Register(bus); err != nil {
			panic(err)
		}
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)})
	} else {
		logger.Warn("agency sync relay disabled (no kafka brokers configured)")
	}

	crawlerOpts := []crawler.Option{
		crawler.WithMetrics(pipelineMetrics),
		crawler.WithTracer(otelx.Tracer("crawler")),
	}
	if cfg.CrawlerLeaderLock {
		crawlerOpts = append(crawlerOpts, crawler.WithLeader(crawler.NewPGAdvisoryLeader(pool, crawlerLockName, logger)))
	}
	eventCrawler := crawler.New(outboxRepo, bus, logger, crawler.Config{
		Interval:  cfg.CrawlerInterval,
		BatchSize: cfg.CrawlerBatchSize,
	}, crawlerOpts...)
	runtime.Go(logger, "crawler", func() {
		if err := eventCrawler.Run(ctx); err != nil {
			logger.Error("crawler stopped with error", "err", err)
		}
	})

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	adminMux := http.NewServeMux()
	handlers.NewAdmin(outboxRepo, eventCrawler, logger).Routes(adminMux)
	verifier := auth.Verifier{Secret: cfg.AdminJWTSecret}
	if cfg.AdminJWKSURL != "" {
		verifier.JWKS = auth.NewJWKSClient(cfg.AdminJWKSURL, cfg.AdminJWKSTTL)
	}
	if verifier.Enabled() {
		mux.Handle("/admin/", auth.Require(verifier, "admin")(adminMux))
	} else {
		logger.Warn("admin endpoints are unauthenticated; set ADMIN_JWT_SECRET or ADMIN_JWKS_URL")
		mux.Handle("/admin/", adminMux)
	}
	handlers.NewConventions(conventionService, logger).Routes(mux)

	var limiter httpx.Limiter = httpx.NewRateLimiter(cfg.RateLimit, time.Minute)
	if rdb != nil {
		limiter = httpx.NewRedisRateLimiter(rdb, cfg.RateLimit, time.Minute, service+":rl", logger, true)
	}
	handler := httpx.Chain(mux,
		httpx.WithRecover(logger),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		limiter.Middleware(),
		httpx.WithBodyLimit(1<<20),
	)
	handler = otelhttp.NewHandler(handler, "convention")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eventCrawler.Shutdown(shutdownCtx); err != nil {
		logger.Error("crawler shutdown error", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	otelx "github.com/md-rashed-zaman/conventions/libs/otel"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/events"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/metrics"
)

var (
	ErrAlreadyRunning = errors.New("crawler is already running")
	ErrStopped        = errors.New("crawler is stopped")
	ErrBatchInFlight  = errors.New("crawler batch already in flight")
	ErrNotLeader      = errors.New("another crawler instance holds the dispatch lock")
)

// Source is the slice of the Outbox Store the crawler reads and appends to.
type Source interface {
	Unpublished(ctx context.Context, limit int) ([]events.Event, error)
	MarkPublicationResult(ctx context.Context, id uuid.UUID, p events.Publication) error
}

// Publisher fans an event out to its handlers, skipping the listed ids.
type Publisher interface {
	Publish(ctx context.Context, evt events.Event, skip map[string]bool) events.Publication
}

type Config struct {
	Interval  time.Duration
	BatchSize int
}

// Result counts what one batch did.
type Result struct {
	Fetched      int `json:"fetched"`
	Published    int `json:"published"`
	Failed       int `json:"failed"`
	RecordFailed int `json:"record_failed"`
	Skipped      int `json:"skipped"`
}

// Crawler drives unpublished events through the bus and records each
// attempt. Failed events stay unpublished and are picked up again by the
// next batch.
type Crawler struct {
	source    Source
	bus       Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *metrics.Pipeline
	leader    Leader
	interval  time.Duration
	batchSize int

	inFlight atomic.Bool
	batches  sync.WaitGroup

	runMu    sync.Mutex
	running  bool
	stopped  bool
	stop     chan struct{}
	stopOnce sync.Once
}

type Option func(*Crawler)

func WithLeader(l Leader) Option {
	return func(c *Crawler) { c.leader = l }
}

func WithMetrics(m *metrics.Pipeline) Option {
	return func(c *Crawler) { c.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Crawler) {
		if t != nil {
			c.tracer = t
		}
	}
}

func New(source Source, bus Publisher, logger *slog.Logger, cfg Config, opts ...Option) *Crawler {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Crawler{
		source:    source,
		bus:       bus,
		logger:    logger.With("component", "crawler"),
		tracer:    noop.NewTracerProvider().Tracer("crawler"),
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// ProcessEvents runs exactly one batch and returns when every event of the
// batch has its outcome recorded. It fails with ErrBatchInFlight instead of
// overlapping a batch that is still running.
func (c *Crawler) ProcessEvents(ctx context.Context) (Result, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return Result{}, ErrBatchInFlight
	}
	defer c.inFlight.Store(false)

	if c.leader != nil {
		release, ok, err := c.leader.TryAcquire(ctx)
		if err != nil {
			c.logger.Error("crawler leader lock failed", "err", err)
			return Result{}, fmt.Errorf("acquire dispatch lock: %w", err)
		}
		if !ok {
			return Result{}, ErrNotLeader
		}
		defer release()
	}

	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "crawler.batch")
	defer span.End()

	evts, err := c.source.Unpublished(ctx, c.batchSize)
	if err != nil {
		c.logger.Error("outbox fetch failed, batch abandoned", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return Result{}, fmt.Errorf("fetch unpublished events: %w", err)
	}

	var (
		mu  sync.Mutex
		res = Result{Fetched: len(evts)}
		wg  sync.WaitGroup
	)
	for _, evt := range evts {
		if evt.Quarantined {
			c.logger.Warn("quarantined event returned by outbox, not dispatched",
				"event_id", evt.ID.String(), "topic", string(evt.Topic))
			res.Skipped++
			continue
		}
		if events.IsUndecodable(evt.Payload) {
			c.logger.Error("undecodable event returned by outbox, not dispatched",
				"event_id", evt.ID.String(), "topic", string(evt.Topic))
			res.Skipped++
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			published, recorded := c.dispatch(ctx, evt)
			mu.Lock()
			defer mu.Unlock()
			if published {
				res.Published++
			} else {
				res.Failed++
			}
			if !recorded {
				res.RecordFailed++
			}
		}()
	}
	wg.Wait()

	span.SetAttributes(
		attribute.Int("crawler.fetched", res.Fetched),
		attribute.Int("crawler.published", res.Published),
		attribute.Int("crawler.failed", res.Failed),
	)
	c.metrics.ObserveBatch(res.Fetched, time.Since(start).Seconds())
	if res.Fetched > 0 {
		c.logger.Info("crawler batch done",
			"fetched", res.Fetched,
			"published", res.Published,
			"failed", res.Failed,
			"record_failed", res.RecordFailed,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return res, nil
}

// dispatch publishes one event and stores the attempt. Handlers that already
// succeeded in an earlier attempt are not invoked again.
func (c *Crawler) dispatch(ctx context.Context, evt events.Event) (published bool, recorded bool) {
	attempt := evt.Attempts() + 1
	evtCtx := otelx.ContextWithTraceContext(ctx, evt.Traceparent, evt.Tracestate)
	evtCtx, span := c.tracer.Start(evtCtx, "crawler.dispatch",
		trace.WithLinks(trace.LinkFromContext(ctx)),
		trace.WithAttributes(
			attribute.String("event.id", evt.ID.String()),
			attribute.String("event.topic", string(evt.Topic)),
			attribute.Int("event.attempt", attempt),
		),
	)
	defer span.End()

	pub := c.bus.Publish(evtCtx, evt, evt.SucceededHandlers())
	c.metrics.ObservePublication(string(evt.Topic), pub.FailedHandlers())

	log := c.logger.With("event_id", evt.ID.String(), "topic", string(evt.Topic), "attempt", attempt)
	if pub.Ok() {
		log.Info("event published", "handlers", pub.Succeeded)
	} else {
		span.SetStatus(codes.Error, "handler failures")
		for _, f := range pub.Failures {
			log.Warn("event handler failed, will retry", "handler", f.HandlerID, "err", f.Error)
		}
	}

	// The bus outcome is recorded even if the batch context was cancelled
	// meanwhile: handlers already ran.
	if err := c.source.MarkPublicationResult(context.WithoutCancel(ctx), evt.ID, pub); err != nil {
		c.metrics.RecordFailed()
		span.RecordError(err)
		log.Error("publication result not recorded", "err", err, "ok", pub.Ok())
		return pub.Ok(), false
	}
	return pub.Ok(), true
}

// Run processes a batch immediately and then on every interval until ctx is
// done or Stop is called. A tick that finds a batch still in flight is
// dropped. A stopped crawler cannot be run again.
func (c *Crawler) Run(ctx context.Context) error {
	c.runMu.Lock()
	switch {
	case c.stopped:
		c.runMu.Unlock()
		return ErrStopped
	case c.running:
		c.runMu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.runMu.Unlock()

	defer func() {
		c.runMu.Lock()
		c.running = false
		c.runMu.Unlock()
	}()

	c.logger.Info("crawler started", "interval", c.interval.String(), "batch_size", c.batchSize)
	defer c.logger.Info("crawler stopped")

	// Batches finish their bookkeeping even when ctx is cancelled mid-run.
	batchCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.spawn(batchCtx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stop:
			return nil
		case <-ticker.C:
			if c.inFlight.Load() {
				c.logger.Debug("crawler tick skipped, previous batch still running")
				continue
			}
			c.spawn(batchCtx)
		}
	}
}

// spawn starts a batch in the background unless the crawler is stopped, so
// Shutdown never waits on a batch added after Stop.
func (c *Crawler) spawn(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.stopped {
		return
	}
	c.batches.Add(1)
	go c.tick(ctx)
}

func (c *Crawler) tick(ctx context.Context) {
	defer c.batches.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("crawler batch panic", "panic", r)
		}
	}()
	_, err := c.ProcessEvents(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrBatchInFlight):
		c.logger.Debug("crawler tick skipped, previous batch still running")
	case errors.Is(err, ErrNotLeader):
		c.logger.Debug("crawler tick skipped, not the dispatch leader")
	}
}

// Stop ends Run. It does not interrupt a batch in flight.
func (c *Crawler) Stop() {
	c.stopOnce.Do(func() {
		c.runMu.Lock()
		c.stopped = true
		c.runMu.Unlock()
		close(c.stop)
	})
}

// Shutdown stops the crawler and waits for batches started by Run.
func (c *Crawler) Shutdown(ctx context.Context) error {
	c.Stop()
	done := make(chan struct{})
	go func() {
		c.batches.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("crawler shutdown: %w", ctx.Err())
	}
}

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/events"
)

var (
	ErrHandlerIDRequired        = errors.New("handler id is required")
	ErrHandlerRequired          = errors.New("handler is required")
	ErrHandlerAlreadySubscribed = errors.New("handler already subscribed to topic")
)

// Handler reacts to one event. A returned error (or a panic) is recorded as
// this handler's failure for the attempt.
type Handler func(ctx context.Context, evt events.Event) error

type subscription struct {
	id      string
	handler Handler
}

// Bus routes an event to every handler subscribed to its topic.
type Bus struct {
	mu     sync.RWMutex
	subs   map[events.Topic][]subscription
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

type Option func(*Bus)

func WithTracer(tracer trace.Tracer) Option {
	return func(b *Bus) {
		if tracer != nil {
			b.tracer = tracer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		subs:   make(map[events.Topic][]subscription),
		logger: logger.With("component", "eventbus"),
		tracer: noop.NewTracerProvider().Tracer("eventbus"),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers h under handlerID for topic. Handler ids identify a
// handler across attempts and must be unique per topic.
func (b *Bus) Subscribe(topic events.Topic, handlerID string, h Handler) error {
	if !topic.Valid() {
		return fmt.Errorf("subscribe %q: %w", topic, events.ErrUnknownTopic)
	}
	handlerID = strings.TrimSpace(handlerID)
	if handlerID == "" {
		return ErrHandlerIDRequired
	}
	if h == nil {
		return ErrHandlerRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[topic] {
		if s.id == handlerID {
			return fmt.Errorf("%w: %s on %s", ErrHandlerAlreadySubscribed, handlerID, topic)
		}
	}
	b.subs[topic] = append(b.subs[topic], subscription{id: handlerID, handler: h})
	return nil
}

// Subscribers lists the handler ids of topic in subscription order.
func (b *Bus) Subscribers(topic events.Topic) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subs[topic]))
	for _, s := range b.subs[topic] {
		out = append(out, s.id)
	}
	return out
}

// Publish runs every handler of evt.Topic not listed in skip, concurrently,
// and waits for all of them. The result lists successes and failures in
// subscription order; with nothing to run it is a vacuous success.
func (b *Bus) Publish(ctx context.Context, evt events.Event, skip map[string]bool) events.Publication {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs[evt.Topic]))
	for _, s := range b.subs[evt.Topic] {
		if !skip[s.id] {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	ctx, span := b.tracer.Start(ctx, "eventbus.publish", trace.WithAttributes(
		attribute.String("event.id", evt.ID.String()),
		attribute.String("event.topic", string(evt.Topic)),
		attribute.Int("eventbus.handlers", len(subs)),
	))
	defer span.End()

	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	for i, s := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = b.invoke(ctx, s, evt)
		}()
	}
	wg.Wait()

	pub := events.Publication{AttemptedAt: b.now().UTC()}
	for i, s := range subs {
		if errs[i] == nil {
			pub.Succeeded = append(pub.Succeeded, s.id)
			continue
		}
		pub.Failures = append(pub.Failures, events.HandlerFailure{HandlerID: s.id, Error: errs[i].Error()})
	}
	if !pub.Ok() {
		span.SetStatus(codes.Error, fmt.Sprintf("%d handler(s) failed", len(pub.Failures)))
	}
	return pub
}

func (b *Bus) invoke(ctx context.Context, s subscription, evt events.Event) (err error) {
	ctx, span := b.tracer.Start(ctx, "eventbus.handle", trace.WithAttributes(
		attribute.String("event.id", evt.ID.String()),
		attribute.String("handler.id", s.id),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				"event_id", evt.ID.String(),
				"topic", string(evt.Topic),
				"handler", s.id,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return s.handler(ctx, evt)
}

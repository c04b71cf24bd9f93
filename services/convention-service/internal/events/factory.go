package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	otelx "github.com/md-rashed-zaman/conventions/libs/otel"
)

type FactoryConfig struct {
	Clock       func() time.Time
	NewID       func() uuid.UUID
	Quarantined []Topic
}

// Factory builds Events. Identity and time come from injected generators.
type Factory struct {
	clock       func() time.Time
	newID       func() uuid.UUID
	quarantined map[Topic]bool
}

func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.New
	}
	quarantined := make(map[Topic]bool, len(cfg.Quarantined))
	for _, t := range cfg.Quarantined {
		if !t.Valid() {
			return nil, fmt.Errorf("quarantine: %w: %q", ErrUnknownTopic, t)
		}
		quarantined[t] = true
	}
	return &Factory{clock: cfg.Clock, newID: cfg.NewID, quarantined: quarantined}, nil
}

// Create builds an unpublished Event for p. The trace context of ctx is kept
// so dispatch spans join the producing request's trace.
func (f *Factory) Create(ctx context.Context, p Payload) Event {
	topic := p.Topic()
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	return Event{
		ID:          f.newID(),
		OccurredAt:  f.clock().UTC(),
		Topic:       topic,
		Payload:     p,
		Quarantined: f.quarantined[topic],
		Traceparent: traceparent,
		Tracestate:  tracestate,
	}
}

func (f *Factory) IsQuarantined(t Topic) bool {
	return f.quarantined[t]
}

func (f *Factory) QuarantinedTopics() []Topic {
	out := make([]Topic, 0, len(f.quarantined))
	for _, t := range allTopics {
		if f.quarantined[t] {
			out = append(out, t)
		}
	}
	return out
}

package events

import (
	"time"

	"github.com/google/uuid"
)

// Event records that something happened. ID, Topic, Payload and OccurredAt
// never change after creation; only Publications grows.
type Event struct {
	ID          uuid.UUID
	OccurredAt  time.Time
	Topic       Topic
	Payload     Payload
	Quarantined bool

	// W3C trace context of the producing request, restored at dispatch.
	Traceparent string
	Tracestate  string

	Publications []Publication
}

// Publication is one attempt to deliver an Event to its topic's handlers.
type Publication struct {
	AttemptedAt time.Time        `json:"attempted_at"`
	Succeeded   []string         `json:"succeeded"`
	Failures    []HandlerFailure `json:"failures"`
}

type HandlerFailure struct {
	HandlerID string `json:"handler_id"`
	Error     string `json:"error"`
}

// Ok reports whether every handler invoked by this attempt succeeded.
func (p Publication) Ok() bool {
	return len(p.Failures) == 0
}

func (p Publication) FailedHandlers() []string {
	out := make([]string, 0, len(p.Failures))
	for _, f := range p.Failures {
		out = append(out, f.HandlerID)
	}
	return out
}

// Published reports whether some attempt completed with no failures.
func (e Event) Published() bool {
	for _, p := range e.Publications {
		if p.Ok() {
			return true
		}
	}
	return false
}

func (e Event) Attempts() int {
	return len(e.Publications)
}

// SucceededHandlers is the set of handler ids that succeeded in any attempt.
func (e Event) SucceededHandlers() map[string]bool {
	out := map[string]bool{}
	for _, p := range e.Publications {
		for _, id := range p.Succeeded {
			out[id] = true
		}
	}
	return out
}

// WithPublication returns a copy of e with p appended.
func (e Event) WithPublication(p Publication) Event {
	pubs := make([]Publication, 0, len(e.Publications)+1)
	pubs = append(pubs, e.Publications...)
	e.Publications = append(pubs, p)
	return e
}

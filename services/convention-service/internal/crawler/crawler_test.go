package crawler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/eventbus"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/events"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/outbox"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var base = time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)

func submittedEvent(offset time.Duration) events.Event {
	return events.Event{
		ID:         uuid.New(),
		OccurredAt: base.Add(offset),
		Topic:      events.TopicApplicationSubmittedByBeneficiary,
		Payload:    events.ApplicationSubmittedByBeneficiary{Convention: events.Convention{ID: "conv-1"}},
	}
}

func seed(t *testing.T, store *outbox.MemoryStore, evts ...events.Event) {
	t.Helper()
	if err := store.Save(context.Background(), nil, evts...); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

type counter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *counter) inc(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[id]++
}

func (c *counter) get(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

func TestRetriesOnlyFailedHandlerUntilPublished(t *testing.T) {
	store := outbox.NewMemoryStore()
	bus := eventbus.New(discard)
	calls := &counter{}
	var h2Fail atomic.Bool
	h2Fail.Store(true)

	ok := func(id string) eventbus.Handler {
		return func(context.Context, events.Event) error { calls.inc(id); return nil }
	}
	topic := events.TopicApplicationSubmittedByBeneficiary
	_ = bus.Subscribe(topic, "h1", ok("h1"))
	_ = bus.Subscribe(topic, "h2", func(context.Context, events.Event) error {
		calls.inc("h2")
		if h2Fail.Load() {
			return errors.New("smtp down")
		}
		return nil
	})
	_ = bus.Subscribe(topic, "h3", ok("h3"))

	evt := submittedEvent(0)
	seed(t, store, evt)
	c := New(store, bus, discard, Config{BatchSize: 10})

	res, err := c.ProcessEvents(context.Background())
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if res.Fetched != 1 || res.Failed != 1 || res.Published != 0 {
		t.Fatalf("unexpected first result: %+v", res)
	}
	got, _ := store.Get(context.Background(), evt.ID)
	if got.Published() || got.Attempts() != 1 {
		t.Fatalf("event must stay unpublished after a failure: %+v", got.Publications)
	}
	if f := got.Publications[0].FailedHandlers(); len(f) != 1 || f[0] != "h2" {
		t.Fatalf("expected h2 failure, got %v", f)
	}

	h2Fail.Store(false)
	res, err = c.ProcessEvents(context.Background())
	if err != nil || res.Published != 1 {
		t.Fatalf("second batch: %+v %v", res, err)
	}
	got, _ = store.Get(context.Background(), evt.ID)
	if !got.Published() || got.Attempts() != 2 {
		t.Fatalf("expected published after 2 attempts, got %+v", got.Publications)
	}
	if calls.get("h1") != 1 || calls.get("h3") != 1 || calls.get("h2") != 2 {
		t.Fatalf("succeeded handlers must not run again: %v", calls.calls)
	}

	res, _ = c.ProcessEvents(context.Background())
	if res.Fetched != 0 {
		t.Fatalf("published event fetched again: %+v", res)
	}
}

func TestQuarantinedEventsAreNeverDispatched(t *testing.T) {
	store := outbox.NewMemoryStore()
	bus := eventbus.New(discard)
	calls := &counter{}
	_ = bus.Subscribe(events.TopicApplicationSubmittedByBeneficiary, "h", func(_ context.Context, evt events.Event) error {
		calls.inc(evt.ID.String())
		return nil
	})

	held := submittedEvent(0)
	held.Quarantined = true
	live := submittedEvent(time.Second)
	seed(t, store, held, live)

	c := New(store, bus, discard, Config{})
	for i := 0; i < 3; i++ {
		if _, err := c.ProcessEvents(context.Background()); err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
	}
	if calls.get(held.ID.String()) != 0 {
		t.Fatal("quarantined event was dispatched")
	}
	if calls.get(live.ID.String()) != 1 {
		t.Fatalf("live event dispatched %d times", calls.get(live.ID.String()))
	}
	got, _ := store.Get(context.Background(), held.ID)
	if got.Attempts() != 0 {
		t.Fatalf("quarantined event has attempts: %+v", got.Publications)
	}
}

func TestUndecodableEventsAreNeverDispatched(t *testing.T) {
	store := outbox.NewMemoryStore()
	bus := eventbus.New(discard)
	calls := &counter{}
	_ = bus.Subscribe(events.TopicApplicationSubmittedByBeneficiary, "h", func(_ context.Context, evt events.Event) error {
		calls.inc(evt.ID.String())
		return nil
	})

	bad := submittedEvent(0)
	bad.Payload = events.NewUndecodable(bad.Topic, []byte(`{"convention":7}`), errors.New("cannot unmarshal number"))
	seed(t, store, bad)

	res, err := New(store, bus, discard, Config{}).ProcessEvents(context.Background())
	if err != nil {
		t.Fatalf("ProcessEvents failed: %v", err)
	}
	if res.Skipped != 1 || res.Published != 0 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if calls.get(bad.ID.String()) != 0 {
		t.Fatal("undecodable event was dispatched")
	}
}

func TestEventWithoutSubscribersIsPublished(t *testing.T) {
	store := outbox.NewMemoryStore()
	evt := submittedEvent(0)
	seed(t, store, evt)

	res, err := New(store, eventbus.New(discard), discard, Config{}).ProcessEvents(context.Background())
	if err != nil || res.Published != 1 {
		t.Fatalf("unexpected result: %+v %v", res, err)
	}
	got, _ := store.Get(context.Background(), evt.ID)
	if !got.Published() {
		t.Fatal("event with no subscribers should be published")
	}
}

func TestBatchRespectsSizeAndOrder(t *testing.T) {
	store := outbox.NewMemoryStore()
	bus := eventbus.New(discard)
	first, second, third := submittedEvent(0), submittedEvent(time.Second), submittedEvent(2*time.Second)
	seed(t, store, third, first, second)

	var mu sync.Mutex
	var seen []uuid.UUID
	_ = bus.Subscribe(events.TopicApplicationSubmittedByBeneficiary, "h", func(_ context.Context, evt events.Event) error {
		mu.Lock()
		seen = append(seen, evt.ID)
		mu.Unlock()
		return nil
	})

	c := New(store, bus, discard, Config{BatchSize: 2})
	res, _ := c.ProcessEvents(context.Background())
	if res.Fetched != 2 {
		t.Fatalf("expected batch of 2, got %+v", res)
	}
	for _, id := range seen {
		if id == third.ID {
			t.Fatal("latest event dispatched before older ones")
		}
	}
	res, _ = c.ProcessEvents(context.Background())
	if res.Fetched != 1 || seen[len(seen)-1] != third.ID {
		t.Fatalf("expected remaining event in second batch: %+v", res)
	}
}

type flakySource struct {
	*outbox.MemoryStore
	markErr  atomic.Bool
	fetchErr error
}

func (s *flakySource) Unpublished(ctx context.Context, limit int) ([]events.Event, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.MemoryStore.Unpublished(ctx, limit)
}

func (s *flakySource) MarkPublicationResult(ctx context.Context, id uuid.UUID, p events.Publication) error {
	if s.markErr.Load() {
		return errors.New("connection reset")
	}
	return s.MemoryStore.MarkPublicationResult(ctx, id, p)
}

func TestUnrecordedSuccessIsRedelivered(t *testing.T) {
	src := &flakySource{MemoryStore: outbox.NewMemoryStore()}
	src.markErr.Store(true)
	evt := submittedEvent(0)
	seed(t, src.MemoryStore, evt)

	bus := eventbus.New(discard)
	calls := &counter{}
	_ = bus.Subscribe(events.TopicApplicationSubmittedByBeneficiary, "h", func(context.Context, events.Event) error {
		calls.inc("h")
		return nil
	})

	c := New(src, bus, discard, Config{})
	res, err := c.ProcessEvents(context.Background())
	if err != nil || res.RecordFailed != 1 {
		t.Fatalf("expected a record failure: %+v %v", res, err)
	}

	src.markErr.Store(false)
	if _, err := c.ProcessEvents(context.Background()); err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if calls.get("h") != 2 {
		t.Fatalf("expected redelivery, handler ran %d times", calls.get("h"))
	}
	got, _ := src.Get(context.Background(), evt.ID)
	if !got.Published() {
		t.Fatal("event should be published once the result is recorded")
	}
}

func TestFetchErrorAbandonsBatch(t *testing.T) {
	src := &flakySource{MemoryStore: outbox.NewMemoryStore(), fetchErr: errors.New("db gone")}
	_, err := New(src, eventbus.New(discard), discard, Config{}).ProcessEvents(context.Background())
	if err == nil {
		t.Fatal("expected fetch error")
	}
}

func TestOverlappingBatchIsRejected(t *testing.T) {
	store := outbox.NewMemoryStore()
	seed(t, store, submittedEvent(0))

	bus := eventbus.New(discard)
	started := make(chan struct{})
	release := make(chan struct{})
	_ = bus.Subscribe(events.TopicApplicationSubmittedByBeneficiary, "slow", func(context.Context, events.Event) error {
		close(started)
		<-release
		return nil
	})

	c := New(store, bus, discard, Config{})
	done := make(chan Result)
	go func() {
		res, _ := c.ProcessEvents(context.Background())
		done <- res
	}()
	<-started

	if _, err := c.ProcessEvents(context.Background()); !errors.Is(err, ErrBatchInFlight) {
		t.Fatalf("expected ErrBatchInFlight, got %v", err)
	}
	close(release)
	if res := <-done; res.Published != 1 {
		t.Fatalf("first batch should publish, got %+v", res)
	}
	if _, err := c.ProcessEvents(context.Background()); err != nil {
		t.Fatalf("batch after completion: %v", err)
	}
}

func TestLeaderHeldElsewhereSkipsBatch(t *testing.T) {
	store := outbox.NewMemoryStore()
	seed(t, store, submittedEvent(0))
	leader := NewLocalLeader()
	release, ok, _ := leader.TryAcquire(context.Background())
	if !ok {
		t.Fatal("expected to acquire a free leader")
	}

	c := New(store, eventbus.New(discard), discard, Config{}, WithLeader(leader))
	if _, err := c.ProcessEvents(context.Background()); !errors.Is(err, ErrNotLeader) {
		t.Fatalf("expected ErrNotLeader, got %v", err)
	}
	release()
	res, err := c.ProcessEvents(context.Background())
	if err != nil || res.Published != 1 {
		t.Fatalf("expected dispatch once leader is free: %+v %v", res, err)
	}
}

func TestRunDispatchesUntilStopped(t *testing.T) {
	store := outbox.NewMemoryStore()
	evt := submittedEvent(0)
	seed(t, store, evt)

	c := New(store, eventbus.New(discard), discard, Config{Interval: 5 * time.Millisecond})
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := store.Get(context.Background(), evt.ID)
		if got.Published() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event not published by Run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	later := submittedEvent(time.Minute)
	seed(t, store, later)
	for {
		got, _ := store.Get(context.Background(), later.ID)
		if got.Published() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event saved while running was not picked up")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-runErr; err != nil {
		t.Fatalf("run returned %v", err)
	}
	if err := c.Run(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestRunTwiceIsRejected(t *testing.T) {
	c := New(outbox.NewMemoryStore(), eventbus.New(discard), discard, Config{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for {
		c.runMu.Lock()
		running := c.running
		c.runMu.Unlock()
		if running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Run never started")
		}
		time.Sleep(time.Millisecond)
	}
	if err := c.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("run returned %v", err)
	}
}

func TestLockKeyIsStable(t *testing.T) {
	if LockKey("convention-crawler") != LockKey("convention-crawler") {
		t.Fatal("lock key must be deterministic")
	}
	if LockKey("a") == LockKey("b") {
		t.Fatal("distinct names should map to distinct keys")
	}
}

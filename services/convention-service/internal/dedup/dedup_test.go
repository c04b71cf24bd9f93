package dedup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/events"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testEvent() events.Event {
	return events.Event{ID: uuid.New(), Topic: events.TopicAgencyRegistered, Payload: events.AgencyRegistered{}}
}

func TestOnceRunsHandlerOnlyOnce(t *testing.T) {
	store := NewMemoryStore(time.Minute, nil)
	calls := 0
	h := Once(store, "agency-activated", func(context.Context, events.Event) error {
		calls++
		return nil
	}, discard)

	evt := testEvent()
	for i := 0; i < 3; i++ {
		if err := h(context.Background(), evt); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if err := h(context.Background(), testEvent()); err != nil || calls != 2 {
		t.Fatalf("another event must run the handler: calls=%d err=%v", calls, err)
	}
}

func TestOnceReleasesOnFailure(t *testing.T) {
	store := NewMemoryStore(time.Minute, nil)
	fail := true
	calls := 0
	h := Once(store, "h", func(context.Context, events.Event) error {
		calls++
		if fail {
			return errors.New("gateway down")
		}
		return nil
	}, discard)

	evt := testEvent()
	if err := h(context.Background(), evt); err == nil {
		t.Fatal("expected handler error")
	}
	fail = false
	if err := h(context.Background(), evt); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected retry to run the handler, got %d calls", calls)
	}
}

func TestOnceReleasesOnPanic(t *testing.T) {
	store := NewMemoryStore(time.Minute, nil)
	h := Once(store, "h", func(context.Context, events.Event) error { panic("boom") }, discard)
	evt := testEvent()
	func() {
		defer func() { _ = recover() }()
		_ = h(context.Background(), evt)
	}()
	state, _ := store.Claim(context.Background(), Key{EventID: evt.ID, HandlerID: "h"})
	if state != Claimed {
		t.Fatalf("panicking handler must release its claim, got %s", state)
	}
}

func TestOnceHeldClaimFailsAttempt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(time.Minute, func() time.Time { return now })
	evt := testEvent()

	// An earlier attempt died after claiming, before completing or releasing.
	if state, _ := store.Claim(context.Background(), Key{EventID: evt.ID, HandlerID: "magic-link-renewal"}); state != Claimed {
		t.Fatalf("setup claim: %s", state)
	}

	calls := 0
	h := Once(store, "magic-link-renewal", func(context.Context, events.Event) error {
		calls++
		return nil
	}, discard)

	err := h(context.Background(), evt)
	if !errors.Is(err, ErrClaimHeld) || calls != 0 {
		t.Fatalf("held claim must fail the attempt without running: err=%v calls=%d", err, calls)
	}

	now = now.Add(2 * time.Minute)
	if err := h(context.Background(), evt); err != nil || calls != 1 {
		t.Fatalf("after the lease the handler must run: err=%v calls=%d", err, calls)
	}
	if err := h(context.Background(), evt); err != nil || calls != 1 {
		t.Fatalf("completed key must be skipped: err=%v calls=%d", err, calls)
	}
}

type failingStore struct{ MemoryStore }

func (*failingStore) Claim(context.Context, Key) (ClaimState, error) {
	return Held, errors.New("redis down")
}

func TestOnceClaimErrorFailsHandler(t *testing.T) {
	called := false
	h := Once(&failingStore{}, "h", func(context.Context, events.Event) error { called = true; return nil }, discard)
	if err := h(context.Background(), testEvent()); err == nil || called {
		t.Fatalf("claim error must fail without running: err=%v called=%v", err, called)
	}
}

func TestMemoryStoreLeaseExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(time.Minute, func() time.Time { return now })
	k := Key{EventID: uuid.New(), HandlerID: "h"}

	if state, _ := store.Claim(context.Background(), k); state != Claimed {
		t.Fatalf("first claim should succeed, got %s", state)
	}
	if state, _ := store.Claim(context.Background(), k); state != Held {
		t.Fatalf("live claim must be reported held, got %s", state)
	}
	now = now.Add(2 * time.Minute)
	if state, _ := store.Claim(context.Background(), k); state != Claimed {
		t.Fatalf("stale claim should be taken over, got %s", state)
	}
	_ = store.Complete(context.Background(), k)
	now = now.Add(time.Hour)
	if state, _ := store.Claim(context.Background(), k); state != Completed {
		t.Fatalf("completed key must be reported completed, got %s", state)
	}
	_ = store.Release(context.Background(), k)
	if state, _ := store.Claim(context.Background(), k); state != Completed {
		t.Fatalf("release must not drop a completed key, got %s", state)
	}
}

type fakeExec struct {
	sqls []string
	errs []error
	tags []pgconn.CommandTag
	row  fakeRow
}

func (f *fakeExec) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	i := len(f.sqls)
	f.sqls = append(f.sqls, sql)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	tag := pgconn.NewCommandTag("INSERT 0 1")
	if i < len(f.tags) {
		tag = f.tags[i]
	}
	return tag, err
}

type fakeRow struct {
	completed bool
	err       error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*bool) = r.completed
	return nil
}

func (f *fakeExec) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.sqls = append(f.sqls, sql)
	return f.row
}

func TestPostgresStoreClaim(t *testing.T) {
	k := Key{EventID: uuid.New(), HandlerID: "h"}

	fresh := &fakeExec{}
	if state, err := newPostgresStore(fresh, 0).Claim(context.Background(), k); state != Claimed || err != nil {
		t.Fatalf("fresh insert should claim: %s %v", state, err)
	}

	dup := &pgconn.PgError{Code: "23505"}
	held := &fakeExec{errs: []error{dup}, tags: []pgconn.CommandTag{{}, pgconn.NewCommandTag("UPDATE 0")}}
	state, err := newPostgresStore(held, 0).Claim(context.Background(), k)
	if state != Held || err != nil {
		t.Fatalf("live uncompleted key must be held: %s %v", state, err)
	}
	if len(held.sqls) != 3 || !strings.Contains(held.sqls[1], "completed_at IS NULL") {
		t.Fatalf("expected stale reclaim attempt then state lookup, got %v", held.sqls)
	}

	done := &fakeExec{errs: []error{dup}, tags: []pgconn.CommandTag{{}, pgconn.NewCommandTag("UPDATE 0")}, row: fakeRow{completed: true}}
	if state, err := newPostgresStore(done, 0).Claim(context.Background(), k); state != Completed || err != nil {
		t.Fatalf("completed key must be reported completed: %s %v", state, err)
	}

	gone := &fakeExec{errs: []error{dup}, tags: []pgconn.CommandTag{{}, pgconn.NewCommandTag("UPDATE 0")}, row: fakeRow{err: pgx.ErrNoRows}}
	if state, err := newPostgresStore(gone, 0).Claim(context.Background(), k); state != Held || err != nil {
		t.Fatalf("row released meanwhile must be retried later: %s %v", state, err)
	}

	stale := &fakeExec{errs: []error{dup}, tags: []pgconn.CommandTag{{}, pgconn.NewCommandTag("UPDATE 1")}}
	if state, err := newPostgresStore(stale, 0).Claim(context.Background(), k); state != Claimed || err != nil {
		t.Fatalf("stale key should be reclaimed: %s %v", state, err)
	}

	broken := &fakeExec{errs: []error{errors.New("conn refused")}}
	if _, err := newPostgresStore(broken, 0).Claim(context.Background(), k); err == nil {
		t.Fatal("non-unique errors must surface")
	}
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	store := NewRedisStore(rdb, "test-dedup", time.Minute, time.Minute)
	k := Key{EventID: uuid.New(), HandlerID: "h"}
	defer rdb.Del(ctx, store.key(k))

	if state, err := store.Claim(ctx, k); state != Claimed || err != nil {
		t.Fatalf("first claim: %s %v", state, err)
	}
	if state, err := store.Claim(ctx, k); state != Held || err != nil {
		t.Fatalf("second claim must be held: %s %v", state, err)
	}
	if err := store.Release(ctx, k); err != nil {
		t.Fatalf("release: %v", err)
	}
	if state, _ := store.Claim(ctx, k); state != Claimed {
		t.Fatalf("claim after release should succeed, got %s", state)
	}
	if err := store.Complete(ctx, k); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_ = store.Release(ctx, k)
	if state, _ := store.Claim(ctx, k); state != Completed {
		t.Fatalf("completed key must stay completed, got %s", state)
	}
}

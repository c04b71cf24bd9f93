package notifications

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/crawler"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/dedup"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/eventbus"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/events"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/notify"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/outbox"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/recipients"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func convention() events.Convention {
	signed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return events.Convention{
		ID:           "conv-42",
		AgencyID:     "agency-1",
		BusinessName: "Boulangerie Martin",
		DateStart:    time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		DateEnd:      time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC),
		EstablishmentTutor: events.Signatory{
			FirstName: "Paul", LastName: "Martin", Email: "paul@boulangerie.fr",
		},
		Signatories: []events.Signatory{
			{Role: events.RoleBeneficiary, FirstName: "Lea", LastName: "Durand", Email: "lea@mail.fr", SignedAt: &signed},
			{Role: events.RoleEstablishmentRepresentative, FirstName: "Anne", LastName: "Martin", Email: "anne@boulangerie.fr"},
		},
	}
}

func agency() events.Agency {
	return events.Agency{
		ID:               "agency-1",
		Name:             "Agence Lyon Sud",
		CounsellorEmails: []string{"counsellor@agence.fr"},
		ValidatorEmails:  []string{"validator@agence.fr"},
	}
}

func newHandlers(t *testing.T, gw notify.Gateway, mutate func(*Config)) *Handlers {
	t.Helper()
	cfg := Config{
		Gateway:  gw,
		Filter:   recipients.Unrestricted{},
		Agencies: NewMemoryDirectory(agency()),
		Logger:   discard,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("new handlers: %v", err)
	}
	return h
}

func evt(p events.Payload) events.Event {
	return events.Event{ID: uuid.New(), Topic: p.Topic(), Payload: p, OccurredAt: time.Now().UTC()}
}

func TestRegisterSubscribesStableIDs(t *testing.T) {
	bus := eventbus.New(discard)
	if err := newHandlers(t, notify.NewInMemoryGateway(), nil).Register(bus); err != nil {
		t.Fatalf("register: %v", err)
	}
	got := bus.Subscribers(events.TopicApplicationSubmittedByBeneficiary)
	want := []string{HandlerBeneficiaryConfirmation, HandlerEstablishmentSignatureRequest, HandlerAdminNewApplication}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	for _, topic := range events.AllTopics() {
		if len(bus.Subscribers(topic)) == 0 {
			t.Fatalf("topic %s has no notification handler", topic)
		}
	}
}

func TestSubmittedScenarioWithEmptyAdminAllowList(t *testing.T) {
	gw := notify.NewInMemoryGateway()
	h := newHandlers(t, gw, func(c *Config) {
		c.Filter = recipients.NewAllowList(discard, "lea@mail.fr", "anne@boulangerie.fr")
		c.AdminFilter = recipients.NewAllowList(discard)
		c.AdminEmails = []string{"admin@conventions.fr"}
	})
	bus := eventbus.New(discard)
	if err := h.Register(bus); err != nil {
		t.Fatalf("register: %v", err)
	}

	store := outbox.NewMemoryStore()
	e := evt(events.ApplicationSubmittedByBeneficiary{Convention: convention()})
	if err := store.Save(context.Background(), nil, e); err != nil {
		t.Fatalf("save: %v", err)
	}

	res, err := crawler.New(store, bus, discard, crawler.Config{}).ProcessEvents(context.Background())
	if err != nil || res.Published != 1 {
		t.Fatalf("expected event published: %+v %v", res, err)
	}
	got, _ := store.Get(context.Background(), e.ID)
	if !got.Published() || len(got.Publications[0].Succeeded) != 3 {
		t.Fatalf("all three handlers should succeed: %+v", got.Publications)
	}

	if n := gw.SentWith(notify.TemplateBeneficiaryConfirmation); len(n) != 1 || n[0].Recipients[0] != "lea@mail.fr" {
		t.Fatalf("unexpected beneficiary notification: %+v", n)
	}
	if n := gw.SentWith(notify.TemplateEstablishmentSignatureRequest); len(n) != 1 || n[0].Recipients[0] != "anne@boulangerie.fr" {
		t.Fatalf("unexpected establishment notification: %+v", n)
	}
	if n := gw.SentWith(notify.TemplateAdminNewApplication); len(n) != 0 {
		t.Fatalf("admin must not be notified: %+v", n)
	}
}

type flakyGateway struct {
	*notify.InMemoryGateway
	mu    sync.Mutex
	fails map[notify.TemplateID]int
}

func (g *flakyGateway) SendNotification(ctx context.Context, n notify.Notification) error {
	g.mu.Lock()
	if g.fails[n.TemplateID] > 0 {
		g.fails[n.TemplateID]--
		g.mu.Unlock()
		return errors.New("smtp 451")
	}
	g.mu.Unlock()
	return g.InMemoryGateway.SendNotification(ctx, n)
}

func TestRetryOnlyResendsFailedNotification(t *testing.T) {
	gw := &flakyGateway{
		InMemoryGateway: notify.NewInMemoryGateway(),
		fails:           map[notify.TemplateID]int{notify.TemplateEstablishmentSignatureRequest: 1},
	}
	h := newHandlers(t, gw, func(c *Config) { c.AdminEmails = []string{"admin@conventions.fr"} })
	bus := eventbus.New(discard)
	_ = h.Register(bus)

	store := outbox.NewMemoryStore()
	e := evt(events.ApplicationSubmittedByBeneficiary{Convention: convention()})
	_ = store.Save(context.Background(), nil, e)
	c := crawler.New(store, bus, discard, crawler.Config{})

	if res, _ := c.ProcessEvents(context.Background()); res.Failed != 1 {
		t.Fatalf("first attempt should fail: %+v", res)
	}
	got, _ := store.Get(context.Background(), e.ID)
	if got.Published() {
		t.Fatal("event must stay unpublished while a handler fails")
	}
	if res, _ := c.ProcessEvents(context.Background()); res.Published != 1 {
		t.Fatalf("second attempt should publish: %+v", res)
	}
	for _, tpl := range []notify.TemplateID{
		notify.TemplateBeneficiaryConfirmation,
		notify.TemplateEstablishmentSignatureRequest,
		notify.TemplateAdminNewApplication,
	} {
		if n := len(gw.SentWith(tpl)); n != 1 {
			t.Fatalf("template %s sent %d times", tpl, n)
		}
	}
}

func TestAgencyReviewFallsBackToValidators(t *testing.T) {
	gw := notify.NewInMemoryGateway()
	dir := NewMemoryDirectory(events.Agency{ID: "agency-1", Name: "Solo", ValidatorEmails: []string{"v@agence.fr"}})
	h := newHandlers(t, gw, func(c *Config) { c.Agencies = dir })

	if err := h.agencyReviewRequest(context.Background(), evt(events.ApplicationFullySigned{Convention: convention()})); err != nil {
		t.Fatalf("review request: %v", err)
	}
	n := gw.SentWith(notify.TemplateAgencyReviewRequest)
	if len(n) != 1 || n[0].Recipients[0] != "v@agence.fr" {
		t.Fatalf("expected validators fallback, got %+v", n)
	}

	dir.Put(events.Agency{ID: "agency-1"})
	err := h.agencyReviewRequest(context.Background(), evt(events.ApplicationFullySigned{Convention: convention()}))
	if !errors.Is(err, ErrNoAgencyReviewers) {
		t.Fatalf("expected ErrNoAgencyReviewers, got %v", err)
	}

	other := convention()
	other.AgencyID = "missing"
	err = h.validatorsReviewRequest(context.Background(), evt(events.ApplicationAcceptedByCounsellor{Convention: other}))
	if !errors.Is(err, ErrAgencyNotFound) {
		t.Fatalf("expected ErrAgencyNotFound, got %v", err)
	}
}

func TestRejectedCopiesCounsellors(t *testing.T) {
	gw := notify.NewInMemoryGateway()
	h := newHandlers(t, gw, nil)
	e := evt(events.ApplicationRejected{Convention: convention(), Justification: "incomplete"})
	if err := h.conventionRejected(context.Background(), e); err != nil {
		t.Fatalf("rejected: %v", err)
	}
	n := gw.SentWith(notify.TemplateConventionRejected)
	if len(n) != 1 || len(n[0].Recipients) != 2 || len(n[0].Cc) != 1 || n[0].Cc[0] != "counsellor@agence.fr" {
		t.Fatalf("unexpected notification: %+v", n)
	}
	if n[0].Params["Justification"] != "incomplete" {
		t.Fatalf("missing justification: %+v", n[0].Params)
	}
}

func TestFilteredCcDoesNotReportSkip(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	gw := notify.NewInMemoryGateway()
	h := newHandlers(t, gw, func(c *Config) {
		c.Filter = recipients.NewAllowList(logger, "lea@mail.fr", "anne@boulangerie.fr")
	})

	e := evt(events.ApplicationRejected{Convention: convention(), Justification: "incomplete"})
	if err := h.conventionRejected(context.Background(), e); err != nil {
		t.Fatalf("rejected: %v", err)
	}
	n := gw.SentWith(notify.TemplateConventionRejected)
	if len(n) != 1 || len(n[0].Recipients) != 2 || len(n[0].Cc) != 0 {
		t.Fatalf("expected send without cc, got %+v", n)
	}
	if strings.Contains(buf.String(), "skipped") {
		t.Fatalf("sent notification logged as skipped: %q", buf.String())
	}
}

func TestPartialSignatureRemindsUnsigned(t *testing.T) {
	gw := notify.NewInMemoryGateway()
	h := newHandlers(t, gw, nil)
	e := evt(events.ApplicationPartiallySigned{Convention: convention(), SignedBy: events.RoleBeneficiary})
	if err := h.partialSignature(context.Background(), e); err != nil {
		t.Fatalf("partial signature: %v", err)
	}
	n := gw.SentWith(notify.TemplatePartialSignature)
	if len(n) != 1 || len(n[0].Recipients) != 1 || n[0].Recipients[0] != "anne@boulangerie.fr" {
		t.Fatalf("expected only the unsigned party, got %+v", n)
	}
}

func TestPayloadMismatchFails(t *testing.T) {
	h := newHandlers(t, notify.NewInMemoryGateway(), nil)
	wrong := events.Event{ID: uuid.New(), Topic: events.TopicApplicationRejected, Payload: events.AgencyRegistered{}}
	if err := h.conventionRejected(context.Background(), wrong); !errors.Is(err, ErrUnexpectedPayload) {
		t.Fatalf("expected ErrUnexpectedPayload, got %v", err)
	}
	if err := h.conventionValidated(context.Background(), wrong); !errors.Is(err, ErrUnexpectedPayload) {
		t.Fatalf("expected ErrUnexpectedPayload, got %v", err)
	}
}

func TestDedupSkipsRepeatedDelivery(t *testing.T) {
	gw := notify.NewInMemoryGateway()
	h := newHandlers(t, gw, func(c *Config) { c.Dedup = dedup.NewMemoryStore(time.Minute, nil) })
	bus := eventbus.New(discard)
	_ = h.Register(bus)

	e := evt(events.MagicLinkRenewalRequested{ConventionID: "conv-42", Emails: []string{"lea@mail.fr"}, MagicLink: "https://x/m/1"})
	for i := 0; i < 2; i++ {
		if pub := bus.Publish(context.Background(), e, nil); !pub.Ok() {
			t.Fatalf("publish %d: %+v", i, pub)
		}
	}
	if n := len(gw.SentWith(notify.TemplateMagicLinkRenewal)); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}
}

func TestInterruptedDeliveryIsNotPublished(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := dedup.NewMemoryStore(time.Minute, func() time.Time { return now })
	gw := notify.NewInMemoryGateway()
	h := newHandlers(t, gw, func(c *Config) { c.Dedup = store })
	bus := eventbus.New(discard)
	_ = h.Register(bus)

	outboxStore := outbox.NewMemoryStore()
	e := evt(events.MagicLinkRenewalRequested{ConventionID: "conv-42", Emails: []string{"lea@mail.fr"}, MagicLink: "https://x/m/1"})
	_ = outboxStore.Save(context.Background(), nil, e)

	// A previous process claimed the delivery and died before sending.
	_, _ = store.Claim(context.Background(), dedup.Key{EventID: e.ID, HandlerID: HandlerMagicLinkRenewal})

	c := crawler.New(outboxStore, bus, discard, crawler.Config{})
	if res, _ := c.ProcessEvents(context.Background()); res.Failed != 1 {
		t.Fatalf("attempt against a held claim must fail: %+v", res)
	}
	got, _ := outboxStore.Get(context.Background(), e.ID)
	if got.Published() || len(gw.Sent()) != 0 {
		t.Fatalf("event must stay unpublished until sent: published=%v sent=%d", got.Published(), len(gw.Sent()))
	}

	now = now.Add(2 * time.Minute)
	if res, _ := c.ProcessEvents(context.Background()); res.Published != 1 {
		t.Fatalf("retry after the lease should publish: %+v", res)
	}
	if n := len(gw.SentWith(notify.TemplateMagicLinkRenewal)); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without gateway")
	}
	if _, err := New(Config{Gateway: notify.NewInMemoryGateway()}); err == nil {
		t.Fatal("expected error without filter")
	}
	if _, err := New(Config{Gateway: notify.NewInMemoryGateway(), Filter: recipients.Unrestricted{}}); err == nil {
		t.Fatal("expected error without agency directory")
	}
}

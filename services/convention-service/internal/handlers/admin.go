package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/conventions/libs/httpx"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/crawler"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/events"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/outbox"
)

// CrawlTrigger runs one crawler batch on demand.
type CrawlTrigger interface {
	ProcessEvents(ctx context.Context) (crawler.Result, error)
}

// Admin serves the outbox audit views and the manual crawl trigger.
type Admin struct {
	audit   outbox.Auditor
	crawler CrawlTrigger
	logger  *slog.Logger
}

func NewAdmin(audit outbox.Auditor, trigger CrawlTrigger, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{audit: audit, crawler: trigger, logger: logger}
}

func (h *Admin) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/events", h.ListEvents)
	mux.HandleFunc("GET /admin/events/{id}", h.GetEvent)
	mux.HandleFunc("POST /admin/crawler/run", h.RunCrawler)
}

type eventView struct {
	ID           uuid.UUID            `json:"id"`
	Topic        events.Topic         `json:"topic"`
	OccurredAt   time.Time            `json:"occurred_at"`
	Quarantined  bool                 `json:"quarantined"`
	Published    bool                 `json:"published"`
	Attempts     int                  `json:"attempts"`
	Payload      events.Payload       `json:"payload"`
	Publications []events.Publication `json:"publications"`
}

func viewOf(e events.Event) eventView {
	pubs := e.Publications
	if pubs == nil {
		pubs = []events.Publication{}
	}
	return eventView{
		ID:           e.ID,
		Topic:        e.Topic,
		OccurredAt:   e.OccurredAt,
		Quarantined:  e.Quarantined,
		Published:    e.Published(),
		Attempts:     e.Attempts(),
		Payload:      e.Payload,
		Publications: pubs,
	}
}

func (h *Admin) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f outbox.Filter

	if raw := strings.TrimSpace(q.Get("topic")); raw != "" {
		topic, err := events.ParseTopic(raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "unknown topic")
			return
		}
		f.Topic = topic
	}
	status, ok := outbox.ParseStatus(strings.TrimSpace(q.Get("status")))
	if !ok {
		httpx.WriteError(w, http.StatusBadRequest, "status must be published, unpublished or quarantined")
		return
	}
	f.Status = status
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpx.WriteError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	if raw := q.Get("before"); raw != "" {
		before, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "before must be RFC3339")
			return
		}
		f.Before = before
	}

	list, err := h.audit.List(r.Context(), f)
	if err != nil {
		h.logger.Error("list outbox events failed", "err", err, "request_id", httpx.RequestIDFromContext(r.Context()))
		httpx.WriteError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	out := make([]eventView, 0, len(list))
	for _, e := range list {
		out = append(out, viewOf(e))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (h *Admin) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	evt, err := h.audit.Get(r.Context(), id)
	if errors.Is(err, outbox.ErrEventNotFound) {
		httpx.WriteError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		h.logger.Error("get outbox event failed", "err", err, "event_id", id.String())
		httpx.WriteError(w, http.StatusInternalServerError, "failed to load event")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewOf(evt))
}

// RunCrawler runs the batch detached from the request; a client hanging up
// must not cancel handler deliveries half way.
func (h *Admin) RunCrawler(w http.ResponseWriter, r *http.Request) {
	res, err := h.crawler.ProcessEvents(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, crawler.ErrBatchInFlight), errors.Is(err, crawler.ErrNotLeader):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.logger.Error("manual crawl failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "crawl failed")
	default:
		httpx.WriteJSON(w, http.StatusOK, res)
	}
}

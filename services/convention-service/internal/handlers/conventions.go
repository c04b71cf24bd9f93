package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/conventions/libs/httpx"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/conventions"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/events"
)

type ConventionService interface {
	Submit(ctx context.Context, c events.Convention) (events.Convention, error)
	Sign(ctx context.Context, id string, role events.Role, at time.Time) (events.Convention, error)
	Review(ctx context.Context, id string, d conventions.Decision) (events.Convention, error)
	RequestMagicLinkRenewal(ctx context.Context, id, email, link string) error
	RegisterAgency(ctx context.Context, a events.Agency) error
}

type Conventions struct {
	svc    ConventionService
	now    func() time.Time
	logger *slog.Logger
}

func NewConventions(svc ConventionService, logger *slog.Logger) *Conventions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conventions{svc: svc, now: time.Now, logger: logger}
}

func (h *Conventions) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /conventions", h.Submit)
	mux.HandleFunc("POST /conventions/{id}/signatures", h.Sign)
	mux.HandleFunc("POST /conventions/{id}/reviews", h.Review)
	mux.HandleFunc("POST /conventions/{id}/magic-link", h.RenewMagicLink)
	mux.HandleFunc("POST /agencies", h.RegisterAgency)
}

func (h *Conventions) Submit(w http.ResponseWriter, r *http.Request) {
	var c events.Convention
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	out, err := h.svc.Submit(r.Context(), c)
	if err != nil {
		h.fail(w, r, "submit", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, out)
}

func (h *Conventions) Sign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role events.Role `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Role == "" {
		httpx.WriteError(w, http.StatusBadRequest, "role is required")
		return
	}
	out, err := h.svc.Sign(r.Context(), r.PathValue("id"), req.Role, h.now())
	if err != nil {
		h.fail(w, r, "sign", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Conventions) Review(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision      conventions.DecisionKind `json:"decision"`
		By            string                   `json:"by"`
		Justification string                   `json:"justification"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	out, err := h.svc.Review(r.Context(), r.PathValue("id"), conventions.Decision{
		Kind:          req.Decision,
		By:            strings.TrimSpace(req.By),
		Justification: req.Justification,
	})
	if err != nil {
		h.fail(w, r, "review", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Conventions) RenewMagicLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email     string `json:"email"`
		MagicLink string `json:"magic_link"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.MagicLink) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "email and magic_link are required")
		return
	}
	if err := h.svc.RequestMagicLinkRenewal(r.Context(), r.PathValue("id"), req.Email, req.MagicLink); err != nil {
		h.fail(w, r, "magic link renewal", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Conventions) RegisterAgency(w http.ResponseWriter, r *http.Request) {
	var a events.Agency
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := h.svc.RegisterAgency(r.Context(), a); err != nil {
		h.fail(w, r, "register agency", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Conventions) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, conventions.ErrConventionNotFound):
		httpx.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, conventions.ErrConventionExists),
		errors.Is(err, conventions.ErrInvalidTransition),
		errors.Is(err, conventions.ErrAlreadySigned):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, conventions.ErrInvalidConvention),
		errors.Is(err, conventions.ErrInvalidAgency),
		errors.Is(err, conventions.ErrUnknownSignatory),
		errors.Is(err, conventions.ErrJustificationRequired):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error(op+" failed", "err", err, "request_id", httpx.RequestIDFromContext(r.Context()))
		httpx.WriteError(w, http.StatusInternalServerError, op+" failed")
	}
}

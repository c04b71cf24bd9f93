// Package conventions holds the use cases that change a convention. Each one
// writes the business row and its events in a single transaction.
package conventions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/conventions/libs/db"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/events"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/outbox"
)

var (
	ErrConventionNotFound    = errors.New("convention not found")
	ErrConventionExists      = errors.New("convention already exists")
	ErrInvalidConvention     = errors.New("invalid convention")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrAlreadySigned         = errors.New("signatory already signed")
	ErrUnknownSignatory      = errors.New("unknown signatory")
	ErrJustificationRequired = errors.New("justification is required")
	ErrInvalidAgency         = errors.New("invalid agency")
	ErrAgencyNotFound        = events.ErrAgencyNotFound
)

// Repository persists conventions and agencies inside the caller's
// transaction. Get locks the row until the transaction ends.
type Repository interface {
	Get(ctx context.Context, tx db.Tx, id string) (events.Convention, error)
	Insert(ctx context.Context, tx db.Tx, c events.Convention) error
	Update(ctx context.Context, tx db.Tx, c events.Convention) error
	SaveAgency(ctx context.Context, tx db.Tx, a events.Agency) error
}

type Service struct {
	uow     db.TxRunner
	repo    Repository
	outbox  outbox.Saver
	factory *events.Factory
	logger  *slog.Logger
}

func NewService(uow db.TxRunner, repo Repository, saver outbox.Saver, factory *events.Factory, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{uow: uow, repo: repo, outbox: saver, factory: factory, logger: logger.With("component", "conventions")}
}

// Submit records a new convention, or resubmits a draft sent back for
// modification, and emits ApplicationSubmittedByBeneficiary.
func (s *Service) Submit(ctx context.Context, c events.Convention) (events.Convention, error) {
	if err := validate(c); err != nil {
		return events.Convention{}, err
	}
	c.Signatories = append([]events.Signatory(nil), c.Signatories...)
	for i := range c.Signatories {
		c.Signatories[i].SignedAt = nil
	}
	c.Status = StatusReadyToSign

	err := s.uow.InTx(ctx, func(ctx context.Context, tx db.Tx) error {
		existing, err := s.repo.Get(ctx, tx, c.ID)
		switch {
		case errors.Is(err, ErrConventionNotFound):
			if err := s.repo.Insert(ctx, tx, c); err != nil {
				return err
			}
		case err != nil:
			return err
		case existing.Status != StatusDraft:
			return fmt.Errorf("%w: convention %s is %s", ErrConventionExists, c.ID, existing.Status)
		default:
			if err := s.repo.Update(ctx, tx, c); err != nil {
				return err
			}
		}
		return s.emit(ctx, tx, events.ApplicationSubmittedByBeneficiary{Convention: c})
	})
	if err != nil {
		return events.Convention{}, err
	}
	s.logger.InfoContext(ctx, "convention submitted", "convention_id", c.ID, "agency_id", c.AgencyID)
	return c, nil
}

// Sign records role's signature. The last signature moves the convention to
// review and emits ApplicationFullySigned instead of ApplicationPartiallySigned.
func (s *Service) Sign(ctx context.Context, id string, role events.Role, at time.Time) (events.Convention, error) {
	var out events.Convention
	err := s.uow.InTx(ctx, func(ctx context.Context, tx db.Tx) error {
		c, err := s.repo.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if !in(c.Status, signable) {
			return fmt.Errorf("%w: cannot sign a %s convention", ErrInvalidTransition, c.Status)
		}
		idx := -1
		for i, sig := range c.Signatories {
			if sig.Role == role {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownSignatory, role)
		}
		if c.Signatories[idx].SignedAt != nil {
			return fmt.Errorf("%w: %s", ErrAlreadySigned, role)
		}
		signedAt := at.UTC()
		c.Signatories[idx].SignedAt = &signedAt

		var p events.Payload
		if allSigned(c) {
			c.Status = StatusInReview
			p = events.ApplicationFullySigned{Convention: c}
		} else {
			c.Status = StatusPartiallySigned
			p = events.ApplicationPartiallySigned{Convention: c, SignedBy: role}
		}
		if err := s.repo.Update(ctx, tx, c); err != nil {
			return err
		}
		out = c
		return s.emit(ctx, tx, p)
	})
	if err != nil {
		return events.Convention{}, err
	}
	s.logger.InfoContext(ctx, "convention signed", "convention_id", id, "role", string(role), "status", out.Status)
	return out, nil
}

func (s *Service) Review(ctx context.Context, id string, d Decision) (events.Convention, error) {
	tr, ok := transitions[d.Kind]
	if !ok {
		return events.Convention{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidTransition, d.Kind)
	}
	d.Justification = strings.TrimSpace(d.Justification)
	if d.Kind.needsJustification() && d.Justification == "" {
		return events.Convention{}, fmt.Errorf("%w for %s", ErrJustificationRequired, d.Kind)
	}

	var out events.Convention
	err := s.uow.InTx(ctx, func(ctx context.Context, tx db.Tx) error {
		c, err := s.repo.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if !in(c.Status, tr.from) {
			return fmt.Errorf("%w: %s on a %s convention", ErrInvalidTransition, d.Kind, c.Status)
		}
		c.Status = tr.to
		if d.Kind == RequireModification {
			for i := range c.Signatories {
				c.Signatories[i].SignedAt = nil
			}
		}
		if err := s.repo.Update(ctx, tx, c); err != nil {
			return err
		}
		out = c
		return s.emit(ctx, tx, reviewPayload(c, d))
	})
	if err != nil {
		return events.Convention{}, err
	}
	s.logger.InfoContext(ctx, "convention reviewed", "convention_id", id, "decision", string(d.Kind), "status", out.Status)
	return out, nil
}

func reviewPayload(c events.Convention, d Decision) events.Payload {
	switch d.Kind {
	case AcceptByCounsellor:
		return events.ApplicationAcceptedByCounsellor{Convention: c}
	case AcceptByValidator:
		return events.ApplicationAcceptedByValidator{Convention: c}
	case FinalValidation:
		return events.ApplicationFinalValidationByAdmin{Convention: c}
	case Reject:
		return events.ApplicationRejected{Convention: c, Justification: d.Justification}
	case RequireModification:
		return events.ApplicationRequiresModification{Convention: c, Justification: d.Justification, RequestedBy: events.Role(d.By)}
	default:
		return events.ApplicationCancelled{Convention: c, Justification: d.Justification}
	}
}

// RequestMagicLinkRenewal emits a renewal for one signatory of the
// convention. Nothing else changes.
func (s *Service) RequestMagicLinkRenewal(ctx context.Context, id, email, link string) error {
	email = strings.TrimSpace(email)
	return s.uow.InTx(ctx, func(ctx context.Context, tx db.Tx) error {
		c, err := s.repo.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		known := false
		for _, sig := range c.Signatories {
			if strings.EqualFold(sig.Email, email) {
				known = true
				break
			}
		}
		if !known || email == "" {
			return fmt.Errorf("%w: %q on %s", ErrUnknownSignatory, email, id)
		}
		return s.emit(ctx, tx, events.MagicLinkRenewalRequested{ConventionID: id, Emails: []string{email}, MagicLink: link})
	})
}

func (s *Service) RegisterAgency(ctx context.Context, a events.Agency) error {
	if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: id and name are required", ErrInvalidAgency)
	}
	return s.uow.InTx(ctx, func(ctx context.Context, tx db.Tx) error {
		if err := s.repo.SaveAgency(ctx, tx, a); err != nil {
			return err
		}
		return s.emit(ctx, tx, events.AgencyRegistered{Agency: a})
	})
}

func (s *Service) emit(ctx context.Context, tx db.Tx, p events.Payload) error {
	evt := s.factory.Create(ctx, p)
	if err := s.outbox.Save(ctx, tx, evt); err != nil {
		return fmt.Errorf("save %s event: %w", evt.Topic, err)
	}
	return nil
}

func validate(c events.Convention) error {
	switch {
	case strings.TrimSpace(c.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidConvention)
	case strings.TrimSpace(c.AgencyID) == "":
		return fmt.Errorf("%w: agency is required", ErrInvalidConvention)
	case !c.DateEnd.After(c.DateStart):
		return fmt.Errorf("%w: end date must follow start date", ErrInvalidConvention)
	}
	for _, role := range []events.Role{events.RoleBeneficiary, events.RoleEstablishmentRepresentative} {
		s, ok := c.Signatory(role)
		if !ok || strings.TrimSpace(s.Email) == "" {
			return fmt.Errorf("%w: %s with an email is required", ErrInvalidConvention, role)
		}
	}
	return nil
}

func allSigned(c events.Convention) bool {
	for _, s := range c.Signatories {
		if s.SignedAt == nil {
			return false
		}
	}
	return true
}

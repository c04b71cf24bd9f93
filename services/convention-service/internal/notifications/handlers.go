package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/dedup"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/eventbus"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/events"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/metrics"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/notify"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/recipients"
)

// Handler ids are stored in publication records; renaming one makes the
// crawler treat it as a new handler for events already partly published.
const (
	HandlerBeneficiaryConfirmation         = "beneficiary-confirmation"
	HandlerEstablishmentSignatureRequest   = "establishment-signature-request"
	HandlerAdminNewApplication             = "admin-new-application"
	HandlerSignatoriesPartialSignature     = "signatories-partial-signature"
	HandlerAgencyReviewRequest             = "agency-review-request"
	HandlerValidatorsReviewRequest         = "validators-review-request"
	HandlerSignatoriesValidated            = "signatories-validated"
	HandlerSignatoriesRejected             = "signatories-rejected"
	HandlerSignatoriesModificationRequired = "signatories-modification-requested"
	HandlerSignatoriesCancelled            = "signatories-cancelled"
	HandlerAgencyActivated                 = "agency-activated"
	HandlerMagicLinkRenewal                = "magic-link-renewal"
)

var (
	ErrUnexpectedPayload = errors.New("unexpected payload")
	ErrNoAgencyReviewers = errors.New("agency has no reviewer")
)

type Subscriber interface {
	Subscribe(topic events.Topic, handlerID string, h eventbus.Handler) error
}

type Config struct {
	Gateway notify.Gateway
	// Filter guards every notification except the admin one.
	Filter      recipients.Filter
	AdminFilter recipients.Filter
	AdminEmails []string
	Agencies    AgencyDirectory
	// Dedup is optional; nil leaves handlers at-least-once.
	Dedup   dedup.Store
	Metrics *metrics.Pipeline
	Logger  *slog.Logger
}

type Handlers struct {
	gateway     notify.Gateway
	filter      recipients.Filter
	adminFilter recipients.Filter
	adminEmails []string
	agencies    AgencyDirectory
	dedup       dedup.Store
	metrics     *metrics.Pipeline
	logger      *slog.Logger
}

func New(cfg Config) (*Handlers, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("notifications: gateway is required")
	}
	if cfg.Filter == nil {
		return nil, errors.New("notifications: recipient filter is required")
	}
	if cfg.Agencies == nil {
		return nil, errors.New("notifications: agency directory is required")
	}
	if cfg.AdminFilter == nil {
		cfg.AdminFilter = cfg.Filter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handlers{
		gateway:     cfg.Gateway,
		filter:      cfg.Filter,
		adminFilter: cfg.AdminFilter,
		adminEmails: append([]string(nil), cfg.AdminEmails...),
		agencies:    cfg.Agencies,
		dedup:       cfg.Dedup,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("component", "notifications"),
	}, nil
}

// Register subscribes every notification handler to its topic.
func (h *Handlers) Register(bus Subscriber) error {
	subs := []struct {
		topic events.Topic
		id    string
		fn    eventbus.Handler
	}{
		{events.TopicApplicationSubmittedByBeneficiary, HandlerBeneficiaryConfirmation, h.beneficiaryConfirmation},
		{events.TopicApplicationSubmittedByBeneficiary, HandlerEstablishmentSignatureRequest, h.establishmentSignatureRequest},
		{events.TopicApplicationSubmittedByBeneficiary, HandlerAdminNewApplication, h.adminNewApplication},
		{events.TopicApplicationPartiallySigned, HandlerSignatoriesPartialSignature, h.partialSignature},
		{events.TopicApplicationFullySigned, HandlerAgencyReviewRequest, h.agencyReviewRequest},
		{events.TopicApplicationAcceptedByCounsellor, HandlerValidatorsReviewRequest, h.validatorsReviewRequest},
		{events.TopicApplicationAcceptedByValidator, HandlerSignatoriesValidated, h.conventionValidated},
		{events.TopicApplicationFinalValidationByAdmin, HandlerSignatoriesValidated, h.conventionValidated},
		{events.TopicApplicationRejected, HandlerSignatoriesRejected, h.conventionRejected},
		{events.TopicApplicationRequiresModification, HandlerSignatoriesModificationRequired, h.modificationRequested},
		{events.TopicApplicationCancelled, HandlerSignatoriesCancelled, h.conventionCancelled},
		{events.TopicAgencyRegistered, HandlerAgencyActivated, h.agencyActivated},
		{events.TopicMagicLinkRenewalRequested, HandlerMagicLinkRenewal, h.magicLinkRenewal},
	}
	for _, s := range subs {
		fn := s.fn
		if h.dedup != nil {
			fn = dedup.Once(h.dedup, s.id, fn, h.logger)
		}
		if err := bus.Subscribe(s.topic, s.id, fn); err != nil {
			return fmt.Errorf("subscribe %s to %s: %w", s.id, s.topic, err)
		}
	}
	return nil
}

func (h *Handlers) beneficiaryConfirmation(ctx context.Context, evt events.Event) error {
	p, err := payloadAs[events.ApplicationSubmittedByBeneficiary](evt)
	if err != nil {
		return err
	}
	to := emailsOf(p.Convention, events.RoleBeneficiary, events.RoleBeneficiaryRepresentative)
	return h.deliver(ctx, evt, h.filter, to, nil, notify.TemplateBeneficiaryConfirmation, conventionParams(p.Convention))
}

func (h *Handlers) establishmentSignatureRequest(ctx context.Context, evt events.Event) error {
	p, err := payloadAs[events.ApplicationSubmittedByBeneficiary](evt)
	if err != nil {
		return err
	}
	to := emailsOf(p.Convention, events.RoleEstablishmentRepresentative)
	if len(to) == 0 && p.Convention.EstablishmentTutor.Email != "" {
		to = []string{p.Convention.EstablishmentTutor.Email}
	}
	return h.deliver(ctx, evt, h.filter, to, nil, notify.TemplateEstablishmentSignatureRequest, conventionParams(p.Convention))
}

func (h *Handlers) adminNewApplication(ctx context.Context, evt events.Event) error {
	p, err := payloadAs[events.ApplicationSubmittedByBeneficiary](evt)
	if err != nil {
		return err
	}
	return h.deliver(ctx, evt, h.adminFilter, h.adminEmails, nil, notify.TemplateAdminNewApplication, conventionParams(p.Convention))
}

// partialSignature reminds the signatories who have not signed yet.
func (h *Handlers) partialSignature(ctx context.Context, evt events.Event) error {
	p, err := payloadAs[events.ApplicationPartiallySigned](evt)
	if err != nil {
		return err
	}
	var to []string
	for _, s := range p.Convention.Signatories {
		if s.SignedAt == nil && s.Email != "" {
			to = append(to, s.Email)
		}
	}
	params := conventionParams(p.Convention)
	params["SignedBy"] = string(p.SignedBy)
	return h.deliver(ctx, evt, h.filter, to, nil, notify.TemplatePartialSignature, params)
}

// agencyReviewRequest goes to the counsellors, or straight to the
// validators for agencies without counsellors.
func (h *Handlers) agencyReviewRequest(ctx context.Context, evt events.Event) error {
	p, err := payloadAs[events.ApplicationFullySigned](evt)
	if err != nil {
		return err
	}
	agency, err := h.agencies.Agency(ctx, p.Convention.AgencyID)
	if err != nil {
		return fmt.Errorf("lookup agency %s: %w", p.Convention.AgencyID, err)
	}
	to := agency.CounsellorEmails
	if len(to) == 0 {
		to = agency.ValidatorEmails
	}
	if len(to) == 0 {
		return fmt.Errorf("%w: %s", ErrNoAgencyReviewers, agency.ID)
	}
	params := conventionParams(p.Convention)
	params["AgencyName"] = agency.Name
	return h.deliver(ctx, evt, h.filter, to, nil, notify.TemplateAgencyReviewRequest, params)
}

func (h *Handlers) validatorsReviewRequest(ctx context.Context, evt events.Event) error {
	p, err := payloadAs[events.ApplicationAcceptedByCounsellor](evt)
	if err != nil {
		return err
	}
	agency, err := h.agencies.Agency(ctx, p.Convention.AgencyID)
	if err != nil {
		return fmt.Errorf("lookup agency %s: %w", p.Convention.AgencyID, err)
	}
	if len(agency.ValidatorEmails) == 0 {
		return fmt.Errorf("%w: %s", ErrNoAgencyReviewers, agency.ID)
	}
	params := conventionParams(p.Convention)
	params["AgencyName"] = agency.Name
	return h.deliver(ctx, evt, h.filter, agency.ValidatorEmails, nil, notify.TemplateValidatorReviewRequest, params)
}

func (h *Handlers) conventionValidated(ctx context.Context, evt events.Event) error {
	var c events.Convention
	switch p := evt.Payload.(type) {
	case events.ApplicationAcceptedByValidator:
		c = p.Convention
	case events.ApplicationFinalValidationByAdmin:
		c = p.Convention
	default:
		return unexpected(evt)
	}
	return h.toSignatories(ctx, evt, c, notify.TemplateConventionValidated, conventionParams(c))
}

func (h *Handlers) conventionRejected(ctx context.Context, evt events.Event) error {
	p, err := payloadAs[events.ApplicationRejected](evt)
	if err != nil {
		return err
	}
	params := conventionParams(p.Convention)
	params["Justification"] = p.Justification
	return h.toSignatories(ctx, evt, p.Convention, notify.TemplateConventionRejected, params)
}

func (h *Handlers) modificationRequested(ctx context.Context, evt events.Event) error {
	p, err := payloadAs[events.ApplicationRequiresModification](evt)
	if err != nil {
		return err
	}
	params := conventionParams(p.Convention)
	params["Justification"] = p.Justification
	params["RequestedBy"] = string(p.RequestedBy)
	return h.toSignatories(ctx, evt, p.Convention, notify.TemplateModificationRequested, params)
}

func (h *Handlers) conventionCancelled(ctx context.Context, evt events.Event) error {
	p, err := payloadAs[events.ApplicationCancelled](evt)
	if err != nil {
		return err
	}
	params := conventionParams(p.Convention)
	params["Justification"] = p.Justification
	return h.toSignatories(ctx, evt, p.Convention, notify.TemplateConventionCancelled, params)
}

// toSignatories mails every signatory and copies the agency counsellors
// when the agency is known.
func (h *Handlers) toSignatories(ctx context.Context, evt events.Event, c events.Convention, tpl notify.TemplateID, params map[string]any) error {
	var cc []string
	if c.AgencyID != "" {
		agency, err := h.agencies.Agency(ctx, c.AgencyID)
		switch {
		case err == nil:
			cc = agency.CounsellorEmails
		case errors.Is(err, ErrAgencyNotFound):
			h.logger.WarnContext(ctx, "agency unknown, counsellors not copied",
				"event_id", evt.ID.String(), "agency_id", c.AgencyID)
		default:
			return fmt.Errorf("lookup agency %s: %w", c.AgencyID, err)
		}
	}
	return h.deliver(ctx, evt, h.filter, c.SignatoryEmails(), cc, tpl, params)
}

func (h *Handlers) agencyActivated(ctx context.Context, evt events.Event) error {
	p, err := payloadAs[events.AgencyRegistered](evt)
	if err != nil {
		return err
	}
	to := append(append([]string(nil), p.Agency.CounsellorEmails...), p.Agency.ValidatorEmails...)
	return h.deliver(ctx, evt, h.filter, to, nil, notify.TemplateAgencyActivated, map[string]any{
		"AgencyName": p.Agency.Name,
	})
}

func (h *Handlers) magicLinkRenewal(ctx context.Context, evt events.Event) error {
	p, err := payloadAs[events.MagicLinkRenewalRequested](evt)
	if err != nil {
		return err
	}
	return h.deliver(ctx, evt, h.filter, p.Emails, nil, notify.TemplateMagicLinkRenewal, map[string]any{
		"ConventionID": p.ConventionID,
		"MagicLink":    p.MagicLink,
	})
}

func (h *Handlers) deliver(ctx context.Context, evt events.Event, filter recipients.Filter, to, cc []string, tpl notify.TemplateID, params map[string]any) error {
	var allowedCc []string
	if len(cc) > 0 {
		allowedCc = filter.Allowed(cc)
	}
	sent := false
	err := filter.WithAllowedRecipients(ctx, to, func(ctx context.Context, allowed []string) error {
		sent = true
		return h.gateway.SendNotification(ctx, notify.Notification{
			Recipients: allowed,
			Cc:         allowedCc,
			TemplateID: tpl,
			Params:     params,
		})
	})
	log := h.logger.With("event_id", evt.ID.String(), "topic", string(evt.Topic), "template", string(tpl))
	switch {
	case err != nil:
		h.metrics.Notification(string(tpl), "failed")
		log.WarnContext(ctx, "notification failed", "err", err)
		return fmt.Errorf("send %s: %w", tpl, err)
	case !sent:
		h.metrics.Notification(string(tpl), "skipped")
	default:
		h.metrics.Notification(string(tpl), "sent")
		log.InfoContext(ctx, "notification sent")
	}
	return nil
}

func payloadAs[T events.Payload](evt events.Event) (T, error) {
	p, ok := evt.Payload.(T)
	if !ok {
		var zero T
		return zero, unexpected(evt)
	}
	return p, nil
}

func unexpected(evt events.Event) error {
	return fmt.Errorf("%w: %T on topic %s", ErrUnexpectedPayload, evt.Payload, evt.Topic)
}

func emailsOf(c events.Convention, roles ...events.Role) []string {
	var out []string
	for _, r := range roles {
		if s, ok := c.Signatory(r); ok && s.Email != "" {
			out = append(out, s.Email)
		}
	}
	return out
}

func conventionParams(c events.Convention) map[string]any {
	beneficiary, _ := c.Signatory(events.RoleBeneficiary)
	return map[string]any{
		"ConventionID":    c.ID,
		"BeneficiaryName": beneficiary.FullName(),
		"TutorName":       c.EstablishmentTutor.FullName(),
		"BusinessName":    c.BusinessName,
		"AgencyID":        c.AgencyID,
		"DateStart":       c.DateStart.Format("2006-01-02"),
		"DateEnd":         c.DateEnd.Format("2006-01-02"),
	}
}

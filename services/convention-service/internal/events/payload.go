package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Payload is the business data of one topic. Only types of this package
// implement it, so a type switch over the variants below is exhaustive.
type Payload interface {
	Topic() Topic
	// AggregateID identifies the record the event is about.
	AggregateID() string
	isPayload()
}

type Role string

const (
	RoleBeneficiary                 Role = "beneficiary"
	RoleBeneficiaryRepresentative   Role = "beneficiary-representative"
	RoleEstablishmentRepresentative Role = "establishment-representative"
	RoleCounsellor                  Role = "counsellor"
	RoleValidator                   Role = "validator"
	RoleAdmin                       Role = "admin"
)

type Signatory struct {
	Role      Role       `json:"role"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	Email     string     `json:"email"`
	Phone     string     `json:"phone,omitempty"`
	SignedAt  *time.Time `json:"signed_at,omitempty"`
}

func (s Signatory) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// Convention is the snapshot of an agreement carried by application events.
type Convention struct {
	ID                 string      `json:"id"`
	Status             string      `json:"status"`
	AgencyID           string      `json:"agency_id"`
	BusinessName       string      `json:"business_name"`
	Siret              string      `json:"siret"`
	ImmersionAddress   string      `json:"immersion_address,omitempty"`
	DateStart          time.Time   `json:"date_start"`
	DateEnd            time.Time   `json:"date_end"`
	EstablishmentTutor Signatory   `json:"establishment_tutor"`
	Signatories        []Signatory `json:"signatories"`
}

func (c Convention) Signatory(role Role) (Signatory, bool) {
	for _, s := range c.Signatories {
		if s.Role == role {
			return s, true
		}
	}
	return Signatory{}, false
}

// SignatoryEmails lists signatory emails in signatory order, skipping blanks.
func (c Convention) SignatoryEmails() []string {
	out := make([]string, 0, len(c.Signatories))
	for _, s := range c.Signatories {
		if s.Email != "" {
			out = append(out, s.Email)
		}
	}
	return out
}

// ErrAgencyNotFound is returned by every agency lookup for an unknown id.
var ErrAgencyNotFound = errors.New("agency not found")

type Agency struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Address          string   `json:"address,omitempty"`
	CounsellorEmails []string `json:"counsellor_emails"`
	ValidatorEmails  []string `json:"validator_emails"`
}

type ApplicationSubmittedByBeneficiary struct {
	Convention Convention `json:"convention"`
}

type ApplicationPartiallySigned struct {
	Convention Convention `json:"convention"`
	SignedBy   Role       `json:"signed_by"`
}

type ApplicationFullySigned struct {
	Convention Convention `json:"convention"`
}

type ApplicationAcceptedByCounsellor struct {
	Convention Convention `json:"convention"`
}

type ApplicationAcceptedByValidator struct {
	Convention Convention `json:"convention"`
}

type ApplicationFinalValidationByAdmin struct {
	Convention Convention `json:"convention"`
}

type ApplicationRejected struct {
	Convention    Convention `json:"convention"`
	Justification string     `json:"justification"`
}

type ApplicationRequiresModification struct {
	Convention    Convention `json:"convention"`
	Justification string     `json:"justification"`
	RequestedBy   Role       `json:"requested_by"`
}

type ApplicationCancelled struct {
	Convention    Convention `json:"convention"`
	Justification string     `json:"justification"`
}

type AgencyRegistered struct {
	Agency Agency `json:"agency"`
}

type MagicLinkRenewalRequested struct {
	ConventionID string   `json:"convention_id"`
	Emails       []string `json:"emails"`
	MagicLink    string   `json:"magic_link"`
}

func (ApplicationSubmittedByBeneficiary) Topic() Topic {
	return TopicApplicationSubmittedByBeneficiary
}
func (ApplicationPartiallySigned) Topic() Topic        { return TopicApplicationPartiallySigned }
func (ApplicationFullySigned) Topic() Topic            { return TopicApplicationFullySigned }
func (ApplicationAcceptedByCounsellor) Topic() Topic   { return TopicApplicationAcceptedByCounsellor }
func (ApplicationAcceptedByValidator) Topic() Topic    { return TopicApplicationAcceptedByValidator }
func (ApplicationFinalValidationByAdmin) Topic() Topic { return TopicApplicationFinalValidationByAdmin }
func (ApplicationRejected) Topic() Topic               { return TopicApplicationRejected }
func (ApplicationRequiresModification) Topic() Topic   { return TopicApplicationRequiresModification }
func (ApplicationCancelled) Topic() Topic              { return TopicApplicationCancelled }
func (AgencyRegistered) Topic() Topic                  { return TopicAgencyRegistered }
func (MagicLinkRenewalRequested) Topic() Topic         { return TopicMagicLinkRenewalRequested }

func (p ApplicationSubmittedByBeneficiary) AggregateID() string { return p.Convention.ID }
func (p ApplicationPartiallySigned) AggregateID() string        { return p.Convention.ID }
func (p ApplicationFullySigned) AggregateID() string            { return p.Convention.ID }
func (p ApplicationAcceptedByCounsellor) AggregateID() string   { return p.Convention.ID }
func (p ApplicationAcceptedByValidator) AggregateID() string    { return p.Convention.ID }
func (p ApplicationFinalValidationByAdmin) AggregateID() string { return p.Convention.ID }
func (p ApplicationRejected) AggregateID() string               { return p.Convention.ID }
func (p ApplicationRequiresModification) AggregateID() string   { return p.Convention.ID }
func (p ApplicationCancelled) AggregateID() string              { return p.Convention.ID }
func (p AgencyRegistered) AggregateID() string                  { return p.Agency.ID }
func (p MagicLinkRenewalRequested) AggregateID() string         { return p.ConventionID }

func (ApplicationSubmittedByBeneficiary) isPayload() {}
func (ApplicationPartiallySigned) isPayload()        {}
func (ApplicationFullySigned) isPayload()            {}
func (ApplicationAcceptedByCounsellor) isPayload()   {}
func (ApplicationAcceptedByValidator) isPayload()    {}
func (ApplicationFinalValidationByAdmin) isPayload() {}
func (ApplicationRejected) isPayload()               {}
func (ApplicationRequiresModification) isPayload()   {}
func (ApplicationCancelled) isPayload()              {}
func (AgencyRegistered) isPayload()                  {}
func (MagicLinkRenewalRequested) isPayload()         {}

// Undecodable stands in for a stored payload that no longer decodes, e.g.
// a retired topic. It is never dispatched; stores surface it for audit.
type Undecodable struct {
	topic Topic
	Raw   json.RawMessage `json:"raw"`
	Err   string          `json:"error"`
}

func NewUndecodable(topic Topic, raw []byte, err error) Undecodable {
	u := Undecodable{topic: topic, Raw: append(json.RawMessage(nil), raw...)}
	if !json.Valid(u.Raw) {
		u.Raw = nil
	}
	if err != nil {
		u.Err = err.Error()
	}
	return u
}

func (u Undecodable) Topic() Topic        { return u.topic }
func (u Undecodable) AggregateID() string { return "" }
func (Undecodable) isPayload()            {}

// IsUndecodable reports whether p is a placeholder for an unreadable payload.
func IsUndecodable(p Payload) bool {
	_, ok := p.(Undecodable)
	return ok
}

// ConventionOf returns the convention snapshot for application topics.
func ConventionOf(p Payload) (Convention, bool) {
	switch v := p.(type) {
	case ApplicationSubmittedByBeneficiary:
		return v.Convention, true
	case ApplicationPartiallySigned:
		return v.Convention, true
	case ApplicationFullySigned:
		return v.Convention, true
	case ApplicationAcceptedByCounsellor:
		return v.Convention, true
	case ApplicationAcceptedByValidator:
		return v.Convention, true
	case ApplicationFinalValidationByAdmin:
		return v.Convention, true
	case ApplicationRejected:
		return v.Convention, true
	case ApplicationRequiresModification:
		return v.Convention, true
	case ApplicationCancelled:
		return v.Convention, true
	default:
		return Convention{}, false
	}
}

func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("encode payload: nil payload")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Topic(), err)
	}
	return raw, nil
}

// DecodePayload rebuilds the typed payload stored for topic.
func DecodePayload(topic Topic, raw []byte) (Payload, error) {
	switch topic {
	case TopicApplicationSubmittedByBeneficiary:
		return decode[ApplicationSubmittedByBeneficiary](topic, raw)
	case TopicApplicationPartiallySigned:
		return decode[ApplicationPartiallySigned](topic, raw)
	case TopicApplicationFullySigned:
		return decode[ApplicationFullySigned](topic, raw)
	case TopicApplicationAcceptedByCounsellor:
		return decode[ApplicationAcceptedByCounsellor](topic, raw)
	case TopicApplicationAcceptedByValidator:
		return decode[ApplicationAcceptedByValidator](topic, raw)
	case TopicApplicationFinalValidationByAdmin:
		return decode[ApplicationFinalValidationByAdmin](topic, raw)
	case TopicApplicationRejected:
		return decode[ApplicationRejected](topic, raw)
	case TopicApplicationRequiresModification:
		return decode[ApplicationRequiresModification](topic, raw)
	case TopicApplicationCancelled:
		return decode[ApplicationCancelled](topic, raw)
	case TopicAgencyRegistered:
		return decode[AgencyRegistered](topic, raw)
	case TopicMagicLinkRenewalRequested:
		return decode[MagicLinkRenewalRequested](topic, raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
}

func decode[T Payload](topic Topic, raw []byte) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", topic, err)
	}
	return v, nil
}

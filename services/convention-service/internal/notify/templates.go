package notify

import (
	"bytes"
	"fmt"
	"text/template"
)

type TemplateID string

const (
	TemplateBeneficiaryConfirmation       TemplateID = "beneficiary_confirmation"
	TemplateEstablishmentSignatureRequest TemplateID = "establishment_signature_request"
	TemplateAdminNewApplication           TemplateID = "admin_new_application"
	TemplatePartialSignature              TemplateID = "partial_signature"
	TemplateAgencyReviewRequest           TemplateID = "agency_review_request"
	TemplateValidatorReviewRequest        TemplateID = "validator_review_request"
	TemplateConventionValidated           TemplateID = "convention_validated"
	TemplateConventionRejected            TemplateID = "convention_rejected"
	TemplateModificationRequested         TemplateID = "modification_requested"
	TemplateConventionCancelled           TemplateID = "convention_cancelled"
	TemplateAgencyActivated               TemplateID = "agency_activated"
	TemplateMagicLinkRenewal              TemplateID = "magic_link_renewal"
)

type emailTemplate struct {
	subject *template.Template
	body    *template.Template
}

var registry = map[TemplateID]emailTemplate{}

func register(id TemplateID, subject, body string) {
	registry[id] = emailTemplate{
		subject: template.Must(template.New(string(id) + ".subject").Option("missingkey=error").Parse(subject)),
		body:    template.Must(template.New(string(id) + ".body").Option("missingkey=error").Parse(body)),
	}
}

func init() {
	register(TemplateBeneficiaryConfirmation,
		`Your immersion request with {{.BusinessName}} has been received`,
		`Hello {{.BeneficiaryName}},

Your immersion request {{.ConventionID}} with {{.BusinessName}} ({{.DateStart}} to {{.DateEnd}}) has been recorded.
The establishment will now be asked to sign it.`)
	register(TemplateEstablishmentSignatureRequest,
		`Immersion request from {{.BeneficiaryName}} to sign`,
		`Hello {{.TutorName}},

{{.BeneficiaryName}} asked for an immersion at {{.BusinessName}} from {{.DateStart}} to {{.DateEnd}}.
Please review and sign convention {{.ConventionID}}.`)
	register(TemplateAdminNewApplication,
		`New immersion request {{.ConventionID}}`,
		`A new immersion request was submitted for {{.BusinessName}} by {{.BeneficiaryName}} (agency {{.AgencyID}}).`)
	register(TemplatePartialSignature,
		`Convention {{.ConventionID}} signed by the {{.SignedBy}}`,
		`The {{.SignedBy}} signed convention {{.ConventionID}} for {{.BeneficiaryName}} at {{.BusinessName}}.
The convention still awaits the other signatures.`)
	register(TemplateAgencyReviewRequest,
		`Convention {{.ConventionID}} to review`,
		`Every party signed convention {{.ConventionID}} for {{.BeneficiaryName}} at {{.BusinessName}}.
Agency {{.AgencyName}} is asked to review it.`)
	register(TemplateValidatorReviewRequest,
		`Convention {{.ConventionID}} to validate`,
		`A counsellor of {{.AgencyName}} accepted convention {{.ConventionID}} for {{.BeneficiaryName}} at {{.BusinessName}}.
It now awaits validation.`)
	register(TemplateConventionValidated,
		`Convention {{.ConventionID}} validated`,
		`The immersion of {{.BeneficiaryName}} at {{.BusinessName}} from {{.DateStart}} to {{.DateEnd}} is validated.`)
	register(TemplateConventionRejected,
		`Convention {{.ConventionID}} rejected`,
		`The immersion request of {{.BeneficiaryName}} at {{.BusinessName}} was rejected.

Reason: {{.Justification}}`)
	register(TemplateModificationRequested,
		`Convention {{.ConventionID}} needs changes`,
		`The {{.RequestedBy}} asked for changes to the immersion request of {{.BeneficiaryName}} at {{.BusinessName}}.

Reason: {{.Justification}}`)
	register(TemplateConventionCancelled,
		`Convention {{.ConventionID}} cancelled`,
		`The immersion of {{.BeneficiaryName}} at {{.BusinessName}} was cancelled.

Reason: {{.Justification}}`)
	register(TemplateAgencyActivated,
		`Agency {{.AgencyName}} is now active`,
		`Agency {{.AgencyName}} has been activated and can now review immersion requests.`)
	register(TemplateMagicLinkRenewal,
		`Your new link for convention {{.ConventionID}}`,
		`Here is your new access link for convention {{.ConventionID}}:

{{.MagicLink}}`)
}

// Render executes the subject and body of template id with params.
func Render(id TemplateID, params map[string]any) (subject string, body string, err error) {
	tpl, ok := registry[id]
	if !ok {
		return "", "", fmt.Errorf("unknown notification template %q", id)
	}
	var s, b bytes.Buffer
	if err := tpl.subject.Execute(&s, params); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", id, err)
	}
	if err := tpl.body.Execute(&b, params); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", id, err)
	}
	return s.String(), b.String(), nil
}

// Templates lists every registered template id.
func Templates() []TemplateID {
	out := make([]TemplateID, 0, len(registry))
	for id := range registry {
		out = append(out, id)
	}
	return out
}

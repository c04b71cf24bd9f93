package conventions

const (
	StatusReadyToSign          = "READY_TO_SIGN"
	StatusPartiallySigned      = "PARTIALLY_SIGNED"
	StatusInReview             = "IN_REVIEW"
	StatusAcceptedByCounsellor = "ACCEPTED_BY_COUNSELLOR"
	StatusAcceptedByValidator  = "ACCEPTED_BY_VALIDATOR"
	StatusValidated            = "VALIDATED"
	StatusRejected             = "REJECTED"
	StatusDraft                = "DRAFT"
	StatusCancelled            = "CANCELLED"
)

type DecisionKind string

const (
	AcceptByCounsellor  DecisionKind = "accept-by-counsellor"
	AcceptByValidator   DecisionKind = "accept-by-validator"
	FinalValidation     DecisionKind = "final-validation"
	Reject              DecisionKind = "reject"
	RequireModification DecisionKind = "require-modification"
	Cancel              DecisionKind = "cancel"
)

// Decision is a reviewer's verdict on a convention.
type Decision struct {
	Kind          DecisionKind
	By            string
	Justification string
}

var (
	signable = []string{StatusReadyToSign, StatusPartiallySigned}
	open     = []string{StatusReadyToSign, StatusPartiallySigned, StatusInReview, StatusAcceptedByCounsellor, StatusAcceptedByValidator}
)

// transitions maps a decision to the states it applies to and the state it
// leads to.
var transitions = map[DecisionKind]struct {
	from []string
	to   string
}{
	AcceptByCounsellor:  {from: []string{StatusInReview}, to: StatusAcceptedByCounsellor},
	AcceptByValidator:   {from: []string{StatusInReview, StatusAcceptedByCounsellor}, to: StatusAcceptedByValidator},
	FinalValidation:     {from: []string{StatusAcceptedByValidator}, to: StatusValidated},
	Reject:              {from: open, to: StatusRejected},
	RequireModification: {from: open, to: StatusDraft},
	Cancel:              {from: []string{StatusValidated}, to: StatusCancelled},
}

func (k DecisionKind) needsJustification() bool {
	return k == Reject || k == RequireModification || k == Cancel
}

func in(status string, set []string) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

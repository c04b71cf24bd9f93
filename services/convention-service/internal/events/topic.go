package events

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownTopic = errors.New("unknown event topic")

// Topic names the kind of occurrence an Event records. The set is closed:
// adding a topic means adding a constant, a payload type and a decode case.
type Topic string

const (
	TopicApplicationSubmittedByBeneficiary Topic = "ApplicationSubmittedByBeneficiary"
	TopicApplicationPartiallySigned        Topic = "ApplicationPartiallySigned"
	TopicApplicationFullySigned            Topic = "ApplicationFullySigned"
	TopicApplicationAcceptedByCounsellor   Topic = "ApplicationAcceptedByCounsellor"
	TopicApplicationAcceptedByValidator    Topic = "ApplicationAcceptedByValidator"
	TopicApplicationFinalValidationByAdmin Topic = "ApplicationFinalValidationByAdmin"
	TopicApplicationRejected               Topic = "ApplicationRejected"
	TopicApplicationRequiresModification   Topic = "ApplicationRequiresModification"
	TopicApplicationCancelled              Topic = "ApplicationCancelled"
	TopicAgencyRegistered                  Topic = "AgencyRegistered"
	TopicMagicLinkRenewalRequested         Topic = "MagicLinkRenewalRequested"
)

var allTopics = []Topic{
	TopicApplicationSubmittedByBeneficiary,
	TopicApplicationPartiallySigned,
	TopicApplicationFullySigned,
	TopicApplicationAcceptedByCounsellor,
	TopicApplicationAcceptedByValidator,
	TopicApplicationFinalValidationByAdmin,
	TopicApplicationRejected,
	TopicApplicationRequiresModification,
	TopicApplicationCancelled,
	TopicAgencyRegistered,
	TopicMagicLinkRenewalRequested,
}

func AllTopics() []Topic {
	return append([]Topic(nil), allTopics...)
}

func (t Topic) Valid() bool {
	for _, known := range allTopics {
		if t == known {
			return true
		}
	}
	return false
}

func (t Topic) String() string { return string(t) }

// ParseTopic validates a raw topic name, e.g. from configuration.
func ParseTopic(raw string) (Topic, error) {
	t := Topic(strings.TrimSpace(raw))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTopic, raw)
	}
	return t, nil
}

func ParseTopics(raw []string) ([]Topic, error) {
	out := make([]Topic, 0, len(raw))
	for _, r := range raw {
		t, err := ParseTopic(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

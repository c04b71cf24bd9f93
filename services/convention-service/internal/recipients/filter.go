// Package recipients decides which email addresses a notification may
// actually reach.
package recipients

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	ModeAllowList    = "allow-list"
	ModeUnrestricted = "unrestricted"
)

// SendFunc performs the delivery to the addresses that passed the filter.
type SendFunc func(ctx context.Context, allowed []string) error

// Filter narrows candidates and calls send with what is left. send is never
// called with an empty list; its error is returned unchanged.
type Filter interface {
	WithAllowedRecipients(ctx context.Context, candidates []string, send SendFunc) error
	// Allowed returns the deliverable subset of candidates without logging.
	Allowed(candidates []string) []string
}

// AllowList lets through only addresses present in a configured list.
type AllowList struct {
	allowed map[string]struct{}
	logger  *slog.Logger
}

func NewAllowList(logger *slog.Logger, allowed ...string) *AllowList {
	if logger == nil {
		logger = slog.Default()
	}
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if k := normalize(a); k != "" {
			set[k] = struct{}{}
		}
	}
	return &AllowList{allowed: set, logger: logger.With("component", "recipients")}
}

func (f *AllowList) Allowed(candidates []string) []string {
	kept := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		k := normalize(c)
		if _, ok := f.allowed[k]; !ok {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		kept = append(kept, strings.TrimSpace(c))
	}
	return kept
}

func (f *AllowList) WithAllowedRecipients(ctx context.Context, candidates []string, send SendFunc) error {
	kept := f.Allowed(candidates)
	if len(kept) == 0 {
		f.logger.InfoContext(ctx, "no allowed recipient, notification skipped",
			"candidates", len(candidates))
		return nil
	}
	if dropped := len(candidates) - len(kept); dropped > 0 {
		f.logger.DebugContext(ctx, "recipients filtered out", "dropped", dropped, "kept", len(kept))
	}
	return send(ctx, kept)
}

// Unrestricted passes candidates through untouched.
type Unrestricted struct{}

func (Unrestricted) WithAllowedRecipients(ctx context.Context, candidates []string, send SendFunc) error {
	if len(candidates) == 0 {
		return nil
	}
	return send(ctx, candidates)
}

func (Unrestricted) Allowed(candidates []string) []string {
	return candidates
}

// FromConfig builds the filter named by mode. list only matters for the
// allow-list mode; an empty list there blocks every delivery.
func FromConfig(mode string, list []string, logger *slog.Logger) (Filter, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeAllowList:
		return NewAllowList(logger, list...), nil
	case ModeUnrestricted:
		return Unrestricted{}, nil
	default:
		return nil, fmt.Errorf("unknown recipient filter mode %q (want %s or %s)", mode, ModeAllowList, ModeUnrestricted)
	}
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

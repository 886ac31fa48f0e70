package lifecycle

import (
	"strings"
	"time"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// Filter selects requests for dashboards and exports.
//
// When Statuses is non-empty only those statuses match and IncludeCompleted
// is ignored. Otherwise completed requests match only if IncludeCompleted is
// set. Search is a case-insensitive substring match on recipient,
// organization, technician and receipt id.
type Filter struct {
	Statuses         []Status
	IncludeCompleted bool
	Search           string
	OverdueAt        *time.Time
	Limit            int
	Offset           int
}

// Matches reports whether r satisfies every condition of f except paging.
func (f Filter) Matches(r Request) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, status := range f.Statuses {
			if r.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	} else if !f.IncludeCompleted && r.Status == StatusCompleted {
		return false
	}

	if f.OverdueAt != nil && !r.IsOverdue(*f.OverdueAt) {
		return false
	}

	needle := strings.ToLower(strings.TrimSpace(f.Search))
	if needle == "" {
		return true
	}
	haystack := []string{
		r.RecipientName,
		Deref(r.OrganizationName),
		Deref(r.Technician),
		Deref(r.ReceiptID),
	}
	for _, value := range haystack {
		if strings.Contains(strings.ToLower(value), needle) {
			return true
		}
	}
	return false
}

// Normalized clamps paging values to the supported range.
func (f Filter) Normalized() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.Search = strings.TrimSpace(f.Search)
	return f
}

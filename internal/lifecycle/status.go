// Package lifecycle owns the request status model and the rules that gate
// every mutation of a request: field normalization, the completion check,
// and comment validation. It performs no I/O.
package lifecycle

import "strings"

// Status is the workflow position of a request.
type Status string

const (
	StatusNotStarted     Status = "not_started"
	StatusInProgress     Status = "in_progress"
	StatusReadyForPickup Status = "ready_for_pickup"
	StatusCompleted      Status = "completed"
)

var allStatuses = []Status{
	StatusNotStarted,
	StatusInProgress,
	StatusReadyForPickup,
	StatusCompleted,
}

var statusLabels = map[Status]string{
	StatusNotStarted:     "Not Started",
	StatusInProgress:     "In Progress",
	StatusReadyForPickup: "Ready for Pickup",
	StatusCompleted:      "Completed",
}

// Statuses returns the four statuses in workflow order.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	_, ok := statusLabels[s]
	return ok
}

// Label returns the human readable name shown on dashboards.
func (s Status) Label() string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return string(s)
}

// ParseStatus trims surrounding whitespace and checks raw against the
// enumeration. Values are case-sensitive.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.TrimSpace(raw))
	if !status.Valid() {
		return "", &InvalidStatusError{Value: raw}
	}
	return status, nil
}

// CanTransition reports whether the state machine allows moving from one
// status to another. Every pair of known statuses is allowed; the only
// guard on entering completed is the field check in ValidateTransition.
func CanTransition(from, to Status) bool {
	return from.Valid() && to.Valid()
}

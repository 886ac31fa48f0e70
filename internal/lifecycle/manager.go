package lifecycle

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Manager applies the lifecycle rules. Clock and id generation are injected
// so results are deterministic under test.
type Manager struct {
	Now   func() time.Time
	NewID func() string
}

// NewManager returns a Manager using the wall clock and random UUIDs.
func NewManager() *Manager {
	return &Manager{
		Now:   time.Now,
		NewID: uuid.NewString,
	}
}

func (m *Manager) now() time.Time {
	if m == nil || m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

func (m *Manager) newID() string {
	if m == nil || m.NewID == nil {
		return uuid.NewString()
	}
	return m.NewID()
}

// NewRequest builds a fresh request from submitted fields. It runs the same
// gate as an update against an empty record, so a completed initial status
// fails with every completion field reported missing.
func (m *Manager) NewRequest(input CreateRequest) (Request, error) {
	now := m.now()
	blank := Request{Status: StatusNotStarted}

	req, err := m.merge(blank, input.asUpdate(), now)
	if err != nil {
		return Request{}, err
	}

	req.ID = m.newID()
	req.CreatedAt = now
	if req.RequestDate == nil {
		requested := now
		req.RequestDate = &requested
	}
	req.Comments = []Comment{}
	return req, nil
}

// ValidateTransition overlays update onto current and checks the result.
// It returns the merged state with a fresh UpdatedAt, ready to persist.
// current is never modified.
func (m *Manager) ValidateTransition(current Request, update RequestUpdate) (Request, error) {
	return m.merge(current, update, m.now())
}

func (m *Manager) merge(current Request, update RequestUpdate, now time.Time) (Request, error) {
	next := current

	if update.RecipientName != nil {
		next.RecipientName = Deref(NormalizeText(*update.RecipientName))
	}
	applyText(&next.OrganizationName, update.OrganizationName)
	applyText(&next.RequestorContact, update.RequestorContact)
	applyText(&next.ClientContact, update.ClientContact)
	applyText(&next.Description, update.Description)
	applyText(&next.Technician, update.Technician)
	applyText(&next.ReceiptID, update.ReceiptID)
	applyText(&next.ComputerModel, update.ComputerModel)
	applyText(&next.ComputerPrice, update.ComputerPrice)
	if update.ComputerType != nil {
		next.ComputerType = NormalizeComputerType(*update.ComputerType)
	}

	var invalid []*FieldFormatError
	for _, date := range []struct {
		dst   **time.Time
		field string
		value *string
	}{
		{&next.DueDate, FieldDueDate, update.DueDate},
		{&next.RequestDate, FieldRequestDate, update.RequestDate},
		{&next.PickupDate, FieldPickupDate, update.PickupDate},
	} {
		if err := applyDate(date.dst, date.field, date.value); err != nil {
			var formatErr *FieldFormatError
			if !errors.As(err, &formatErr) {
				return Request{}, err
			}
			invalid = append(invalid, formatErr)
		}
	}

	if update.Status != nil {
		status, err := ParseStatus(*update.Status)
		if err != nil {
			return Request{}, err
		}
		next.Status = status
	}
	if !next.Status.Valid() {
		return Request{}, &InvalidStatusError{Value: string(next.Status)}
	}

	var missing []string
	if next.RecipientName == "" {
		missing = append(missing, FieldRecipientName)
	}
	if next.Status == StatusCompleted {
		for _, field := range MissingCompletionFields(next) {
			if !hasFormatError(invalid, field) {
				missing = append(missing, field)
			}
		}
	}
	switch {
	case len(missing) > 0:
		return Request{}, &ValidationError{Missing: missing, Invalid: invalid}
	case len(invalid) == 1:
		return Request{}, invalid[0]
	case len(invalid) > 1:
		return Request{}, &ValidationError{Invalid: invalid}
	}

	switch {
	case next.Status == StatusCompleted && current.Status != StatusCompleted:
		completed := now
		next.CompletedAt = &completed
	case next.Status != StatusCompleted && current.Status == StatusCompleted:
		next.CompletedAt = nil
	}

	next.UpdatedAt = now
	return next, nil
}

func hasFormatError(invalid []*FieldFormatError, field string) bool {
	for _, err := range invalid {
		if err.Field == field {
			return true
		}
	}
	return false
}

func applyText(dst **string, value *string) {
	if value == nil {
		return
	}
	*dst = NormalizeText(*value)
}

func applyDate(dst **time.Time, field string, value *string) error {
	if value == nil {
		return nil
	}
	parsed, err := ParseDate(field, *value)
	if err != nil {
		return err
	}
	*dst = parsed
	return nil
}

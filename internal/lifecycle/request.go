package lifecycle

import (
	"strings"
	"time"
)

// Field names used on the wire and in ValidationError.Missing.
const (
	FieldRecipientName = "recipient_name"
	FieldReceiptID     = "receipt_id"
	FieldPickupDate    = "pickup_date"
	FieldComputerModel = "computer_model"
	FieldComputerType  = "computer_type"
	FieldComputerPrice = "computer_price"
	FieldDueDate       = "due_date"
	FieldRequestDate   = "request_date"
)

// Canonical computer types. Other free text is accepted as-is.
const (
	ComputerTypeLaptop   = "Laptop"
	ComputerTypeDesktop  = "Desktop"
	ComputerTypeAllInOne = "All-in-One"
)

// Request is one recipient's computer donation moving through the workflow.
type Request struct {
	ID               string     `json:"id"`
	RecipientName    string     `json:"recipient_name"`
	OrganizationName *string    `json:"organization_name"`
	RequestorContact *string    `json:"requestor_contact"`
	ClientContact    *string    `json:"client_contact"`
	Description      *string    `json:"description"`
	Status           Status     `json:"status"`
	Technician       *string    `json:"technician"`
	Filename         *string    `json:"filename"`
	DueDate          *time.Time `json:"due_date"`
	RequestDate      *time.Time `json:"request_date"`
	ReceiptID        *string    `json:"receipt_id"`
	PickupDate       *time.Time `json:"pickup_date"`
	ComputerModel    *string    `json:"computer_model"`
	ComputerType     *string    `json:"computer_type"`
	ComputerPrice    *string    `json:"computer_price"`
	CompletedAt      *time.Time `json:"completed_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	Comments         []Comment  `json:"comments"`
}

// RequestUpdate is a partial update. A nil field is left untouched; a field
// pointing at a blank string clears the stored value.
type RequestUpdate struct {
	RecipientName    *string
	OrganizationName *string
	RequestorContact *string
	ClientContact    *string
	Description      *string
	Status           *string
	Technician       *string
	DueDate          *string
	RequestDate      *string
	ReceiptID        *string
	PickupDate       *string
	ComputerModel    *string
	ComputerType     *string
	ComputerPrice    *string
}

// IsEmpty reports whether the update mentions no field at all.
func (u RequestUpdate) IsEmpty() bool {
	return u == RequestUpdate{}
}

// CreateRequest holds the fields accepted when a request is first submitted.
// Completion fields are deliberately absent.
type CreateRequest struct {
	RecipientName    string
	OrganizationName *string
	RequestorContact *string
	ClientContact    *string
	Description      *string
	Status           *string
	Technician       *string
	DueDate          *string
	RequestDate      *string
}

// asUpdate maps the submission onto an update. A blank initial status is
// treated as absent so the request starts as not_started.
func (c CreateRequest) asUpdate() RequestUpdate {
	name := c.RecipientName
	status := c.Status
	if isBlank(status) {
		status = nil
	}
	return RequestUpdate{
		RecipientName:    &name,
		OrganizationName: c.OrganizationName,
		RequestorContact: c.RequestorContact,
		ClientContact:    c.ClientContact,
		Description:      c.Description,
		Status:           status,
		Technician:       c.Technician,
		DueDate:          c.DueDate,
		RequestDate:      c.RequestDate,
	}
}

// MissingCompletionFields returns the completion fields absent from r, in
// canonical order.
func MissingCompletionFields(r Request) []string {
	var missing []string
	if isBlank(r.ReceiptID) {
		missing = append(missing, FieldReceiptID)
	}
	if r.PickupDate == nil || r.PickupDate.IsZero() {
		missing = append(missing, FieldPickupDate)
	}
	if isBlank(r.ComputerModel) {
		missing = append(missing, FieldComputerModel)
	}
	if isBlank(r.ComputerType) {
		missing = append(missing, FieldComputerType)
	}
	if isBlank(r.ComputerPrice) {
		missing = append(missing, FieldComputerPrice)
	}
	return missing
}

// IsOverdue reports whether r has a due date before at and is still open.
func (r Request) IsOverdue(at time.Time) bool {
	if r.Status == StatusCompleted || r.DueDate == nil {
		return false
	}
	return r.DueDate.Before(at)
}

// TechnicianName returns the assigned technician or an empty string.
func (r Request) TechnicianName() string {
	return Deref(r.Technician)
}

// Deref returns the pointed-to string or "".
func Deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// NormalizeText trims value and maps blank input to nil.
func NormalizeText(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// NormalizeComputerType maps known spellings onto the canonical types.
func NormalizeComputerType(value string) *string {
	text := NormalizeText(value)
	if text == nil {
		return nil
	}
	var canonical string
	switch strings.ToLower(*text) {
	case "laptop", "notebook":
		canonical = ComputerTypeLaptop
	case "desktop", "tower":
		canonical = ComputerTypeDesktop
	case "all-in-one", "all in one", "allinone", "aio":
		canonical = ComputerTypeAllInOne
	default:
		return text
	}
	return &canonical
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
}

// ParseDate accepts a calendar date or a timestamp. Blank input yields nil.
func ParseDate(field, value string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	var lastErr error
	for _, layout := range dateLayouts {
		parsed, err := time.Parse(layout, trimmed)
		if err == nil {
			parsed = parsed.UTC()
			return &parsed, nil
		}
		lastErr = err
	}
	return nil, &FieldFormatError{Field: field, Value: value, Err: lastErr}
}

func isBlank(value *string) bool {
	return value == nil || strings.TrimSpace(*value) == ""
}

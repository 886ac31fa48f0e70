package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyComment is returned when comment content is blank after trimming.
	ErrEmptyComment = errors.New("comment content is empty")
	// ErrNoRequest is returned when a comment targets a request without an id.
	ErrNoRequest = errors.New("comment target request has no id")
)

// ValidationError lists every required field that is absent in the
// effective state of a request. Invalid holds the format errors found in
// the same update; those fields are not repeated in Missing.
type ValidationError struct {
	Missing []string
	Invalid []*FieldFormatError
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Missing) == 0 && len(e.Invalid) == 0 {
		return "missing required fields"
	}
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required fields: "+strings.Join(e.Missing, ", "))
	}
	for _, invalid := range e.Invalid {
		parts = append(parts, invalid.Error())
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() []error {
	if e == nil {
		return nil
	}
	errs := make([]error, 0, len(e.Invalid))
	for _, invalid := range e.Invalid {
		errs = append(errs, invalid)
	}
	return errs
}

// InvalidFields maps each unparseable field to its error message.
func (e *ValidationError) InvalidFields() map[string]string {
	if e == nil || len(e.Invalid) == 0 {
		return nil
	}
	out := make(map[string]string, len(e.Invalid))
	for _, invalid := range e.Invalid {
		out[invalid.Field] = invalid.Error()
	}
	return out
}

// InvalidStatusError is returned for a status outside the enumeration.
type InvalidStatusError struct {
	Value string
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid status %q", e.Value)
}

// FieldFormatError is returned when a field value cannot be parsed.
type FieldFormatError struct {
	Field string
	Value string
	Err   error
}

func (e *FieldFormatError) Error() string {
	return fmt.Sprintf("invalid %s %q", e.Field, e.Value)
}

func (e *FieldFormatError) Unwrap() error {
	return e.Err
}

// MissingFields extracts the missing field list from err, if it carries a
// non-empty one.
func MissingFields(err error) ([]string, bool) {
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) || len(validationErr.Missing) == 0 {
		return nil, false
	}
	return validationErr.Missing, true
}

// InvalidFields extracts the per-field format errors carried by err.
func InvalidFields(err error) map[string]string {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.InvalidFields()
	}
	var formatErr *FieldFormatError
	if errors.As(err, &formatErr) {
		return map[string]string{formatErr.Field: formatErr.Error()}
	}
	return nil
}

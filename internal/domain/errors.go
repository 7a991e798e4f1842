package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrCapacityExceeded = errors.New("session capacity exceeded")
)

// InvalidValueError reports a value that violates its parameter definition.
// A batch containing one of these is rejected as a whole.
type InvalidValueError struct {
	Field  string
	Reason string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid value for %q: %s", e.Field, e.Reason)
}

// MalformedSchemaError reports a structurally invalid new-session schema.
type MalformedSchemaError struct {
	Index  int
	Field  string
	Reason string
}

func (e *MalformedSchemaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed schema at parameter %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("malformed schema at parameter %d (%q): %s", e.Index, e.Field, e.Reason)
}

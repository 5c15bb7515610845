package model

import (
	"errors"
	"fmt"
)

var (
	errRunIDRequired = errors.New("run_id is required")
	errRunIDTooLong  = errors.New("run_id must be at most 255 characters")
)

// InvalidRunIDError reports the first disallowed character in a run ID.
type InvalidRunIDError struct {
	Position int
	Char     byte
}

func (e *InvalidRunIDError) Error() string {
	return fmt.Sprintf("run_id contains invalid character at position %d: %q", e.Position, e.Char)
}

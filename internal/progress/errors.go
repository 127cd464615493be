package progress

import (
	"errors"
	"fmt"
)

// ErrInvalidReport is the sentinel wrapped by every ValidationError.
var ErrInvalidReport = errors.New("progress: invalid report")

const (
	CodeInvalidMediaID   = "invalid_media_id"
	CodeInvalidMediaType = "invalid_media_type"
	CodeInvalidEpisode   = "invalid_episode"
	CodeInvalidUserID    = "invalid_user_id"
)

// ValidationError describes a report rejected before any store access.
type ValidationError struct {
	Field  string
	Code   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s %s", ErrInvalidReport, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidReport
}

func newValidationError(field, code, reason string) error {
	return &ValidationError{Field: field, Code: code, Reason: reason}
}

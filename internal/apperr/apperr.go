// Package apperr holds the error values shared across the alert pipeline.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrClientNotFound    = fmt.Errorf("client %w", ErrNotFound)
	ErrAlertNotFound     = fmt.Errorf("alert %w", ErrNotFound)
	ErrClientInactive    = errors.New("client is inactive")
	ErrInvalidTransition = errors.New("invalid alert transition")
)

// ValidationError reports a malformed request or sample.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid sample: " + e.Reason
	}
	return fmt.Sprintf("invalid sample: %s %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// DeliveryError is a failed send on one channel to one recipient.
type DeliveryError struct {
	Channel string
	UserID  string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.Channel, e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// permanentError marks failures that retrying cannot fix.
type permanentError struct {
	err error
}

func (e permanentError) Error() string {
	if e.err == nil {
		return "permanent error"
	}
	return e.err.Error()
}

func (e permanentError) Unwrap() error   { return e.err }
func (permanentError) Permanent() bool { return true }

// MarkPermanent wraps err with the non-retryable marker.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether any error in err's chain carries the marker.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	type marker interface {
		Permanent() bool
	}
	var tagged marker
	if !errors.As(err, &tagged) {
		return false
	}
	return tagged.Permanent()
}

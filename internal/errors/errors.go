package appErrors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCampaignNotFound is returned when a campaign id does not resolve to a row.
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// NewCampaignNotFound builds an ErrCampaignNotFound.
func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ValidationError rejects a request synchronously. No state is changed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidation builds a ValidationError.
func NewValidation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err is (or wraps) an ErrCampaignNotFound.
func IsNotFound(err error) bool {
	var nf *ErrCampaignNotFound
	return errors.As(err, &nf)
}

// TransientSendError is a provider rate-limit signal. It is retried with backoff.
type TransientSendError struct {
	Message string
}

func (e *TransientSendError) Error() string {
	return "rate limited: " + e.Message
}

// PermanentSendError is any other send failure. It is recorded without retry.
type PermanentSendError struct {
	Message string
}

func (e *PermanentSendError) Error() string {
	return "send failed: " + e.Message
}

// ClassifySendError maps raw provider error text onto the send taxonomy.
func ClassifySendError(msg string) error {
	if IsRateLimitMessage(msg) {
		return &TransientSendError{Message: msg}
	}
	return &PermanentSendError{Message: msg}
}

// IsRateLimitMessage looks for a rate-limit indicator in provider error text.
func IsRateLimitMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "rate limit") ||
		strings.Contains(m, "rate_limit") ||
		strings.Contains(m, "too many requests") ||
		strings.HasPrefix(m, "429 ") ||
		strings.Contains(m, "status 429")
}

// IsTransient reports whether err is (or wraps) a TransientSendError.
func IsTransient(err error) bool {
	var t *TransientSendError
	return errors.As(err, &t)
}

// FatalEngineError aborts a processing run. The campaign is moved to failed.
type FatalEngineError struct {
	CampaignID int
	Err        error
}

func (e *FatalEngineError) Error() string {
	return fmt.Sprintf("campaign %d processing aborted: %v", e.CampaignID, e.Err)
}

func (e *FatalEngineError) Unwrap() error {
	return e.Err
}

package contracts

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrDeserialization   = errors.New("envelope deserialization failed")
	ErrProcessing        = errors.New("envelope processing failed")
	ErrMissingEnvelopeID = errors.New("envelope has no id")
)

// ValidationError reports missing or empty request fields
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: missing required fields: %s", strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ValidateEmailRequest checks that to, subject and body are all present.
// Whitespace-only values count as missing.
func ValidateEmailRequest(to, subject, body string) error {
	var missing []string
	if strings.TrimSpace(to) == "" {
		missing = append(missing, "to")
	}
	if strings.TrimSpace(subject) == "" {
		missing = append(missing, "subject")
	}
	if strings.TrimSpace(body) == "" {
		missing = append(missing, "body")
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	return nil
}

// DeserializationError is returned when a delivery payload is not a valid envelope
type DeserializationError struct {
	Payload string
	Err     error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("envelope deserialization failed: %v", e.Err)
}

func (e *DeserializationError) Unwrap() error {
	return e.Err
}

func (e *DeserializationError) Is(target error) bool {
	return target == ErrDeserialization
}

// IsRetryable reports false: redelivering a malformed payload never helps
func (e *DeserializationError) IsRetryable() bool {
	return false
}

// ProcessingError wraps any failure while handling a delivery
type ProcessingError struct {
	Stage     string // decode, send or append
	MessageID string
	Err       error
}

func (e *ProcessingError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("processing failed at %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("processing of %s failed at %s: %v", e.MessageID, e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

func (e *ProcessingError) Is(target error) bool {
	return target == ErrProcessing
}

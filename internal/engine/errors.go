package engine

import (
	"errors"
	"fmt"
)

// RuntimeError is an error detected while handling an input. None of them
// is fatal; the loop logs and continues.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// SessionID identifies the instance session the input hit.
	SessionID string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeMalformedRecord indicates a log record failed its grammar.
	ErrCodeMalformedRecord RuntimeErrorCode = "MALFORMED_RECORD"

	// ErrCodeMalformedFrame indicates a protocol frame lacked parameters.
	ErrCodeMalformedFrame RuntimeErrorCode = "MALFORMED_FRAME"

	// ErrCodeUnknownInput indicates an input type with no handler.
	ErrCodeUnknownInput RuntimeErrorCode = "UNKNOWN_INPUT"

	// ErrCodePersistFailed indicates the event log rejected a write.
	ErrCodePersistFailed RuntimeErrorCode = "PERSIST_FAILED"
)

func (e *RuntimeError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s: %s (session=%s)", e.Code, e.Message, e.SessionID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsMalformedError returns true for malformed records and frames.
// Uses errors.As to handle wrapped errors.
func IsMalformedError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeMalformedRecord || re.Code == ErrCodeMalformedFrame
	}
	return false
}

// IsPersistError returns true if the event log rejected a write.
func IsPersistError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodePersistFailed
	}
	return false
}

func newRuntimeError(code RuntimeErrorCode, sessionID string, err error) *RuntimeError {
	return &RuntimeError{
		Code:      code,
		Message:   err.Error(),
		SessionID: sessionID,
		Err:       err,
	}
}

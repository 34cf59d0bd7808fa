// Package apperror provides the error codes shared by the HTTP API and the
// batch processor.
package apperror

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode is a stable, machine readable error identifier.
type ErrorCode string

const (
	ErrCodeInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrCodeEmptyBatch       ErrorCode = "EMPTY_BATCH"
	ErrCodeUnknownWSURL     ErrorCode = "UNKNOWN_WS_URL"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeQueueFull        ErrorCode = "QUEUE_FULL"
	ErrCodeStorage          ErrorCode = "STORAGE_ERROR"
	ErrCodeRegistryRejected ErrorCode = "RNDC_REJECTED"
	ErrCodeRegistryNetwork  ErrorCode = "RNDC_NETWORK"
	ErrCodeRegistryResponse ErrorCode = "RNDC_BAD_RESPONSE"
	ErrCodeImportFailed     ErrorCode = "IMPORT_FAILED"
)

// StandardError is a structured application error.
type StandardError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a non-retryable StandardError.
func New(code ErrorCode, message, details string) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

// NewRetryable creates a retryable StandardError wrapping err.
func NewRetryable(code ErrorCode, message string, err error) *StandardError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// CodeOf returns the code carried by err, or fallback when err is not a StandardError.
func CodeOf(err error, fallback ErrorCode) ErrorCode {
	var se *StandardError
	if errors.As(err, &se) {
		return se.Code
	}
	return fallback
}

// IsRetryable reports whether err is a retryable StandardError.
func IsRetryable(err error) bool {
	var se *StandardError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

package domain

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an error for callers and for the API surface.
// Codes are stable strings; handlers map them to HTTP statuses and the
// audit log records them verbatim.
type ErrorCode string

const (
	ErrConfig         ErrorCode = "CONFIG_ERROR"
	ErrUnknownAction  ErrorCode = "UNKNOWN_ACTION"
	ErrUnknownSleeve  ErrorCode = "UNKNOWN_SLEEVE"
	ErrRuleViolation  ErrorCode = "RULE_VIOLATION"
	ErrDataStale      ErrorCode = "DATA_STALE"
	ErrNoData         ErrorCode = "NO_DATA"
	ErrInvalidData    ErrorCode = "INVALID_DATA"
	ErrBackpressure   ErrorCode = "BACKPRESSURE"
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrBrokerReject   ErrorCode = "BROKER_REJECT"
	ErrReconciliation ErrorCode = "RECONCILIATION_MISMATCH"
	ErrInvariant      ErrorCode = "INVARIANT_VIOLATION"
	ErrDuplicate      ErrorCode = "DUPLICATE"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrExitFailed     ErrorCode = "EXIT_FAILED"
)

// Recoverable reports whether callers are expected to handle the error and
// continue. Unrecoverable codes halt the owning component.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case ErrConfig, ErrInvariant:
		return false
	}
	return true
}

// CodedError is an error with a stable code and optional clause citations.
type CodedError struct {
	Code       ErrorCode
	Message    string
	ClauseRefs []string
	Err        error
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error, if any.
func (e *CodedError) Unwrap() error {
	return e.Err
}

// Is matches errors by code so callers can use errors.Is with a sentinel
// created via NewError(code, "").
func (e *CodedError) Is(target error) bool {
	var t *CodedError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// NewError creates a coded error.
func NewError(code ErrorCode, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// Errorf creates a coded error with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps err with a code and message. Returns nil if err is nil.
func WrapError(code ErrorCode, err error, message string) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Message: message, Err: err}
}

// CodeOf walks the error chain and returns the first error code found,
// or the empty string if the chain carries none.
func CodeOf(err error) ErrorCode {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// HasCode reports whether any error in the chain carries the given code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var coded *CodedError
		if !errors.As(err, &coded) {
			return false
		}
		if coded.Code == code {
			return true
		}
		err = coded.Unwrap()
	}
	return false
}

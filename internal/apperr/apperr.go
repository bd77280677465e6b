// Package apperr defines the closed error taxonomy shared by every layer of
// the server. Component boundaries above the Script Runner never swallow an
// *AppError; they attach a Suggestion where a deterministic recovery exists.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a closed set of error identifiers. No free-text error codes are
// permitted past the Response Shaper boundary.
type Code string

const (
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeNotFound        Code = "NOT_FOUND"
	CodeMultipleMatches Code = "MULTIPLE_MATCHES"

	CodeScriptTooLarge Code = "SCRIPT_TOO_LARGE"
	CodeInvalidJSON    Code = "INVALID_JSON"
	CodeScriptFailed   Code = "SCRIPT_FAILED"
	CodeSpawnFailed    Code = "SPAWN_FAILED"
	CodeTimeout        Code = "TIMEOUT"

	CodeConnectionLost      Code = "CONNECTION_LOST"
	CodeAppUnreachable      Code = "APP_UNREACHABLE"
	CodeDocUnreachable      Code = "DOC_UNREACHABLE"
	CodeCollectionUnreach   Code = "COLLECTION_UNREACHABLE"
	CodeExecFailingDespite  Code = "EXECUTION_FAILING_DESPITE_HEALTH"
	CodeBridgeMismatch      Code = "BRIDGE_READBACK_MISMATCH"
	CodePermissionDenied    Code = "PERMISSION_DENIED"
	CodeDiskFull            Code = "DISK_FULL"
	CodePathNotFound        Code = "PATH_NOT_FOUND"
	CodeAtomicOperationFail Code = "ATOMIC_OPERATION_FAILED"
)

// AppError is the single error type passed between internal components.
// Mirrors the reconstructed jordigilh-kubernaut internal/errors API: a typed
// code, a human message, optional details, an optional cause, and an
// in-place WithDetails mutator for attaching context while propagating.
type AppError struct {
	Code       Code
	Message    string
	Details    string
	Suggestion string
	Cause      error
}

func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(err error, code Code, message string) *AppError {
	return &AppError{Code: code, Message: message, Cause: err}
}

func Wrapf(err error, code Code, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails mutates e in place and returns it, for fluent chaining at the
// point an error is constructed or re-raised.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

func (e *AppError) WithSuggestion(suggestion string) *AppError {
	e.Suggestion = suggestion
	return e
}

// IsCode reports whether err is an *AppError (anywhere in its chain) with
// the given code.
func IsCode(err error, code Code) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// As extracts the first *AppError in err's chain, if any.
func As(err error) (*AppError, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

func NewValidation(message string) *AppError {
	return New(CodeValidation, message)
}

func NewNotFound(entity string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", entity))
}

func NewMultipleMatches(message string) *AppError {
	return New(CodeMultipleMatches, message)
}

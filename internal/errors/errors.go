// Package errors provides the coded application error used across the
// service. Codes decide how a failure is surfaced: caller errors are
// rejections, configuration errors need an administrator, conflicts are
// safe to retry and everything else is an unexpected failure.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an AppError.
type Code string

const (
	ErrCodeInvalidInput  Code = "INVALID_INPUT"
	ErrCodeInvalidAction Code = "INVALID_ACTION"
	ErrCodeNotFound      Code = "NOT_FOUND"
	ErrCodeForbidden     Code = "FORBIDDEN"
	ErrCodeConfiguration Code = "CONFIGURATION"
	ErrCodeConflict      Code = "CONFLICT"
	ErrCodeInternal      Code = "INTERNAL"
)

// AppError is an error carrying a Code and an optional cause.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// New creates an AppError without a cause.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err. An err that already carries a
// code keeps it, so wrapping deeper in the stack never downgrades a
// configuration error into an internal one.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	var app *AppError
	if stderrors.As(err, &app) {
		code = app.Code
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource string, id any) *AppError {
	return Newf(ErrCodeNotFound, "%s %v not found", resource, id)
}

// InvalidInput reports a malformed field.
func InvalidInput(field, message string) *AppError {
	return Newf(ErrCodeInvalidInput, "invalid %s: %s", field, message)
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) Code {
	var app *AppError
	if stderrors.As(err, &app) {
		return app.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// As is errors.As, re-exported so callers need a single import.
func As(err error, target any) bool { return stderrors.As(err, target) }

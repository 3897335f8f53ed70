// Package errors provides coded application errors shared by the service
// layers and mapped onto HTTP and gRPC status codes by the handlers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an error for transport mapping.
type Code string

const (
	ErrCodeNotFound           Code = "NOT_FOUND"
	ErrCodeConflict           Code = "CONFLICT"
	ErrCodeInvalidInput       Code = "INVALID_INPUT"
	ErrCodeUnauthorized       Code = "UNAUTHORIZED"
	ErrCodeForbidden          Code = "FORBIDDEN"
	ErrCodeFailedPrecondition Code = "FAILED_PRECONDITION"
	ErrCodeAlreadyExists      Code = "ALREADY_EXISTS"
	ErrCodeInternal           Code = "INTERNAL"
)

// Error is an application error carrying a Code and an optional cause.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, msg)
	}
	if e.Err != nil && msg != "" {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with a format string.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// InvalidInput reports a validation failure on a single field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Field: field, Message: message}
}

// CodeOf returns the code of the outermost *Error in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) Code {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is and As re-export the standard library helpers so callers only need
// one errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

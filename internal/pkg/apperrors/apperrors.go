// Package apperrors provides the standardized error taxonomy shared by the
// chaincode, gateway, and transport layers.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the stable categories every layer
// agrees on. Kinds survive serialization across the ledger boundary so the
// gateway can re-surface chaincode failures verbatim.
type Kind string

const (
	KindUnauthenticated   Kind = "UNAUTHENTICATED"
	KindNotAuthorized     Kind = "NOT_AUTHORIZED"
	KindNotFound          Kind = "NOT_FOUND"
	KindInvalidArgument   Kind = "INVALID_ARGUMENT"
	KindInvalidState      Kind = "INVALID_STATE"
	KindConflict          Kind = "CONFLICT"
	KindDependencyFailure Kind = "DEPENDENCY_FAILURE"
	KindInternal          Kind = "INTERNAL"
)

// AppError is the error type carried through the service. It implements
// error and maps onto a stable HTTP status.
type AppError struct {
	Kind    Kind   `json:"code"`
	Message string `json:"message"`
	err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *AppError) Unwrap() error {
	return e.err
}

// Is matches two AppErrors by kind so sentinel comparisons work.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// HTTPStatus returns the stable HTTP status for the error kind.
func (e *AppError) HTTPStatus() int {
	switch e.Kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindNotAuthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindInvalidState, KindConflict:
		return http.StatusConflict
	case KindDependencyFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates an AppError with the given kind and message.
func New(kind Kind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an AppError that retains the underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...), err: err}
}

// Convenience constructors for the common kinds.

func Unauthenticated(format string, args ...any) *AppError {
	return New(KindUnauthenticated, format, args...)
}

func NotAuthorized(format string, args ...any) *AppError {
	return New(KindNotAuthorized, format, args...)
}

func NotFound(format string, args ...any) *AppError {
	return New(KindNotFound, format, args...)
}

func InvalidArgument(format string, args ...any) *AppError {
	return New(KindInvalidArgument, format, args...)
}

func InvalidState(format string, args ...any) *AppError {
	return New(KindInvalidState, format, args...)
}

func Conflict(format string, args ...any) *AppError {
	return New(KindConflict, format, args...)
}

func DependencyFailure(err error, format string, args ...any) *AppError {
	return Wrap(KindDependencyFailure, err, format, args...)
}

func Internal(err error, format string, args ...any) *AppError {
	return Wrap(KindInternal, err, format, args...)
}

// As converts any error to an AppError. Unknown errors become INTERNAL so
// callers never leak raw error strings with an unmapped status.
func As(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return &AppError{Kind: KindInternal, Message: "an internal error occurred", err: err}
}

// KindOf returns the kind of an error, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	return As(err).Kind
}

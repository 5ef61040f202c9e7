// Package errors defines the AppError carried from the domain layers to the
// HTTP boundary. Every AppError has a stable code, an HTTP status and a
// retryable flag telling clients whether refetch-and-resubmit can succeed.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeNotFound           = "RESOURCE_NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeStaleWrite         = "STALE_WRITE"
	CodeIllegalTransition  = "ILLEGAL_TRANSITION"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeBadRequest         = "BAD_REQUEST"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeTimeout            = "TIMEOUT"
)

// AppError is the error shape written to API clients
type AppError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	Retryable  bool              `json:"retryable"`
	HTTPStatus int               `json:"-"`
	Err        error             `json:"-"`
}

func (e *AppError) Error() string {
	msg := e.Code + ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails merges details into the error
func (e *AppError) WithDetails(details map[string]string) *AppError {
	for k, v := range details {
		e.WithDetail(k, v)
	}
	return e
}

func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string, 2)
	}
	e.Details[key] = value
	return e
}

// Wrap records err as the cause
func (e *AppError) Wrap(err error) *AppError {
	e.Err = err
	return e
}

func NewAppError(code string, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func retryable(e *AppError) *AppError {
	e.Retryable = true
	return e
}

func orDefault(message, fallback string) string {
	if message == "" {
		return fallback
	}
	return message
}

func ErrValidation(message string) *AppError {
	return NewAppError(CodeValidationError, message, http.StatusBadRequest)
}

// ErrValidationWithFields reports per-field failures in Details
func ErrValidationWithFields(message string, fields map[string]string) *AppError {
	return ErrValidation(message).WithDetails(fields)
}

func ErrBadRequest(message string) *AppError {
	return NewAppError(CodeBadRequest, message, http.StatusBadRequest)
}

func ErrNotFound(resource string) *AppError {
	return NewAppError(CodeNotFound, resource+" not found", http.StatusNotFound)
}

func ErrNotFoundWithID(resource, id string) *AppError {
	return ErrNotFound(resource).WithDetail("id", id)
}

func ErrConflict(message string) *AppError {
	return NewAppError(CodeConflict, message, http.StatusConflict)
}

// ErrStaleWrite reports a guarded write whose expected state no longer
// holds. The client should refetch and resubmit.
func ErrStaleWrite(message string) *AppError {
	return retryable(NewAppError(CodeStaleWrite,
		orDefault(message, "the order changed since it was loaded; refresh and retry"),
		http.StatusConflict))
}

// ErrIllegalTransition reports a move the order state machine never allows
func ErrIllegalTransition(from, to string) *AppError {
	e := NewAppError(CodeIllegalTransition,
		fmt.Sprintf("transition from %s to %s is not allowed", from, to),
		http.StatusUnprocessableEntity)
	return e.WithDetails(map[string]string{"from": from, "to": to})
}

func ErrUnauthorized(message string) *AppError {
	return NewAppError(CodeUnauthorized, orDefault(message, "authentication required"), http.StatusUnauthorized)
}

func ErrForbidden(message string) *AppError {
	return NewAppError(CodeForbidden, orDefault(message, "access denied"), http.StatusForbidden)
}

func ErrInternal(message string) *AppError {
	return NewAppError(CodeInternalError, orDefault(message, "an internal error occurred"), http.StatusInternalServerError)
}

func ErrServiceUnavailable(service string) *AppError {
	return retryable(NewAppError(CodeServiceUnavailable, service+" is temporarily unavailable", http.StatusServiceUnavailable))
}

func ErrTimeout(operation string) *AppError {
	return retryable(NewAppError(CodeTimeout, operation+" timed out", http.StatusGatewayTimeout))
}

// AsAppError finds the first AppError in err's chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}

func IsRetryable(err error) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Retryable
}

func HasCode(err error, code string) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}

// FromError returns the AppError in err's chain, or wraps err as internal
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := AsAppError(err); ok {
		return appErr
	}
	return ErrInternal("").Wrap(err)
}

// messageRules classify plain errors from drivers and libraries by message.
// The first match wins.
var messageRules = []struct {
	needles []string
	build   func(err error) *AppError
}{
	{[]string{"stale write"}, func(error) *AppError { return ErrStaleWrite("") }},
	{[]string{"illegal transition"}, func(err error) *AppError {
		return NewAppError(CodeIllegalTransition, err.Error(), http.StatusUnprocessableEntity)
	}},
	{[]string{"not found"}, func(error) *AppError { return ErrNotFound("resource") }},
	{[]string{"already exists"}, func(err error) *AppError { return ErrConflict(err.Error()) }},
	{[]string{"invalid", "required"}, func(err error) *AppError { return ErrValidation(err.Error()) }},
	{[]string{"forbidden", "permission denied"}, func(err error) *AppError { return ErrForbidden(err.Error()) }},
	{[]string{"timeout", "deadline exceeded"}, func(error) *AppError { return ErrTimeout("operation") }},
}

// MapDomainError converts any error to an AppError. Packages owning
// sentinel errors should map them with errors.Is before reaching here.
func MapDomainError(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := AsAppError(err); ok {
		return appErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout("operation").Wrap(err)
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range messageRules {
		for _, needle := range rule.needles {
			if strings.Contains(msg, needle) {
				return rule.build(err).Wrap(err)
			}
		}
	}
	return ErrInternal("").Wrap(err)
}

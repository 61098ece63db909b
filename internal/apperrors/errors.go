// Package apperrors maps service failures onto HTTP responses.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned in the JSON error body.
const (
	CodeBadRequest       = "BAD_REQUEST"
	CodeEventNotFound    = "EVENT_NOT_FOUND"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeInternal         = "INTERNAL_ERROR"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
)

// AppError is a structured application error with HTTP status and error code.
type AppError struct {
	// Code is a machine-readable error code (e.g., "EVENT_NOT_FOUND").
	Code string

	// Message is a human-readable error message.
	Message string

	// HTTPStatus is the corresponding HTTP status code.
	HTTPStatus int

	// Err is the wrapped underlying error.
	Err error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap wraps an existing error into an AppError.
func Wrap(err error, code, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// BadRequest creates a 400 error.
func BadRequest(message string) *AppError {
	return New(CodeBadRequest, message, http.StatusBadRequest)
}

// EventNotFound creates a 404 error for an unknown event id.
func EventNotFound(eventID string) *AppError {
	return New(CodeEventNotFound, fmt.Sprintf("event %q not found", eventID), http.StatusNotFound)
}

// StoreUnavailable creates a 503 error.
func StoreUnavailable(err error) *AppError {
	return Wrap(err, CodeStoreUnavailable, "event store unavailable", http.StatusServiceUnavailable)
}

// Internal creates a 500 error.
func Internal(err error, message string) *AppError {
	return Wrap(err, CodeInternal, message, http.StatusInternalServerError)
}

// As reports whether err is an AppError and returns it.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Package apierr carries the typed status errors shared by the HTTP
// handlers and the channel commands.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a status-coded error. The message is safe to show to clients.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// New creates an Error with an arbitrary status code.
func New(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

// BadRequest reports a malformed or invalid request (400).
func BadRequest(message string) *Error {
	return New(http.StatusBadRequest, message)
}

// Unauthorized reports a missing or rejected credential (401).
func Unauthorized(message string) *Error {
	return New(http.StatusUnauthorized, message)
}

// Forbidden reports an authenticated but disallowed action (403).
func Forbidden(message string) *Error {
	return New(http.StatusForbidden, message)
}

// NotFound reports a missing session, file or request (404).
func NotFound(message string) *Error {
	return New(http.StatusNotFound, message)
}

// Conflict reports a duplicate or already-running resource (409).
func Conflict(message string) *Error {
	return New(http.StatusConflict, message)
}

// TooMany reports an exhausted attempt or rate budget (429).
func TooMany(message string) *Error {
	return New(http.StatusTooManyRequests, message)
}

// Internal reports a store transport or encoding failure (500).
func Internal(message string) *Error {
	return New(http.StatusInternalServerError, message)
}

// StatusOf returns the HTTP status for err, or 500 for untyped errors.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	return http.StatusInternalServerError
}

// MessageOf returns the client-safe message for err. Untyped errors are
// masked so internals never leak into a response body.
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal server error"
}

// Package errors provides the hub's structured error taxonomy, shared by the HTTP side
// channel (status code mapping) and the WebSocket error frame.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error for metrics and response formatting.
type ErrorType string

const (
	// TypeProtocol is a malformed or unrecognized frame.
	TypeProtocol ErrorType = "protocol"
	// TypeAuth is an invalid bearer token at handshake (HTTP 401).
	TypeAuth ErrorType = "auth"
	// TypeCollector is a failed or timed-out fetch (HTTP 502).
	TypeCollector ErrorType = "collector"
	// TypeConnection is a broken transport.
	TypeConnection ErrorType = "connection"
	// TypeCapacity is a rejected connection because a limit was reached (HTTP 503).
	TypeCapacity ErrorType = "capacity"
	// TypeValidation indicates invalid input (HTTP 400)
	TypeValidation ErrorType = "validation"
	// TypeNotFound indicates resource not found (HTTP 404)
	TypeNotFound ErrorType = "not_found"
	// TypeInternal indicates server-side error (HTTP 500)
	TypeInternal ErrorType = "internal"
)

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeProtocol, TypeValidation:
		return http.StatusBadRequest
	case TypeAuth:
		return http.StatusUnauthorized
	case TypeNotFound:
		return http.StatusNotFound
	case TypeCollector:
		return http.StatusBadGateway
	case TypeCapacity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    t,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// ProtocolError creates an error for a malformed or unexpected frame.
func ProtocolError(message string) *Error {
	return newError(TypeProtocol, message, nil)
}

// AuthError creates an error for a rejected bearer token.
func AuthError(message string, cause error) *Error {
	return newError(TypeAuth, message, cause)
}

// CollectorError creates an error for a failed fetch.
func CollectorError(message string, cause error) *Error {
	return newError(TypeCollector, message, cause)
}

// ConnectionError creates an error for a broken transport.
func ConnectionError(message string, cause error) *Error {
	return newError(TypeConnection, message, cause)
}

// CapacityExceeded creates an error for a connection rejected at accept time.
func CapacityExceeded(message string) *Error {
	return newError(TypeCapacity, message, nil)
}

// ValidationError creates a new validation error (HTTP 400).
func ValidationError(message string) *Error {
	return newError(TypeValidation, message, nil)
}

// NotFoundError creates a new not-found error (HTTP 404).
func NotFoundError(message string) *Error {
	return newError(TypeNotFound, message, nil)
}

// InternalError creates a new internal error (HTTP 500).
func InternalError(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

// WithContext adds context fields to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse is the JSON body of HTTP error responses and the data of WebSocket error frames.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

// ToResponse converts an Error to an ErrorResponse for JSON serialization.
func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Type:    e.Type,
		Context: e.Context,
	}
}

// AsStructuredError converts any error into a structured Error.
// If err is already an *Error, returns it unchanged.
// Otherwise wraps it as an internal error.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	return InternalError("internal server error", err)
}

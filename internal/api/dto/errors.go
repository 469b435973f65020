package dto

import (
	"ledger-recon-engine/pkg/errors"
)

// APIError represents a structured error response.
// All error responses from the API use this format.
type APIError struct {
	Success    bool           `json:"success"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Suggestion string         `json:"suggestion,omitempty"`
	Retryable  bool           `json:"retryable,omitempty"`
	Context    errors.Context `json:"context,omitempty"`
}

// Common error codes
const (
	ErrCodeNotFound      = "not_found"
	ErrCodeBadRequest    = "bad_request"
	ErrCodeInternalError = "internal_error"
)

// NewAPIError creates a new APIError with the given code and message.
func NewAPIError(code, message string) APIError {
	return APIError{Code: code, Message: message}
}

// FromError converts an application error into a response body. Internal and storage
// failures are reported without their details.
func FromError(err *errors.ReconcilerError) APIError {
	switch err.Category {
	case errors.CategoryInternal, errors.CategoryStorage:
		return InternalError()
	}
	return APIError{
		Code:       string(err.Code),
		Message:    err.Message,
		Suggestion: err.Suggestion,
		Retryable:  err.Retryable,
		Context:    err.Context,
	}
}

// NotFoundError creates a not found error response.
func NotFoundError(resource string) APIError {
	return NewAPIError(ErrCodeNotFound, resource+" not found")
}

// BadRequestError creates a bad request error response.
func BadRequestError(message string) APIError {
	return NewAPIError(ErrCodeBadRequest, message)
}

// InternalError creates an internal server error response.
func InternalError() APIError {
	return NewAPIError(ErrCodeInternalError, "an internal error occurred")
}

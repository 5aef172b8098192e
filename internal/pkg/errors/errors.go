// Package errors provides standardized API error types.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// APIError represents a standardized API error response.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Details    any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// WithDetails returns a copy of the error with additional details.
func (e *APIError) WithDetails(details any) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    e.Message,
		StatusCode: e.StatusCode,
		Details:    details,
	}
}

// WithMessage returns a copy of the error with a custom message.
func (e *APIError) WithMessage(message string) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    message,
		StatusCode: e.StatusCode,
		Details:    e.Details,
	}
}

// Standard error definitions
var (
	// ErrUnauthorized is returned when authentication is required but missing or invalid.
	ErrUnauthorized = &APIError{
		Code:       "unauthorized",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = &APIError{
		Code:       "not_found",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	// ErrBadRequest is returned when the request is malformed.
	ErrBadRequest = &APIError{
		Code:       "bad_request",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	// ErrRateLimited is returned when rate limits are exceeded.
	ErrRateLimited = &APIError{
		Code:       "rate_limited",
		Message:    "Too many requests. Please try again later.",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrInternal is returned for unexpected server errors.
	ErrInternal = &APIError{
		Code:       "internal_error",
		Message:    "An internal error occurred",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrConflict is returned when a resource already exists.
	ErrConflict = &APIError{
		Code:       "conflict",
		Message:    "Resource already exists",
		StatusCode: http.StatusConflict,
	}

	// ErrServiceUnavailable is returned when a dependent service is unavailable.
	ErrServiceUnavailable = &APIError{
		Code:       "service_unavailable",
		Message:    "Service temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
	}
)

// Health-data pipeline errors.
var (
	// ErrConsentRequired is returned when a gated operation runs without granted consent.
	ErrConsentRequired = &APIError{
		Code:       "consent_required",
		Message:    "Consent to the current privacy policy is required",
		StatusCode: http.StatusForbidden,
	}

	// ErrInvalidReading is returned when a reading fails validation. Nothing is stored.
	ErrInvalidReading = &APIError{
		Code:       "invalid_reading",
		Message:    "Reading is invalid",
		StatusCode: http.StatusUnprocessableEntity,
	}

	// ErrStalePolicyVersion is returned when a consent targets an outdated policy.
	ErrStalePolicyVersion = &APIError{
		Code:       "stale_policy_version",
		Message:    "Policy version is not current",
		StatusCode: http.StatusConflict,
	}

	// ErrErasurePartialFailure is returned when an erasure step failed. Retrying
	// the whole erasure is safe.
	ErrErasurePartialFailure = &APIError{
		Code:       "erasure_partial_failure",
		Message:    "Erasure did not complete; retry the request",
		StatusCode: http.StatusServiceUnavailable,
	}

	// ErrDisclaimerUnavailable is returned when no disclaimer text is loaded.
	ErrDisclaimerUnavailable = &APIError{
		Code:       "disclaimer_unavailable",
		Message:    "Disclaimer is not available",
		StatusCode: http.StatusServiceUnavailable,
	}

	// ErrUserErased is returned for any operation on an erased account.
	ErrUserErased = &APIError{
		Code:       "user_erased",
		Message:    "Account data has been erased",
		StatusCode: http.StatusGone,
	}

	// ErrLockTimeout is returned when a per-user exclusive section could not be entered in time.
	ErrLockTimeout = &APIError{
		Code:       "lock_timeout",
		Message:    "Another operation on this account is in progress",
		StatusCode: http.StatusServiceUnavailable,
	}
)

// NewInvalidReadingError creates an invalid reading error for a specific field.
func NewInvalidReadingError(field, message string) *APIError {
	return &APIError{
		Code:       ErrInvalidReading.Code,
		Message:    fmt.Sprintf("Invalid reading: %s", message),
		StatusCode: ErrInvalidReading.StatusCode,
		Details: map[string]string{
			"field": field,
			"error": message,
		},
	}
}

// NewStalePolicyError creates a stale policy error carrying the version the
// caller must consent to.
func NewStalePolicyError(current int) *APIError {
	return ErrStalePolicyVersion.WithDetails(map[string]int{"current_version": current})
}

// Is reports whether target carries the same code. Copies made with
// WithMessage or WithDetails match their sentinel.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewValidationError creates a validation error for a specific field.
func NewValidationError(field, message string) *APIError {
	return &APIError{
		Code:       "validation_error",
		Message:    fmt.Sprintf("Validation failed: %s", message),
		StatusCode: http.StatusBadRequest,
		Details: map[string]string{
			"field": field,
			"error": message,
		},
	}
}

// NewValidationErrors creates a validation error with multiple field errors.
func NewValidationErrors(errors map[string]string) *APIError {
	return &APIError{
		Code:       "validation_error",
		Message:    "One or more fields failed validation",
		StatusCode: http.StatusBadRequest,
		Details:    errors,
	}
}

// NewNotFoundError creates a not found error for a specific resource type.
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Code:       "not_found",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

// NewConflictError creates a conflict error with a custom message.
func NewConflictError(message string) *APIError {
	return &APIError{
		Code:       "conflict",
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

// IsAPIError checks if an error is, or wraps, an APIError.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return stderrors.As(err, &apiErr)
}

// AsAPIError converts an error to an APIError if possible.
// Returns ErrInternal if the error is not an APIError.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}
	return ErrInternal
}


// Package response writes the JSON envelope of the health-data API.
package response

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	apierrors "github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/errors"
)

// retryAfterSeconds is sent with errors the client should simply retry.
const retryAfterSeconds = 5

// Response is the envelope of every JSON body. Exactly one of Data and Error
// is set.
type Response struct {
	Data  any `json:"data,omitempty"`
	Error any `json:"error,omitempty"`
}

// JSON writes data in the envelope with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Response{Data: data}); err != nil {
		slog.Default().Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// OK writes a 200 OK response.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Created writes a 201 Created response.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// Error writes err as an API error. Errors that are not API errors become
// internal_error and their cause is logged, never sent.
func Error(w http.ResponseWriter, err error) {
	apiErr := apierrors.AsAPIError(err)
	if apiErr.StatusCode >= http.StatusInternalServerError && !apierrors.IsAPIError(err) {
		slog.Default().Error("request failed", slog.String("error", err.Error()))
	}
	if retryable(apiErr) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode)
	_ = json.NewEncoder(w).Encode(Response{Error: apiErr})
}

func retryable(e *apierrors.APIError) bool {
	return e.Is(apierrors.ErrLockTimeout) ||
		e.Is(apierrors.ErrErasurePartialFailure) ||
		e.Is(apierrors.ErrServiceUnavailable)
}

// NotFound writes a 404 Not Found error response.
func NotFound(w http.ResponseWriter, resource string) {
	Error(w, apierrors.NewNotFoundError(resource))
}

// ValidationErrors writes a 400 validation error response with multiple field errors.
func ValidationErrors(w http.ResponseWriter, errors map[string]string) {
	Error(w, apierrors.NewValidationErrors(errors))
}

// Attachment starts a 200 download response. The caller writes the body.
func Attachment(w http.ResponseWriter, contentType, filename string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// Package api provides the JSON API handlers and shared HTTP utilities:
// the error envelope, the request security context, and response headers
// carrying encrypted key material.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/odinfed/odinfed-go/internal/errs"
)

// Deterministic reason codes for stable error classification.
const (
	ReasonUnauthenticated = "unauthenticated"
	ReasonAccessDenied    = "access_denied"
	ReasonBadRequest      = "bad_request"
	ReasonNotFound        = "not_found"
	ReasonInternalError   = "internal_error"
)

// ErrorEnvelope is the standard error response format.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error information.
type ErrorDetail struct {
	Code       string `json:"code"`        // HTTP status text
	ReasonCode string `json:"reason_code"` // deterministic reason code
	Message    string `json:"message"`     // human-readable message
}

// WriteError writes a standardized JSON error response.
func WriteError(w http.ResponseWriter, statusCode int, reasonCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorEnvelope{
		Error: ErrorDetail{
			Code:       http.StatusText(statusCode),
			ReasonCode: reasonCode,
			Message:    message,
		},
	})
}

// WriteUnauthorized writes a 401 Unauthorized error.
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, ReasonUnauthenticated, message)
}

// WriteBadRequest writes a 400 Bad Request error.
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, ReasonBadRequest, message)
}

// WriteDomainError maps the core error taxonomy to HTTP: security errors
// become 403, client errors 400 with their code as the reason (404 for
// missing files), everything else 500 with no internal detail leaked.
func WriteDomainError(w http.ResponseWriter, err error) {
	var se *errs.SecurityError
	if errors.As(err, &se) {
		WriteError(w, http.StatusForbidden, ReasonAccessDenied, se.Message)
		return
	}
	var ce *errs.ClientError
	if errors.As(err, &ce) {
		status := http.StatusBadRequest
		if ce.Code == errs.CodeFileNotFound {
			status = http.StatusNotFound
		}
		WriteError(w, status, string(ce.Code), ce.Message)
		return
	}
	WriteError(w, http.StatusInternalServerError, ReasonInternalError, "internal error")
}

// WriteJSON writes a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

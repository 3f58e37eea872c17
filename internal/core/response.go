// Package core provides the HTTP chassis shared by all endpoints: response
// envelopes, request-id propagation, panic recovery, and the health probe
// surface.
package core

import (
	"encoding/json"
	"errors"
	"net/http"

	"coursedesk/internal/types"
)

// APIResponse is the envelope for successful responses.
type APIResponse struct {
	Data any `json:"data,omitempty"`
}

// APIErrorResponse is the envelope for error responses.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the structured error body returned to clients.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

func errorEnvelope(code types.ErrorCode, message string, details map[string]any, requestID string) APIErrorResponse {
	return APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			Details:   details,
			RequestID: requestID,
		},
	}
}

// JSON writes a JSON response with the given status code and body. A body
// that cannot be marshaled degrades to a 500 error envelope.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(errorEnvelope(
			types.ErrCodeInternalUnexpected,
			"failed to marshal response",
			nil,
			types.GetRequestID(r.Context()),
		))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error writes an error response. AppErrors map to their own HTTP status
// and expose code and message; any other error becomes an opaque 500 so
// internal details never leak to the provider.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := types.GetRequestID(r.Context())

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		JSON(w, r, http.StatusInternalServerError, errorEnvelope(
			types.ErrCodeInternalUnexpected,
			"an unexpected error occurred",
			nil,
			requestID,
		))
		return
	}

	JSON(w, r, appErr.HTTPStatus(), errorEnvelope(appErr.Code, appErr.Message, appErr.Details, requestID))
}

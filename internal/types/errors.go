package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. All handlers and repositories MUST use these
// constants instead of hardcoded strings so that retryability and HTTP
// status mapping stay deterministic.
const (
	// Validation (400)
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidPayload ErrorCode = "validation_invalid_payload"

	// Webhook authentication (401)
	ErrCodeWebhookSignatureMissing ErrorCode = "webhook_signature_missing"
	ErrCodeWebhookSignatureInvalid ErrorCode = "webhook_signature_invalid"

	// Not Found (404)
	ErrCodeNotFoundOrg  ErrorCode = "not_found_organization"
	ErrCodeNotFoundPlan ErrorCode = "not_found_plan"

	// Conflict (409)
	ErrCodeConflictConcurrent ErrorCode = "conflict_concurrent_modification"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamStripe      ErrorCode = "upstream_stripe_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	// ErrCodeUpstreamRejected marks a deterministic provider refusal
	// (card declined, invalid parameter). Retrying cannot change it.
	ErrCodeUpstreamRejected ErrorCode = "upstream_rejected_request"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "webhook_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case s == string(ErrCodeUpstreamRateLimited):
		return http.StatusBadGateway
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether an error with this code is worth retrying.
// Transient infrastructure failures (storage, upstream provider) retry;
// validation, authentication, not-found conditions, and deterministic
// provider refusals never do.
func (c ErrorCode) Retryable() bool {
	s := string(c)
	switch {
	case c == ErrCodeUpstreamRejected:
		return false
	case strings.HasPrefix(s, "upstream_"):
		return true
	case c == ErrCodeInternalDB:
		return true
	default:
		return false
	}
}

// AppError is the standard application error type used throughout the
// service. All domain and handler errors should be expressed as AppError
// to enable consistent error formatting, HTTP status mapping, and error
// chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// IsRetryable classifies an error for the retry controller. AppErrors defer
// to their code; any other error is treated as transient so that unexpected
// failures get the benefit of a retry before being recorded as permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code.Retryable()
	}
	return true
}

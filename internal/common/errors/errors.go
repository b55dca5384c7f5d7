// Package errors provides the error taxonomy shared across the solarbus
// fabric: validation and authorization failures surfaced by the sun,
// duplicate-commit no-ops from the idempotency engine, and the coordinator's
// aggregation failures.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeBadRequest           = "BAD_REQUEST"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeAuthorization        = "AUTHORIZATION_ERROR"
	ErrCodeDuplicateCommit      = "DUPLICATE_COMMIT"
	ErrCodeAggregationAmbiguity = "AGGREGATION_AMBIGUITY"
	ErrCodeDeliveryTimeout      = "DELIVERY_TIMEOUT"
	ErrCodeInternalError        = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validation creates a validation error for a specific envelope or progress
// field. Always rejected at write time, never partially committed.
func Validation(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Authorization creates a deny error for an identity lacking project
// membership. Deny is the default; callers must never downgrade this to a
// partial view.
func Authorization(identity string, projectID string) *AppError {
	return &AppError{
		Code:       ErrCodeAuthorization,
		Message:    fmt.Sprintf("identity '%s' is not authorized for project '%s'", identity, projectID),
		HTTPStatus: http.StatusForbidden,
	}
}

// DuplicateCommit marks a commit-marker key that is already processed.
// Treated as a no-op success by callers to preserve idempotence under retry.
func DuplicateCommit(key string) *AppError {
	return &AppError{
		Code:       ErrCodeDuplicateCommit,
		Message:    fmt.Sprintf("commit marker '%s' already processed", key),
		HTTPStatus: http.StatusOK,
	}
}

// AggregationAmbiguity reports sibling results the coordinator cannot
// reconcile. Surfaced as a needs_human transition, never auto-resolved.
func AggregationAmbiguity(taskID string, detail string) *AppError {
	return &AppError{
		Code:       ErrCodeAggregationAmbiguity,
		Message:    fmt.Sprintf("cannot reconcile sibling results for task '%s': %s", taskID, detail),
		HTTPStatus: http.StatusConflict,
	}
}

// DeliveryTimeout reports a sibling response set still incomplete past its
// window. Triggers coordinator escalation, not a crash.
func DeliveryTimeout(taskID string, window string) *AppError {
	return &AppError{
		Code:       ErrCodeDeliveryTimeout,
		Message:    fmt.Sprintf("no complete response for task '%s' within %s", taskID, window),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsValidation checks if the error is a validation rejection.
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation) || hasCode(err, ErrCodeBadRequest)
}

// IsAuthorization checks if the error is an authorization deny.
func IsAuthorization(err error) bool {
	return hasCode(err, ErrCodeAuthorization)
}

// IsDuplicateCommit checks if the error marks an already-processed commit
// marker. Callers treat it as success.
func IsDuplicateCommit(err error) bool {
	return hasCode(err, ErrCodeDuplicateCommit)
}

// IsAggregationAmbiguity checks if the error is an unresolvable fan-in.
func IsAggregationAmbiguity(err error) bool {
	return hasCode(err, ErrCodeAggregationAmbiguity)
}

// IsDeliveryTimeout checks if the error is an expired delivery window.
func IsDeliveryTimeout(err error) bool {
	return hasCode(err, ErrCodeDeliveryTimeout)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

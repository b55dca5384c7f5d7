package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes returned by the fabric gateway.
const (
	CodeNotFound      = "NOT_FOUND"
	CodeBadRequest    = "BAD_REQUEST"
	CodeValidation    = "VALIDATION_ERROR"
	CodeAuthorization = "AUTHORIZATION_ERROR"
	CodeInternal      = "INTERNAL_ERROR"
	CodeUnavailable   = "SERVICE_UNAVAILABLE"
)

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (http %d): %s", e.Code, e.Status, e.Message)
}

// decodeAPIError builds an APIError from a response body. Bodies that are
// not the gateway's error shape are kept verbatim as the message.
func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	if apiErr.Code == "" {
		apiErr.Code = CodeInternal
	}
	return apiErr
}

// IsNotFound reports whether err is a 404 from the gateway.
func IsNotFound(err error) bool {
	return hasCode(err, CodeNotFound)
}

// IsAuthorization reports whether err is a membership denial.
func IsAuthorization(err error) bool {
	return hasCode(err, CodeAuthorization)
}

// IsValidation reports whether err is a rejected request.
func IsValidation(err error) bool {
	return hasCode(err, CodeValidation) || hasCode(err, CodeBadRequest)
}

func hasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Package errors defines the client-visible error taxonomy for the gateway.
package errors

import (
	"encoding/json"
	"errors"
)

// Taxonomy types. Every client-visible error carries one of these.
const (
	TypeAuthentication = "authentication_error"
	TypeOverloaded     = "overloaded_error"
	TypeInvalidRequest = "invalid_request_error"
	TypePermission     = "permission_error"
	TypeAPI            = "api_error"
)

// GatewayError is a classified error ready for the wire.
type GatewayError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	// RetryAfterSec is emitted as a Retry-After header on 503 responses.
	RetryAfterSec int64 `json:"-"`
	// AccountEmail names the account that produced an auth failure.
	AccountEmail string `json:"-"`
}

func (e *GatewayError) Error() string {
	return e.Message
}

// ToJSON renders the wire shape {type:"error", error:{type, message}}.
func (e *GatewayError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

// MarshalJSON implements json.Marshaler
func (e *GatewayError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// NewAuthenticationError creates a 401 authentication error.
func NewAuthenticationError(message, accountEmail string) *GatewayError {
	return &GatewayError{
		Type:         TypeAuthentication,
		Message:      message,
		Status:       401,
		AccountEmail: accountEmail,
	}
}

// NewOverloadedError creates a 503 overloaded error with a Retry-After
// hint in seconds.
func NewOverloadedError(message string, retryAfterSec int64) *GatewayError {
	return &GatewayError{
		Type:          TypeOverloaded,
		Message:       message,
		Status:        503,
		RetryAfterSec: retryAfterSec,
	}
}

// NewInvalidRequestError creates a 400 validation error.
func NewInvalidRequestError(message string) *GatewayError {
	return &GatewayError{
		Type:    TypeInvalidRequest,
		Message: message,
		Status:  400,
	}
}

// NewPermissionError creates a 403 permission error.
func NewPermissionError(message string) *GatewayError {
	return &GatewayError{
		Type:    TypePermission,
		Message: message,
		Status:  403,
	}
}

// NewAPIError creates a generic upstream error with the given status.
func NewAPIError(message string, status int) *GatewayError {
	return &GatewayError{
		Type:    TypeAPI,
		Message: message,
		Status:  status,
	}
}

// AsGatewayError extracts a *GatewayError from an error chain, or wraps
// the error as a generic 500 api_error.
func AsGatewayError(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return NewAPIError(err.Error(), 500)
}

// HTTPStatus returns the HTTP status for any error.
func HTTPStatus(err error) int {
	return AsGatewayError(err).Status
}

package provider

import (
	"errors"
	"fmt"
)

// ErrProviderNotConfigured is returned by gateways whose credentials are missing.
var ErrProviderNotConfigured = errors.New("provider not configured")

// ErrNotSupported is returned for capabilities a provider does not offer.
var ErrNotSupported = errors.New("operation not supported by provider")

// Common error types
type ProviderError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	ProviderErr string `json:"provider_error,omitempty"`
	// Retryable marks transport failures and 5xx answers.
	Retryable bool `json:"-"`
}

func (e *ProviderError) Error() string {
	if e.ProviderErr != "" {
		return e.Message + ": " + e.ProviderErr
	}
	return e.Message
}

// Error codes
const (
	ErrInvalidCredentials = "invalid_credentials"
	ErrInvalidAmount      = "invalid_amount"
	ErrProviderTimeout    = "provider_timeout"
	ErrProviderDown       = "provider_down"
	ErrRejected           = "rejected"
	ErrBadResponse        = "bad_response"
	ErrUnknownError       = "unknown_error"
)

// Rejected builds a ProviderError for a well-formed negative answer.
func Rejected(code any, msg string) *ProviderError {
	return &ProviderError{Code: ErrRejected, Message: msg, ProviderErr: fmt.Sprint(code)}
}

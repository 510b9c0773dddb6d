// Package frappe implements the OAuth 2.0 client for Frappe Assistant Core
// deployments: endpoint discovery, dynamic client registration, the PKCE
// authorization code flow, and token exchange/refresh against the site's
// token endpoint.
package frappe

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuthError represents an OAuth-specific error returned by the authorization
// server (RFC 6749 §5.2 error payloads).
type OAuthError struct {
	// Code is the OAuth error code.
	Code string `json:"error"`
	// Description is a human-readable description of the error.
	Description string `json:"error_description,omitempty"`
	// URI is a URI identifying a human-readable web page with information about the error.
	URI string `json:"error_uri,omitempty"`
	// StatusCode is the HTTP status code associated with the error.
	StatusCode int `json:"-"`
}

// Error returns a string representation of the OAuth error.
func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("OAuth error %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("OAuth error: %s", e.Code)
}

// NewOAuthError creates a new OAuth error with the specified code, description, and status code.
func NewOAuthError(code, description string, statusCode int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		StatusCode:  statusCode,
	}
}

// AuthenticationError represents authentication-related errors. Type carries
// the machine-readable kind callers branch on; Message is the human-readable
// explanation surfaced to the user.
type AuthenticationError struct {
	// Type is the type of authentication error.
	Type string `json:"type"`
	// Message is a human-readable message describing the error.
	Message string `json:"message"`
	// Code is the HTTP status code associated with the error.
	Code int `json:"code"`
	// Cause is the underlying error that caused this authentication error.
	Cause error `json:"-"`
}

// Error returns a string representation of the authentication error.
func (e *AuthenticationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *AuthenticationError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AuthenticationError of the same Type, so
// sentinel comparisons like errors.Is(err, ErrStateMismatch) work on wrapped
// instances.
func (e *AuthenticationError) Is(target error) bool {
	var other *AuthenticationError
	if !errors.As(target, &other) {
		return false
	}
	return e.Type == other.Type
}

// Base error values, one per failure kind of the authorization and bridge
// flows. Wrap them with NewAuthenticationError to attach a cause.
var (
	// ErrDiscoveryError reports an unreachable, malformed, or incomplete
	// discovery document.
	ErrDiscoveryError = &AuthenticationError{
		Type:    "discovery_error",
		Message: "Failed to discover OAuth endpoints for the site",
		Code:    http.StatusBadGateway,
	}

	// ErrRegistrationUnsupported reports that the server does not offer
	// dynamic client registration; a pre-provisioned client id is required.
	ErrRegistrationUnsupported = &AuthenticationError{
		Type:    "registration_unsupported",
		Message: "Server does not support dynamic client registration",
		Code:    http.StatusNotImplemented,
	}

	// ErrAuthorizationDenied reports that the user declined the authorization
	// request.
	ErrAuthorizationDenied = &AuthenticationError{
		Type:    "authorization_denied",
		Message: "Authorization request was denied",
		Code:    http.StatusForbidden,
	}

	// ErrStateMismatch reports a callback whose state does not match the
	// pending authorization attempt. Treated as a forgery attempt; never
	// retried.
	ErrStateMismatch = &AuthenticationError{
		Type:    "state_mismatch",
		Message: "OAuth state parameter does not match the pending authorization",
		Code:    http.StatusBadRequest,
	}

	// ErrCodeExchangeFailed reports a failed authorization-code exchange.
	ErrCodeExchangeFailed = &AuthenticationError{
		Type:    "code_exchange_error",
		Message: "Failed to exchange authorization code for tokens",
		Code:    http.StatusBadRequest,
	}

	// ErrReauthorizationRequired reports that stored credentials are no longer
	// usable and the user must run the authorization flow again.
	ErrReauthorizationRequired = &AuthenticationError{
		Type:    "reauthorization_required",
		Message: "Stored credentials are invalid; re-run the login flow",
		Code:    http.StatusUnauthorized,
	}

	// ErrAuthenticationFailed reports that the remote endpoint rejected the
	// bearer token twice in a row.
	ErrAuthenticationFailed = &AuthenticationError{
		Type:    "authentication_failed",
		Message: "Remote endpoint rejected the access token",
		Code:    http.StatusUnauthorized,
	}

	// ErrTimeout reports that a bounded wait elapsed before the server
	// answered.
	ErrTimeout = &AuthenticationError{
		Type:    "timeout",
		Message: "Timed out waiting for the server",
		Code:    http.StatusRequestTimeout,
	}

	// ErrCancelled reports a user- or context-cancelled attempt.
	ErrCancelled = &AuthenticationError{
		Type:    "cancelled",
		Message: "Authorization attempt was cancelled",
		Code:    499,
	}

	// ErrTransportError reports generic connectivity failure.
	ErrTransportError = &AuthenticationError{
		Type:    "transport_error",
		Message: "Could not reach the server",
		Code:    http.StatusBadGateway,
	}

	// ErrServerStartFailed reports that the OAuth callback server could not start.
	ErrServerStartFailed = &AuthenticationError{
		Type:    "server_start_failed",
		Message: "Failed to start OAuth callback server",
		Code:    http.StatusInternalServerError,
	}

	// ErrPortInUse reports that the OAuth callback port is already taken.
	ErrPortInUse = &AuthenticationError{
		Type:    "port_in_use",
		Message: "OAuth callback port is already in use",
		Code:    13, // Special exit code for port-in-use
	}

	// ErrCallbackTimeout reports that no OAuth callback arrived in time.
	ErrCallbackTimeout = &AuthenticationError{
		Type:    "callback_timeout",
		Message: "Timeout waiting for OAuth callback",
		Code:    http.StatusRequestTimeout,
	}
)

// NewAuthenticationError creates a new authentication error with a cause based on a base error.
func NewAuthenticationError(baseErr *AuthenticationError, cause error) *AuthenticationError {
	return &AuthenticationError{
		Type:    baseErr.Type,
		Message: baseErr.Message,
		Code:    baseErr.Code,
		Cause:   cause,
	}
}

// IsAuthenticationError checks if an error is an authentication error.
func IsAuthenticationError(err error) bool {
	var authenticationError *AuthenticationError
	return errors.As(err, &authenticationError)
}

// GetUserFriendlyMessage renders an actionable message for terminal output.
func GetUserFriendlyMessage(err *AuthenticationError) string {
	switch err.Type {
	case ErrPortInUse.Type:
		return "The OAuth callback port is already in use. Close the conflicting program or set callback-port in the config."
	case ErrCallbackTimeout.Type:
		return "Timed out waiting for the browser callback. Re-run login and complete the authorization promptly."
	case ErrRegistrationUnsupported.Type:
		return "The site does not allow dynamic client registration. Set client-id (and client-secret if issued) in the config."
	case ErrStateMismatch.Type:
		return "The callback did not match the pending login attempt. This can indicate a forged request; re-run login."
	case ErrAuthorizationDenied.Type:
		return "Authorization was declined in the browser."
	case ErrReauthorizationRequired.Type:
		return "Saved credentials are no longer valid. Run login again."
	default:
		return err.Message
	}
}

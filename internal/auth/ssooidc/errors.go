package ssooidc

import (
	"errors"
	"fmt"
)

// Terminal polling outcomes. Callers must not poll again after either.
var (
	ErrDeviceCodeExpired   = errors.New("ssooidc: device code expired, restart the authorization")
	ErrAuthorizationDenied = errors.New("ssooidc: authorization denied by user")
	ErrPollExhausted       = errors.New("ssooidc: polling attempts exhausted before authorization completed")
	ErrRefreshTokenExpired = errors.New("ssooidc: refresh token expired or invalid")
)

// RegistrationError reports a non-2xx response from the client registration
// endpoint. It carries the HTTP status and raw body for diagnostics.
type RegistrationError struct {
	StatusCode int
	Body       string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("ssooidc: client registration failed (%d): %s", e.StatusCode, e.Body)
}

// AuthorizationStartError reports a non-2xx response from the
// device-authorization endpoint.
type AuthorizationStartError struct {
	StatusCode int
	Body       string
}

func (e *AuthorizationStartError) Error() string {
	return fmt.Sprintf("ssooidc: device authorization failed (%d): %s", e.StatusCode, e.Body)
}

// PollError reports a token-endpoint failure whose error code is outside the
// RFC 8628 polling vocabulary. It is fatal to the polling session.
type PollError struct {
	StatusCode  int
	Code        string
	Description string
	Body        string
}

func (e *PollError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("ssooidc: token poll failed (%d): %s - %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("ssooidc: token poll failed (%d): %s", e.StatusCode, e.Body)
}

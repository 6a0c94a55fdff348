package webportal

import (
	"errors"
	"fmt"
)

// ErrMissingRedirect is returned when InitiateLogin succeeds at the HTTP
// level but the response carries no redirect URL to send the browser to.
var ErrMissingRedirect = errors.New("webportal: initiate login response missing redirectUrl")

// ErrNoAuthorizationCode is returned when a captured redirect URL carries no
// code query parameter.
var ErrNoAuthorizationCode = errors.New("webportal: redirect carries no authorization code")

// InitiateError reports a non-2xx response from the InitiateLogin operation.
type InitiateError struct {
	StatusCode int
	Body       string
}

func (e *InitiateError) Error() string {
	return fmt.Sprintf("webportal: InitiateLogin failed (%d): %s", e.StatusCode, e.Body)
}

// ExchangeError reports a non-2xx response from the ExchangeToken operation.
// Body holds the decoded CBOR error document when decoding succeeded,
// otherwise the raw bytes as a string.
type ExchangeError struct {
	StatusCode int
	Body       string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("webportal: ExchangeToken failed (%d): %s", e.StatusCode, e.Body)
}

// UserInfoError reports a non-2xx response from the GetUserInfo operation.
type UserInfoError struct {
	StatusCode int
	Body       string
}

func (e *UserInfoError) Error() string {
	return fmt.Sprintf("webportal: GetUserInfo failed (%d): %s", e.StatusCode, e.Body)
}

package ssooidc

import (
	"time"

	"golang.org/x/oauth2"
)

// ClientRegistration is the response of the client registration call.
// The client secret must be treated as a secret at rest; it stays valid
// until ClientSecretExpiresAt (epoch seconds, may be zero when absent).
type ClientRegistration struct {
	ClientID              string `json:"clientId"`
	ClientSecret          string `json:"clientSecret"`
	ClientIDIssuedAt      int64  `json:"clientIdIssuedAt,omitempty"`
	ClientSecretExpiresAt int64  `json:"clientSecretExpiresAt,omitempty"`
	AuthorizationEndpoint string `json:"authorizationEndpoint,omitempty"`
	TokenEndpoint         string `json:"tokenEndpoint,omitempty"`
}

// DeviceAuthorization is the response of the device-authorization call.
// DeviceCode is only ever sent back to the token endpoint, never shown to a
// user; UserCode is the human-displayed code for the verification page.
type DeviceAuthorization struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete,omitempty"`
	// ExpiresIn is the lifetime of the device and user codes in seconds.
	ExpiresIn int `json:"expiresIn"`
	// Interval is the minimum spacing between token polls in seconds.
	Interval int `json:"interval"`
}

// VerificationURL returns the complete verification URI when the server
// provided one, otherwise the bare URI (the user code must then be entered
// manually).
func (d *DeviceAuthorization) VerificationURL() string {
	if d.VerificationURIComplete != "" {
		return d.VerificationURIComplete
	}
	return d.VerificationURI
}

// TokenResponse is a successful token-endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	IDToken      string `json:"idToken,omitempty"`
	TokenType    string `json:"tokenType,omitempty"`
	// ExpiresIn is the access-token lifetime in seconds.
	ExpiresIn       int    `json:"expiresIn"`
	IssuedTokenType string `json:"issuedTokenType,omitempty"`
	OriginSessionID string `json:"originSessionId,omitempty"`
}

// OAuth2Token converts the response into a *oauth2.Token so downstream
// consumers can plug it into the standard OAuth2 ecosystem.
func (t *TokenResponse) OAuth2Token() *oauth2.Token {
	if t == nil {
		return nil
	}
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    tokenType,
	}
	if t.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return tok
}

// PollStatus classifies a non-success poll outcome. It replaces exception
// driven control flow with a tagged value consumed by the polling loop.
type PollStatus string

const (
	// PollPending means the user has not finished the verification yet;
	// the caller re-polls after the current interval.
	PollPending PollStatus = "authorization_pending"
	// PollSlowDown means the client polls too fast; the caller adds five
	// seconds to the interval, permanently for this polling session.
	PollSlowDown PollStatus = "slow_down"
	// PollExpired means the device code lapsed. Terminal.
	PollExpired PollStatus = "expired_token"
	// PollDenied means the user rejected the authorization. Terminal.
	PollDenied PollStatus = "access_denied"
)

// Terminal reports whether the status ends the polling session.
func (s PollStatus) Terminal() bool {
	return s == PollExpired || s == PollDenied
}

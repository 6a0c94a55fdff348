// Package ssooidc implements the RFC 8628 device-authorization grant against
// the AWS SSO OIDC endpoints used by AWS Builder ID. The flow is three remote
// calls: register a public device client, start a device authorization, then
// poll the token endpoint until the user finishes the browser-side
// verification. The refresh tokens it produces are the long-lived
// credentials imported by the downstream desktop application.
package ssooidc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/kirotools/accountforge/internal/config"
	"github.com/kirotools/accountforge/internal/util"
)

// DeviceGrantType is the grant type of the device-code token exchange.
const DeviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// DefaultScopes are the permissions requested when registering the device
// client.
var DefaultScopes = []string{
	"codewhisperer:completions",
	"codewhisperer:analysis",
	"codewhisperer:conversations",
	"codewhisperer:transformations",
	"codewhisperer:taskassist",
}

// DefaultGrantTypes are the grant types requested when registering the
// device client.
var DefaultGrantTypes = []string{
	DeviceGrantType,
	"refresh_token",
}

const (
	defaultExpiresIn = 600
	defaultInterval  = 5
)

// ClientConfig carries the parameters of a client registration.
type ClientConfig struct {
	ClientName string
	Scopes     []string
	GrantTypes []string
	IssuerURL  string
}

// Client talks to the SSO OIDC endpoints of one region.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// sleep is injectable so the polling loop can be tested without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a device-authorization client for the configured region,
// with the proxy settings from the configuration applied.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL:    cfg.OIDCBaseURL(),
		httpClient: util.SetProxy(cfg, &http.Client{Timeout: 30 * time.Second}),
		sleep:      sleepContext,
	}
}

// NewClientForBase creates a client against an explicit endpoint base URL.
// Used by tests and non-standard deployments.
func NewClientForBase(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, sleep: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("ssooidc: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("ssooidc: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("ssooidc: request %s failed: %w", path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("ssooidc: read response body: %w", err)
	}
	return resp, body, nil
}

// RegisterClient registers a public device client able to run the
// device-code and refresh-token grants. Each run registers anew; the
// registration stays usable until its secret expires but is not cached here.
func (c *Client) RegisterClient(ctx context.Context, cfg ClientConfig) (*ClientRegistration, error) {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if len(cfg.GrantTypes) == 0 {
		cfg.GrantTypes = DefaultGrantTypes
	}

	payload := map[string]any{
		"clientName": cfg.ClientName,
		"clientType": "public",
		"scopes":     cfg.Scopes,
		"grantTypes": cfg.GrantTypes,
		"issuerUrl":  cfg.IssuerURL,
	}

	resp, body, err := c.postJSON(ctx, "/client/register", payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RegistrationError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var registration ClientRegistration
	if err = json.Unmarshal(body, &registration); err != nil {
		return nil, fmt.Errorf("ssooidc: parse registration response: %w", err)
	}
	if registration.ClientID == "" || registration.ClientSecret == "" {
		return nil, fmt.Errorf("ssooidc: registration response missing client credentials")
	}

	log.WithField("client", cfg.ClientName).Debugf("registered device client, secret expires at %d", registration.ClientSecretExpiresAt)
	return &registration, nil
}

// StartDeviceAuthorization begins a device-code grant for a registered
// client. The returned user code must be presented on the verification page
// before the returned lifetime runs out.
func (c *Client) StartDeviceAuthorization(ctx context.Context, clientID, clientSecret, startURL string) (*DeviceAuthorization, error) {
	payload := map[string]any{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"startUrl":     startURL,
	}

	resp, body, err := c.postJSON(ctx, "/device_authorization", payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &AuthorizationStartError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var authorization DeviceAuthorization
	if err = json.Unmarshal(body, &authorization); err != nil {
		return nil, fmt.Errorf("ssooidc: parse device authorization response: %w", err)
	}
	if authorization.DeviceCode == "" {
		return nil, fmt.Errorf("ssooidc: device authorization response missing deviceCode")
	}
	if authorization.ExpiresIn <= 0 {
		authorization.ExpiresIn = defaultExpiresIn
	}
	if authorization.Interval <= 0 {
		authorization.Interval = defaultInterval
	}

	log.Infof("device authorization started, user code %s, expires in %ds", authorization.UserCode, authorization.ExpiresIn)
	return &authorization, nil
}

// PollToken performs one poll of the token endpoint. Exactly one of the
// three return positions is meaningful: a token on success, a PollStatus for
// the RFC 8628 polling vocabulary, or an error for transport failures and
// unknown error codes. Callers must stop after PollExpired or PollDenied.
func (c *Client) PollToken(ctx context.Context, clientID, clientSecret, deviceCode string) (*TokenResponse, PollStatus, error) {
	payload := map[string]any{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"grantType":    DeviceGrantType,
		"deviceCode":   deviceCode,
	}

	resp, body, err := c.postJSON(ctx, "/token", payload)
	if err != nil {
		return nil, "", err
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		var token TokenResponse
		if err = json.Unmarshal(body, &token); err != nil {
			return nil, "", fmt.Errorf("ssooidc: parse token response: %w", err)
		}
		if token.ExpiresIn <= 0 {
			token.ExpiresIn = 3600
		}
		return &token, "", nil
	}

	errorCode := gjson.GetBytes(body, "error").String()
	switch PollStatus(errorCode) {
	case PollPending, PollSlowDown, PollExpired, PollDenied:
		return nil, PollStatus(errorCode), nil
	}
	return nil, "", &PollError{
		StatusCode:  resp.StatusCode,
		Code:        errorCode,
		Description: gjson.GetBytes(body, "error_description").String(),
		Body:        string(body),
	}
}

// PollUntilComplete polls the token endpoint until the grant resolves or the
// attempt budget runs out. The budget is expiresIn / interval, computed once
// at the start; a slow_down answer widens the interval by five seconds for
// the rest of the session without recomputing the budget. Each non-terminal
// attempt sleeps the current interval before re-polling.
func (c *Client) PollUntilComplete(ctx context.Context, clientID, clientSecret string, authorization *DeviceAuthorization) (*TokenResponse, error) {
	interval := authorization.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	expiresIn := authorization.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}
	maxAttempts := expiresIn / interval

	for attempt := 0; attempt < maxAttempts; attempt++ {
		token, status, err := c.PollToken(ctx, clientID, clientSecret, authorization.DeviceCode)
		if err != nil {
			return nil, err
		}
		if token != nil {
			log.Infof("device authorization complete after %d poll(s)", attempt+1)
			return token, nil
		}

		switch status {
		case PollPending:
			log.WithField("attempt", fmt.Sprintf("%d/%d", attempt+1, maxAttempts)).Debug("waiting for user authorization")
		case PollSlowDown:
			interval += 5
			log.WithField("interval", interval).Debug("server requested slower polling")
		case PollExpired:
			return nil, ErrDeviceCodeExpired
		case PollDenied:
			return nil, ErrAuthorizationDenied
		}

		if err = c.sleep(ctx, time.Duration(interval)*time.Second); err != nil {
			return nil, err
		}
	}

	return nil, ErrPollExhausted
}

// RefreshToken exchanges a refresh token for a fresh access token using the
// client credentials obtained at registration time.
func (c *Client) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*TokenResponse, error) {
	payload := map[string]any{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"grantType":    "refresh_token",
		"refreshToken": refreshToken,
	}

	resp, body, err := c.postJSON(ctx, "/token", payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrRefreshTokenExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("ssooidc: token refresh failed (%d): %s", resp.StatusCode, string(body))
	}

	var token TokenResponse
	if err = json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("ssooidc: parse refresh response: %w", err)
	}
	if token.ExpiresIn <= 0 {
		token.ExpiresIn = 3600
	}
	return &token, nil
}

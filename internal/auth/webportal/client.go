// Package webportal implements the web portal's CBOR-encoded RPC protocol
// for the PKCE authorization-code login flow: InitiateLogin produces the
// provider authorize URL, ExchangeToken trades the returned code for the
// portal token set, GetUserInfo reads the signed-in profile. The browser leg
// between the first two calls is driven elsewhere; this package only sees
// the final redirect URL.
package webportal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/kirotools/accountforge/internal/config"
	"github.com/kirotools/accountforge/internal/pkce"
)

const (
	smithyProtocol = "rpc-v2-cbor"
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	servicePath = "/service/KiroWebPortalService/operation/"
)

// Client talks to one web portal deployment.
type Client struct {
	baseURL     string
	redirectURI string
	httpClient  *http.Client
}

// NewClient creates a portal client using the configured portal origin and
// the fingerprinted transport.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL:     cfg.Portal.BaseURL,
		redirectURI: cfg.Portal.RedirectURI,
		httpClient:  NewPortalHTTPClient(cfg),
	}
}

// NewClientForBase creates a portal client against an explicit origin with a
// plain HTTP client. Used by tests.
func NewClientForBase(baseURL, redirectURI string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, redirectURI: redirectURI, httpClient: httpClient}
}

// callOperation posts one CBOR-encoded RPC request and returns the raw
// response. The caller owns status handling and body decoding.
func (c *Client) callOperation(ctx context.Context, operation string, payload map[string]any, header http.Header) (*http.Response, []byte, error) {
	raw, err := cbor.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("webportal: encode %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+servicePath+operation, bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("webportal: create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/cbor")
	req.Header.Set("Accept", "application/cbor")
	req.Header.Set("smithy-protocol", smithyProtocol)
	req.Header.Set("User-Agent", userAgent)
	for key, values := range header {
		for _, value := range values {
			req.Header.Set(key, value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("webportal: %s request failed: %w", operation, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("webportal: read %s response: %w", operation, err)
	}
	return resp, body, nil
}

// decodeBody decodes a CBOR document into a string-keyed map. On failure it
// returns the raw bytes as a diagnostic string instead.
func decodeBody(body []byte) (map[string]any, string) {
	var decoded map[string]any
	if err := cbor.Unmarshal(body, &decoded); err != nil {
		return nil, string(body)
	}
	if rendered, err := json.Marshal(decoded); err == nil {
		return decoded, string(rendered)
	}
	return decoded, fmt.Sprintf("%v", decoded)
}

// InitiateLogin generates a fresh state nonce and PKCE pair, asks the portal
// for the provider authorize URL and returns the session the browser leg and
// the later token exchange need. The verifier never leaves the session until
// the exchange.
func (c *Client) InitiateLogin(ctx context.Context, idp string) (*Session, error) {
	state := pkce.GenerateState()
	challenge, err := pkce.GeneratePair()
	if err != nil {
		return nil, fmt.Errorf("webportal: generate PKCE pair: %w", err)
	}

	payload := map[string]any{
		"idp":                 idp,
		"redirectUri":         c.redirectURI,
		"codeChallenge":       challenge.CodeChallenge,
		"codeChallengeMethod": "S256",
		"state":               state,
	}

	resp, body, err := c.callOperation(ctx, "InitiateLogin", payload, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, rendered := decodeBody(body)
		return nil, &InitiateError{StatusCode: resp.StatusCode, Body: rendered}
	}

	decoded, rendered := decodeBody(body)
	if decoded == nil {
		return nil, fmt.Errorf("webportal: decode InitiateLogin response: %s", rendered)
	}
	authorizeURL, _ := decoded["redirectUrl"].(string)
	if authorizeURL == "" {
		return nil, ErrMissingRedirect
	}

	log.WithField("idp", idp).Info("login initiated, authorize URL obtained")
	return &Session{
		IDP:          idp,
		State:        state,
		CodeVerifier: challenge.Verifier,
		RedirectURI:  c.redirectURI,
		AuthorizeURL: authorizeURL,
	}, nil
}

// ExchangeToken trades the authorization code for the portal token set. The
// refresh token is carried only in Set-Cookie headers, never in the body:
// the RefreshToken cookie when present, otherwise the SessionToken cookie,
// otherwise no refresh token at all (not an error).
func (c *Client) ExchangeToken(ctx context.Context, session *Session, redirect *Redirect) (*TokenResult, error) {
	payload := map[string]any{
		"idp":          session.IDP,
		"code":         redirect.Code,
		"codeVerifier": session.CodeVerifier,
		"redirectUri":  session.RedirectURI,
		"state":        redirect.ExchangeState(session),
	}

	resp, body, err := c.callOperation(ctx, "ExchangeToken", payload, nil)
	if err != nil {
		return nil, err
	}

	cookies := map[string]string{}
	for _, cookie := range resp.Cookies() {
		cookies[cookie.Name] = cookie.Value
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, rendered := decodeBody(body)
		return nil, &ExchangeError{StatusCode: resp.StatusCode, Body: rendered}
	}

	decoded, rendered := decodeBody(body)
	if decoded == nil {
		return nil, fmt.Errorf("webportal: decode ExchangeToken response: %s", rendered)
	}

	result := &TokenResult{
		CSRFToken:     stringField(decoded, "csrfToken"),
		ProfileArn:    stringField(decoded, "profileArn"),
		ExpiresIn:     intField(decoded, "expiresIn", 3600),
		SessionToken:  cookies["SessionToken"],
		IDP:           session.IDP,
		StateMismatch: redirect.StateMismatch(session),
	}
	result.AccessToken = stringField(decoded, "accessToken")
	if result.AccessToken == "" {
		result.AccessToken = cookies["AccessToken"]
	}
	if idp := cookies["Idp"]; idp != "" {
		result.IDP = idp
	}
	if refresh, ok := cookies["RefreshToken"]; ok && refresh != "" {
		result.RefreshToken = refresh
	} else {
		result.RefreshToken = cookies["SessionToken"]
	}

	if result.RefreshToken == "" {
		log.Warn("token exchange returned no refresh cookie, token set is not renewable")
	}
	log.WithField("idp", result.IDP).Info("portal token exchange complete")
	return result, nil
}

// GetUserInfo fetches the signed-in user's profile. The portal requires both
// the bearer header and the cookie pair on this operation.
func (c *Client) GetUserInfo(ctx context.Context, accessToken, idp string) (*UserInfo, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)
	header.Set("Cookie", fmt.Sprintf("Idp=%s; AccessToken=%s", idp, accessToken))

	resp, body, err := c.callOperation(ctx, "GetUserInfo", map[string]any{"origin": "KIRO_IDE"}, header)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, rendered := decodeBody(body)
		return nil, &UserInfoError{StatusCode: resp.StatusCode, Body: rendered}
	}

	decoded, rendered := decodeBody(body)
	if decoded == nil {
		return nil, fmt.Errorf("webportal: decode GetUserInfo response: %s", rendered)
	}
	return &UserInfo{
		Email:  gjson.Get(rendered, "email").String(),
		UserID: gjson.Get(rendered, "userId").String(),
		Status: gjson.Get(rendered, "status").String(),
		Raw:    rendered,
	}, nil
}

func stringField(m map[string]any, key string) string {
	value, _ := m[key].(string)
	return value
}

func intField(m map[string]any, key string, fallback int) int {
	switch value := m[key].(type) {
	case int:
		return value
	case int64:
		return int(value)
	case uint64:
		return int(value)
	case float64:
		return int(value)
	}
	return fallback
}

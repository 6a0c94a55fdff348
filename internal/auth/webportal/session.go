package webportal

import (
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Session holds the client-side half of one authorization-code attempt. The
// code verifier and expected state live only here between InitiateLogin and
// ExchangeToken.
type Session struct {
	IDP          string
	State        string
	CodeVerifier string
	RedirectURI  string
	AuthorizeURL string
}

// Redirect is the outcome of the browser leg: the code and state query
// parameters of the URL the provider sent the browser back to.
type Redirect struct {
	Code  string
	State string
}

// StateMismatch reports whether the provider returned a state different from
// the one the session sent out.
func (r *Redirect) StateMismatch(session *Session) bool {
	return r.State != "" && r.State != session.State
}

// ExchangeState picks the state value for the token exchange. The portal
// validates against the state it saw arrive at the provider, so the returned
// state wins over the session's when both exist.
func (r *Redirect) ExchangeState(session *Session) string {
	if r.State != "" {
		return r.State
	}
	return session.State
}

// CaptureRedirect inspects a browser location and extracts the redirect
// outcome once the browser is back on the session's redirect URI. It returns
// nil while the browser is still elsewhere; a redirect URL without a code
// parameter is an error. A state mismatch is logged as an anomaly but does
// not fail the capture.
func CaptureRedirect(session *Session, currentURL string) (*Redirect, error) {
	if !strings.HasPrefix(currentURL, session.RedirectURI) {
		return nil, nil
	}

	parsed, err := url.Parse(currentURL)
	if err != nil {
		return nil, nil
	}
	query := parsed.Query()
	code := query.Get("code")
	if code == "" {
		return nil, ErrNoAuthorizationCode
	}

	redirect := &Redirect{Code: code, State: query.Get("state")}
	if redirect.StateMismatch(session) {
		log.WithField("idp", session.IDP).Warn("returned state differs from the one sent, possible session fixation")
	}
	return redirect, nil
}

// TokenResult is the portal token set produced by a successful exchange.
type TokenResult struct {
	AccessToken  string
	CSRFToken    string
	RefreshToken string
	SessionToken string
	ExpiresIn    int
	ProfileArn   string
	IDP          string

	// StateMismatch records that the provider returned an unexpected state
	// during the browser leg. The exchange proceeds anyway; consumers may
	// want to discard or flag the resulting credentials.
	StateMismatch bool
}

// UserInfo is the decoded GetUserInfo response. Raw keeps the full document
// as JSON for fields the struct does not surface.
type UserInfo struct {
	Email  string
	UserID string
	Status string
	Raw    string
}

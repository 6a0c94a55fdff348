// Package bundle assembles the per-account credential bundle: the identity
// record plus whichever of the two credential sets (web-portal tokens,
// device-authorization tokens) the run managed to obtain. The JSON field
// names are a persisted contract shared with the downstream import tooling
// and must not change.
package bundle

import (
	"github.com/kirotools/accountforge/internal/identity"
)

// Status classifies how far a bundle got. Values are ordered: a later stage
// implies the earlier ones, and a stored status never regresses.
type Status string

const (
	// StatusRegistered means only the identity exists.
	StatusRegistered Status = "registered"
	// StatusPortalAuthorized means the web-portal token set was obtained.
	StatusPortalAuthorized Status = "kiro_authorized"
	// StatusSSOAuthorized means the device-authorization token pair was
	// obtained (with or without the portal set).
	StatusSSOAuthorized Status = "aws_sso_authorized"
)

// Rank orders statuses for the never-regress rule.
func (s Status) Rank() int {
	switch s {
	case StatusSSOAuthorized:
		return 2
	case StatusPortalAuthorized:
		return 1
	default:
		return 0
	}
}

// HigherOf returns the more advanced of two statuses.
func HigherOf(a, b Status) Status {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// PortalCredentials is the web-portal token set destined for the bundle.
type PortalCredentials struct {
	AccessToken  string
	CSRFToken    string
	RefreshToken string
	ExpiresIn    int
	ProfileArn   string
}

// SSOCredentials is the device-authorization token set plus the client
// registration it belongs to. The refresh token is unusable without the
// client credentials, so they travel together.
type SSOCredentials struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
	AccessToken  string
	Region       string
	Provider     string
}

// Bundle is one persisted account record. Field names and the flat layout
// match the accounts document consumed by the import tooling.
type Bundle struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Name      string `json:"name"`
	JWTToken  string `json:"jwt_token"`
	CreatedAt string `json:"created_at"`
	Status    Status `json:"status"`

	KiroAccessToken  string `json:"kiro_access_token,omitempty"`
	KiroCSRFToken    string `json:"kiro_csrf_token,omitempty"`
	KiroRefreshToken string `json:"kiro_refresh_token,omitempty"`
	KiroExpiresIn    int    `json:"kiro_expires_in,omitempty"`
	KiroProfileArn   string `json:"kiro_profile_arn,omitempty"`

	AWSSSORefreshToken string `json:"aws_sso_refresh_token,omitempty"`
	AWSSSOClientID     string `json:"aws_sso_client_id,omitempty"`
	AWSSSOClientSecret string `json:"aws_sso_client_secret,omitempty"`
	AWSSSOAccessToken  string `json:"aws_sso_access_token,omitempty"`
	AWSSSORegion       string `json:"aws_sso_region,omitempty"`
	AWSSSOProvider     string `json:"aws_sso_provider,omitempty"`
}

// HasPortal reports whether the portal token set is present.
func (b *Bundle) HasPortal() bool {
	return b.KiroAccessToken != "" || b.KiroRefreshToken != ""
}

// HasSSO reports whether the device-authorization token set is present.
func (b *Bundle) HasSSO() bool {
	return b.AWSSSORefreshToken != "" || b.AWSSSOAccessToken != ""
}

// Assemble merges an identity with whichever credential sets exist. Nil
// credential sets are fine; the status reflects the most advanced set
// present. Assemble is a pure merge and never fails.
func Assemble(id *identity.Identity, portal *PortalCredentials, sso *SSOCredentials) *Bundle {
	b := &Bundle{
		Email:     id.Email,
		Password:  id.Password,
		Name:      id.Name,
		JWTToken:  id.JWTToken,
		CreatedAt: id.CreatedAt.Format(identity.CreatedAtLayout),
		Status:    StatusRegistered,
	}

	if portal != nil {
		b.KiroAccessToken = portal.AccessToken
		b.KiroCSRFToken = portal.CSRFToken
		b.KiroRefreshToken = portal.RefreshToken
		b.KiroExpiresIn = portal.ExpiresIn
		b.KiroProfileArn = portal.ProfileArn
		b.Status = StatusPortalAuthorized
	}

	if sso != nil {
		b.AWSSSORefreshToken = sso.RefreshToken
		b.AWSSSOClientID = sso.ClientID
		b.AWSSSOClientSecret = sso.ClientSecret
		b.AWSSSOAccessToken = sso.AccessToken
		b.AWSSSORegion = sso.Region
		b.AWSSSOProvider = sso.Provider
		b.Status = StatusSSOAuthorized
	}

	return b
}

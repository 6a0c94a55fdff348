package bundle

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/kirotools/accountforge/internal/identity"
)

func testIdentity() *identity.Identity {
	return &identity.Identity{
		Email:     "user@example.com",
		Password:  "Aa1!abcdefghijkl",
		Name:      "James Smith",
		JWTToken:  "jwt-1",
		CreatedAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
}

func TestAssembleStatusPriority(t *testing.T) {
	t.Parallel()

	portal := &PortalCredentials{AccessToken: "pa", RefreshToken: "pr", ExpiresIn: 3600}
	sso := &SSOCredentials{RefreshToken: "aor-1", ClientID: "c", ClientSecret: "s", Region: "us-east-1", Provider: "BuilderId"}

	tests := []struct {
		name   string
		portal *PortalCredentials
		sso    *SSOCredentials
		want   Status
	}{
		{"identity only", nil, nil, StatusRegistered},
		{"portal only", portal, nil, StatusPortalAuthorized},
		{"sso only", nil, sso, StatusSSOAuthorized},
		{"both sets", portal, sso, StatusSSOAuthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := Assemble(testIdentity(), tt.portal, tt.sso)
			if b.Status != tt.want {
				t.Errorf("Status = %q, want %q", b.Status, tt.want)
			}
			if tt.portal != nil && !b.HasPortal() {
				t.Error("HasPortal() = false with portal credentials present")
			}
			if tt.sso != nil && !b.HasSSO() {
				t.Error("HasSSO() = false with SSO credentials present")
			}
		})
	}
}

func TestBundleJSONContract(t *testing.T) {
	t.Parallel()

	b := Assemble(testIdentity(),
		&PortalCredentials{AccessToken: "pa", CSRFToken: "pc", RefreshToken: "pr", ExpiresIn: 3600, ProfileArn: "arn:p"},
		&SSOCredentials{RefreshToken: "aor-1", ClientID: "cid", ClientSecret: "cs", AccessToken: "at", Region: "us-east-1", Provider: "BuilderId"},
	)

	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc map[string]any
	if err = json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	want := map[string]any{
		"email":                 "user@example.com",
		"password":              "Aa1!abcdefghijkl",
		"name":                  "James Smith",
		"jwt_token":             "jwt-1",
		"created_at":            "2026-08-30 12:00:00",
		"status":                "aws_sso_authorized",
		"kiro_access_token":     "pa",
		"kiro_csrf_token":       "pc",
		"kiro_refresh_token":    "pr",
		"kiro_expires_in":       float64(3600),
		"kiro_profile_arn":      "arn:p",
		"aws_sso_refresh_token": "aor-1",
		"aws_sso_client_id":     "cid",
		"aws_sso_client_secret": "cs",
		"aws_sso_access_token":  "at",
		"aws_sso_region":        "us-east-1",
		"aws_sso_provider":      "BuilderId",
	}
	for key, value := range want {
		if doc[key] != value {
			t.Errorf("doc[%q] = %v, want %v", key, doc[key], value)
		}
	}
	for key := range doc {
		if _, ok := want[key]; !ok {
			t.Errorf("unexpected field %q in persisted document", key)
		}
	}
}

func TestAssembleOmitsAbsentCredentialFields(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(Assemble(testIdentity(), nil, nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc map[string]any
	if err = json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"kiro_access_token", "aws_sso_refresh_token", "aws_sso_client_id"} {
		if _, ok := doc[key]; ok {
			t.Errorf("field %q present on an identity-only bundle", key)
		}
	}
	if doc["status"] != "registered" {
		t.Errorf("status = %v, want registered", doc["status"])
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	t.Parallel()

	if got := HigherOf(StatusSSOAuthorized, StatusRegistered); got != StatusSSOAuthorized {
		t.Errorf("HigherOf = %q, want sso status kept", got)
	}
	if got := HigherOf(StatusRegistered, StatusPortalAuthorized); got != StatusPortalAuthorized {
		t.Errorf("HigherOf = %q, want portal status", got)
	}
	if StatusSSOAuthorized.Rank() <= StatusPortalAuthorized.Rank() || StatusPortalAuthorized.Rank() <= StatusRegistered.Rank() {
		t.Error("status ranks out of order")
	}
}

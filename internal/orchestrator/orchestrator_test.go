package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/kirotools/accountforge/internal/auth/ssooidc"
	"github.com/kirotools/accountforge/internal/auth/webportal"
	"github.com/kirotools/accountforge/internal/browser"
	"github.com/kirotools/accountforge/internal/bundle"
	"github.com/kirotools/accountforge/internal/config"
	"github.com/kirotools/accountforge/internal/identity"
	"github.com/kirotools/accountforge/internal/store"
	"github.com/kirotools/accountforge/internal/verify"
)

type fakeSource struct {
	id  *identity.Identity
	err error
}

func (s *fakeSource) Acquire(_ context.Context) (*identity.Identity, error) {
	return s.id, s.err
}

// fakeDriver scripts the browser: navigating to a URL moves the location
// per the routes map, and fills/clicks can trigger location changes.
type fakeDriver struct {
	mu       sync.Mutex
	location string
	pageText string
	routes   map[string]string
	fills    map[browser.Intent]string
	clicks   []browser.Intent
	onClick  func(d *fakeDriver, intent browser.Intent)
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		routes: map[string]string{},
		fills:  map[browser.Intent]string{},
	}
}

func (d *fakeDriver) Navigate(_ context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if next, ok := d.routes[url]; ok {
		d.location = next
	} else {
		d.location = url
	}
	return nil
}

func (d *fakeDriver) CurrentLocation(_ context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.location, nil
}

func (d *fakeDriver) PageContains(_ context.Context, text string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return strings.Contains(d.pageText, text) && d.pageText != "", nil
}

func (d *fakeDriver) Fill(_ context.Context, intent browser.Intent, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fills[intent] = value
	return nil
}

func (d *fakeDriver) Click(_ context.Context, intent browser.Intent) error {
	d.mu.Lock()
	d.clicks = append(d.clicks, intent)
	onClick := d.onClick
	d.mu.Unlock()
	if onClick != nil {
		onClick(d, intent)
	}
	return nil
}

type staticCodes struct{ code string }

func (s *staticCodes) FetchCode(_ context.Context, _ string) (string, error) {
	return s.code, nil
}

func newPortalServer(t *testing.T, failInitiate bool) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond := func(status int, payload map[string]any) {
			raw, _ := cbor.Marshal(payload)
			w.Header().Set("Content-Type", "application/cbor")
			w.WriteHeader(status)
			_, _ = w.Write(raw)
		}
		switch {
		case r.URL.Path == "/service/KiroWebPortalService/operation/InitiateLogin":
			if failInitiate {
				respond(http.StatusInternalServerError, map[string]any{"message": "portal down"})
				return
			}
			respond(http.StatusOK, map[string]any{"redirectUrl": "https://provider.example/authorize"})
		case r.URL.Path == "/service/KiroWebPortalService/operation/ExchangeToken":
			w.Header().Add("Set-Cookie", "RefreshToken=portal-refresh; Path=/; HttpOnly")
			respond(http.StatusOK, map[string]any{
				"accessToken": "portal-access",
				"csrfToken":   "portal-csrf",
				"expiresIn":   3600,
				"profileArn":  "arn:p",
			})
		case r.URL.Path == "/service/KiroWebPortalService/operation/GetUserInfo":
			respond(http.StatusOK, map[string]any{"email": "user@example.com", "status": "ACTIVE"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newOIDCServer(t *testing.T, failRegister bool) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/client/register":
			if failRegister {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"unavailable"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"clientId": "cid", "clientSecret": "csecret"})
		case "/device_authorization":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"deviceCode":              "dev-1",
				"userCode":                "ABCD-EFGH",
				"verificationUri":         "https://device.sso.example/",
				"verificationUriComplete": "https://device.sso.example/?user_code=ABCD-EFGH",
				"expiresIn":               600,
				"interval":                5,
			})
		case "/token":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"accessToken":  "sso-access",
				"refreshToken": "aor-refresh",
				"expiresIn":    3600,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestRunner(t *testing.T, portalURL, oidcURL string, driver browser.Driver, code string) (*Runner, *store.FileStore) {
	t.Helper()

	cfg, err := config.LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.Portal.RedirectURI = "https://app.example/signin/oauth"
	cfg.Portal.RedirectTimeoutSeconds = 1

	st := store.NewFileStore(filepath.Join(t.TempDir(), "accounts.json"))
	resolver := verify.NewResolver(cfg, &staticCodes{code: code})

	id, err := identity.New("user@example.com")
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}

	runner := NewRunner(cfg,
		&fakeSource{id: id},
		webportal.NewClientForBase(portalURL, cfg.Portal.RedirectURI, nil),
		ssooidc.NewClientForBase(oidcURL, nil),
		driver,
		resolver,
		st,
	)
	runner.checkTick = time.Millisecond
	return runner, st
}

func TestRunCompletesBothFlows(t *testing.T) {
	t.Parallel()

	driver := newFakeDriver()
	driver.routes["https://provider.example/authorize"] = "https://app.example/signin/oauth?code=c1"

	runner, st := newTestRunner(t, newPortalServer(t, false).URL, newOIDCServer(t, false).URL, driver, "123456")
	outcome, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if outcome.Stage != StageCompleted {
		t.Errorf("Stage = %q, want completed", outcome.Stage)
	}
	if outcome.Bundle.Status != bundle.StatusSSOAuthorized {
		t.Errorf("Status = %q, want aws_sso_authorized", outcome.Bundle.Status)
	}
	if outcome.Bundle.KiroRefreshToken != "portal-refresh" {
		t.Errorf("KiroRefreshToken = %q, want the Set-Cookie value", outcome.Bundle.KiroRefreshToken)
	}
	if outcome.Bundle.AWSSSORefreshToken != "aor-refresh" {
		t.Errorf("AWSSSORefreshToken = %q", outcome.Bundle.AWSSSORefreshToken)
	}
	if outcome.Bundle.AWSSSOClientID != "cid" || outcome.Bundle.AWSSSOClientSecret != "csecret" {
		t.Errorf("client credentials not carried: %+v", outcome.Bundle)
	}

	bundles, err := st.List(context.Background())
	if err != nil || len(bundles) != 1 {
		t.Fatalf("List = (%v, %v), want one persisted bundle", bundles, err)
	}
}

func TestRunPortalFailureDegradesRun(t *testing.T) {
	t.Parallel()

	driver := newFakeDriver()
	runner, st := newTestRunner(t, newPortalServer(t, true).URL, newOIDCServer(t, false).URL, driver, "123456")

	outcome, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Stage != StagePartiallyCompleted {
		t.Errorf("Stage = %q, want partially_completed", outcome.Stage)
	}
	if outcome.PortalErr == nil {
		t.Error("PortalErr = nil, want the initiate failure")
	}
	if outcome.SSOErr != nil {
		t.Errorf("SSOErr = %v, want nil (flows are independent)", outcome.SSOErr)
	}
	if outcome.Bundle.Status != bundle.StatusSSOAuthorized {
		t.Errorf("Status = %q, want aws_sso_authorized from the surviving flow", outcome.Bundle.Status)
	}

	bundles, _ := st.List(context.Background())
	if len(bundles) != 1 {
		t.Fatalf("bundle not persisted on a degraded run")
	}
}

func TestRunBothFlowsFailStillPersists(t *testing.T) {
	t.Parallel()

	driver := newFakeDriver()
	runner, st := newTestRunner(t, newPortalServer(t, true).URL, newOIDCServer(t, true).URL, driver, "")

	outcome, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Stage != StagePartiallyCompleted {
		t.Errorf("Stage = %q, want partially_completed", outcome.Stage)
	}
	if outcome.Bundle.Status != bundle.StatusRegistered {
		t.Errorf("Status = %q, want registered", outcome.Bundle.Status)
	}
	bundles, _ := st.List(context.Background())
	if len(bundles) != 1 || bundles[0].Status != bundle.StatusRegistered {
		t.Fatalf("registered bundle not persisted: %+v", bundles)
	}
}

func TestRunIdentityFailureIsFatal(t *testing.T) {
	t.Parallel()

	driver := newFakeDriver()
	runner, st := newTestRunner(t, newPortalServer(t, false).URL, newOIDCServer(t, false).URL, driver, "")
	runner.source = &fakeSource{err: errors.New("mailbox service down")}

	if _, err := runner.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded without an identity")
	}
	bundles, _ := st.List(context.Background())
	if len(bundles) != 0 {
		t.Fatalf("bundles persisted without an identity: %+v", bundles)
	}
}

func TestRunResolvesVerificationChallenge(t *testing.T) {
	t.Parallel()

	driver := newFakeDriver()
	// The authorize page shows a verification challenge; submitting the
	// emailed code moves the browser to the redirect URI.
	driver.routes["https://provider.example/authorize"] = "https://provider.example/verify"
	driver.pageText = "Verify your identity"
	driver.onClick = func(d *fakeDriver, intent browser.Intent) {
		if intent == browser.IntentConfirmCode {
			d.mu.Lock()
			d.location = "https://app.example/signin/oauth?code=c1"
			d.pageText = ""
			d.mu.Unlock()
		}
	}

	runner, _ := newTestRunner(t, newPortalServer(t, false).URL, newOIDCServer(t, false).URL, driver, "654321")
	outcome, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.PortalErr != nil {
		t.Fatalf("PortalErr = %v", outcome.PortalErr)
	}
	driver.mu.Lock()
	filled := driver.fills[browser.IntentCodeField]
	driver.mu.Unlock()
	if filled != "654321" {
		t.Errorf("code field = %q, want the emailed code", filled)
	}
}

func TestRunBatchSummary(t *testing.T) {
	t.Parallel()

	driver := newFakeDriver()
	driver.routes["https://provider.example/authorize"] = "https://app.example/signin/oauth?code=c1"

	runner, st := newTestRunner(t, newPortalServer(t, false).URL, newOIDCServer(t, false).URL, driver, "123456")
	runner.cfg.Batch.Count = 3
	runner.cfg.Batch.IntervalSeconds = 0

	summary, err := runner.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if summary.Total != 3 || summary.Completed != 3 || summary.Partial != 0 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want 3 completed", summary)
	}
	bundles, _ := st.List(context.Background())
	if len(bundles) != 3 {
		t.Errorf("persisted %d bundles, want 3 (append-only)", len(bundles))
	}
}

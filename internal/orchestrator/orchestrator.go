// Package orchestrator drives one account end to end: acquire an identity,
// attempt the web-portal authorization-code flow and the device-authorization
// flow independently, and persist whatever credentials were obtained. A
// failed sub-flow degrades the run, it never aborts it; the bundle is always
// appended to the store.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kirotools/accountforge/internal/auth/ssooidc"
	"github.com/kirotools/accountforge/internal/auth/webportal"
	"github.com/kirotools/accountforge/internal/browser"
	"github.com/kirotools/accountforge/internal/bundle"
	"github.com/kirotools/accountforge/internal/config"
	"github.com/kirotools/accountforge/internal/identity"
	"github.com/kirotools/accountforge/internal/store"
	"github.com/kirotools/accountforge/internal/verify"
)

// Stage tracks how far a run has progressed.
type Stage string

const (
	StageIdentityAcquired   Stage = "identity_acquired"
	StageAuthCodeStarted    Stage = "auth_code_started"
	StageAuthCodeExchanged  Stage = "auth_code_exchanged"
	StageDeviceRegistered   Stage = "device_registered"
	StageDeviceAuthorized   Stage = "device_authorized"
	StageDevicePolling      Stage = "device_polling"
	StageCompleted          Stage = "completed"
	StagePartiallyCompleted Stage = "partially_completed"
)

// Outcome is the result of one run. PortalErr and SSOErr record sub-flow
// failures; the bundle reflects whatever succeeded.
type Outcome struct {
	Bundle    *bundle.Bundle
	Stage     Stage
	PortalErr error
	SSOErr    error
}

// Runner wires the collaborators of one account flow.
type Runner struct {
	cfg      *config.Config
	source   identity.Source
	portal   *webportal.Client
	oidc     *ssooidc.Client
	driver   browser.Driver
	resolver *verify.Resolver
	store    store.Store

	// checkTick spaces browser observations while waiting for pages to
	// settle. Injectable for tests.
	checkTick time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewRunner assembles a runner from its collaborators.
func NewRunner(cfg *config.Config, source identity.Source, portal *webportal.Client, oidc *ssooidc.Client, driver browser.Driver, resolver *verify.Resolver, st store.Store) *Runner {
	return &Runner{
		cfg:       cfg,
		source:    source,
		portal:    portal,
		oidc:      oidc,
		driver:    driver,
		resolver:  resolver,
		store:     st,
		checkTick: 2 * time.Second,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func logStage(email string, stage Stage) {
	log.WithField("email", email).WithField("stage", stage).Info("stage reached")
}

// Run executes one account flow. Only identity acquisition is fatal; every
// later failure is recorded on the outcome and the bundle is persisted
// regardless.
func (r *Runner) Run(ctx context.Context) (*Outcome, error) {
	id, err := r.source.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: acquire identity: %w", err)
	}
	logStage(id.Email, StageIdentityAcquired)

	outcome := &Outcome{}

	portalCreds, portalErr := r.runPortalFlow(ctx, id)
	if portalErr != nil {
		log.WithField("email", id.Email).WithField("error", portalErr).Warn("portal flow failed, continuing without portal tokens")
		outcome.PortalErr = portalErr
	}

	ssoCreds, ssoErr := r.runDeviceFlow(ctx, id)
	if ssoErr != nil {
		log.WithField("email", id.Email).WithField("error", ssoErr).Warn("device flow failed, continuing without device tokens")
		outcome.SSOErr = ssoErr
	}

	outcome.Bundle = bundle.Assemble(id, portalCreds, ssoCreds)
	if portalErr == nil && ssoErr == nil {
		outcome.Stage = StageCompleted
	} else {
		outcome.Stage = StagePartiallyCompleted
	}
	logStage(id.Email, outcome.Stage)

	if errAppend := r.store.Append(ctx, outcome.Bundle); errAppend != nil {
		return outcome, fmt.Errorf("orchestrator: persist bundle: %w", errAppend)
	}
	return outcome, nil
}

// runPortalFlow performs the authorization-code leg: initiate, drive the
// browser to the authorize URL, wait for the redirect, exchange the code.
func (r *Runner) runPortalFlow(ctx context.Context, id *identity.Identity) (*bundle.PortalCredentials, error) {
	session, err := r.portal.InitiateLogin(ctx, r.cfg.Portal.IDP)
	if err != nil {
		return nil, err
	}
	logStage(id.Email, StageAuthCodeStarted)

	if err = r.driver.Navigate(ctx, session.AuthorizeURL); err != nil {
		return nil, err
	}

	redirect, err := r.waitForRedirect(ctx, session, id)
	if err != nil {
		return nil, err
	}

	token, err := r.portal.ExchangeToken(ctx, session, redirect)
	if err != nil {
		return nil, err
	}
	logStage(id.Email, StageAuthCodeExchanged)

	if token.AccessToken != "" {
		if info, errInfo := r.portal.GetUserInfo(ctx, token.AccessToken, token.IDP); errInfo != nil {
			log.WithField("email", id.Email).Debugf("user info fetch failed: %v", errInfo)
		} else {
			log.WithField("email", info.Email).WithField("status", info.Status).Debug("portal user info")
		}
	}

	return &bundle.PortalCredentials{
		AccessToken:  token.AccessToken,
		CSRFToken:    token.CSRFToken,
		RefreshToken: token.RefreshToken,
		ExpiresIn:    token.ExpiresIn,
		ProfileArn:   token.ProfileArn,
	}, nil
}

// waitForRedirect watches the browser location until it lands on the
// redirect URI, assisting the sign-in pages it passes through on the way.
func (r *Runner) waitForRedirect(ctx context.Context, session *webportal.Session, id *identity.Identity) (*webportal.Redirect, error) {
	deadline := time.Now().Add(time.Duration(r.cfg.Portal.RedirectTimeoutSeconds) * time.Second)
	for {
		location, err := r.driver.CurrentLocation(ctx)
		if err == nil {
			redirect, errCapture := webportal.CaptureRedirect(session, location)
			if errCapture != nil {
				return nil, errCapture
			}
			if redirect != nil {
				return redirect, nil
			}
			r.assistSignIn(ctx, id)
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("orchestrator: timed out waiting for redirect to %s", session.RedirectURI)
		}
		if err = r.sleep(ctx, r.checkTick); err != nil {
			return nil, err
		}
	}
}

// assistSignIn nudges the browser through the provider pages by intent:
// credentials when a sign-in form shows, the emailed code when a
// verification challenge shows, consent when an allow page shows. Every
// action is best effort; the page may have moved on by the time it lands.
func (r *Runner) assistSignIn(ctx context.Context, id *identity.Identity) {
	if ok, _ := r.driver.PageContains(ctx, "Builder ID"); ok {
		_ = r.driver.Click(ctx, browser.IntentBuilderID)
	}
	if ok, _ := r.driver.PageContains(ctx, "Sign in"); ok {
		_ = r.driver.Fill(ctx, browser.IntentEmailField, id.Email)
		_ = r.driver.Fill(ctx, browser.IntentPasswordField, id.Password)
		_ = r.driver.Click(ctx, browser.IntentContinue)
	}
	if ok, _ := r.driver.PageContains(ctx, "Verify your identity"); ok {
		r.resolveVerification(ctx, id)
	}
	if ok, _ := r.driver.PageContains(ctx, "Allow access"); ok {
		_ = r.driver.Click(ctx, browser.IntentAllowAccess)
	}
}

// resolveVerification waits for the emailed code and submits it. A timeout
// degrades the run: the flow keeps waiting for the page to move, and the
// outer deadline decides.
func (r *Runner) resolveVerification(ctx context.Context, id *identity.Identity) {
	code, err := r.resolver.WaitForCode(ctx, id.Email)
	if err != nil {
		log.WithField("email", id.Email).Warnf("verification challenge unresolved: %v", err)
		return
	}
	_ = r.driver.Fill(ctx, browser.IntentCodeField, code)
	_ = r.driver.Click(ctx, browser.IntentConfirmCode)
}

// runDeviceFlow performs the device-authorization leg: register, start,
// drive the browser through the verification page, poll for the token.
func (r *Runner) runDeviceFlow(ctx context.Context, id *identity.Identity) (*bundle.SSOCredentials, error) {
	registration, err := r.oidc.RegisterClient(ctx, ssooidc.ClientConfig{
		ClientName: r.cfg.OIDC.ClientName,
		IssuerURL:  r.cfg.OIDC.IssuerURL,
	})
	if err != nil {
		return nil, err
	}
	logStage(id.Email, StageDeviceRegistered)

	authorization, err := r.oidc.StartDeviceAuthorization(ctx, registration.ClientID, registration.ClientSecret, r.cfg.OIDC.StartURL)
	if err != nil {
		return nil, err
	}
	logStage(id.Email, StageDeviceAuthorized)

	if err = r.driver.Navigate(ctx, authorization.VerificationURL()); err != nil {
		return nil, err
	}

	// The verification page asks for sign-in, sometimes an emailed code,
	// then confirmation of the displayed user code. Poll in the background
	// while assisting: the token shows up as soon as the user-code leg
	// finishes.
	assistCtx, stopAssist := context.WithCancel(ctx)
	defer stopAssist()
	go r.assistDeviceVerification(assistCtx, id)

	logStage(id.Email, StageDevicePolling)
	token, err := r.oidc.PollUntilComplete(ctx, registration.ClientID, registration.ClientSecret, authorization)
	stopAssist()
	if err != nil {
		return nil, err
	}

	return &bundle.SSOCredentials{
		RefreshToken: token.RefreshToken,
		ClientID:     registration.ClientID,
		ClientSecret: registration.ClientSecret,
		AccessToken:  token.AccessToken,
		Region:       r.cfg.Region,
		Provider:     r.cfg.Portal.IDP,
	}, nil
}

func (r *Runner) assistDeviceVerification(ctx context.Context, id *identity.Identity) {
	for {
		r.assistSignIn(ctx, id)
		if ok, _ := r.driver.PageContains(ctx, "Confirm and continue"); ok {
			_ = r.driver.Click(ctx, browser.IntentConfirmCode)
		}
		if err := r.sleep(ctx, r.checkTick); err != nil {
			return
		}
	}
}

// Package verify resolves the email verification challenge the identity
// provider raises during sign-in. The inbox itself lives behind the
// CodeSource collaborator; this package only owns the waiting policy.
package verify

import (
	"context"
	"errors"
	"regexp"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kirotools/accountforge/internal/config"
)

// ErrTimeout is returned when no verification code arrived within the wait
// budget. Callers treat it as a degraded outcome, not a fatal one.
var ErrTimeout = errors.New("verify: timed out waiting for verification code")

// CodeSource fetches the newest verification code for an address. It returns
// an empty string (no error) when no code has arrived yet; errors are
// transient inbox failures and do not stop the wait.
type CodeSource interface {
	FetchCode(ctx context.Context, email string) (string, error)
}

var codePattern = regexp.MustCompile(`^\d{4,8}$`)

// Resolver polls a CodeSource until a usable code shows up.
type Resolver struct {
	source  CodeSource
	timeout time.Duration
	poll    time.Duration

	// sleep is injectable so the wait loop can be tested without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewResolver builds a resolver with the configured wait budget and poll
// spacing.
func NewResolver(cfg *config.Config, source CodeSource) *Resolver {
	return &Resolver{
		source:  source,
		timeout: time.Duration(cfg.Email.TimeoutSeconds) * time.Second,
		poll:    time.Duration(cfg.Email.PollSeconds) * time.Second,
		sleep:   sleepContext,
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

// WaitForCode polls the source until it yields a numeric code or the wait
// budget runs out. Source errors are logged and retried; only context
// cancellation and exhaustion end the wait early.
func (r *Resolver) WaitForCode(ctx context.Context, email string) (string, error) {
	deadline := time.Now().Add(r.timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		code, err := r.source.FetchCode(ctx, email)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.WithField("email", email).Debugf("inbox check failed, retrying: %v", err)
		} else if code != "" {
			if codePattern.MatchString(code) {
				log.WithField("email", email).Info("verification code received")
				return code, nil
			}
			log.WithField("email", email).Warnf("ignoring non-numeric verification candidate %q", code)
		}

		if time.Now().Add(r.poll).After(deadline) {
			break
		}
		if err = r.sleep(ctx, r.poll); err != nil {
			break
		}
	}

	if ctx.Err() == context.Canceled {
		return "", ctx.Err()
	}
	return "", ErrTimeout
}

// Package main provides the entry point for the account forge. The tool
// creates AWS Builder ID backed accounts and exchanges each one for the two
// credential sets the Kiro desktop application imports: the web-portal token
// set and the SSO OIDC device-authorization token pair.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/kirotools/accountforge/internal/auth/ssooidc"
	"github.com/kirotools/accountforge/internal/auth/webportal"
	"github.com/kirotools/accountforge/internal/browser"
	"github.com/kirotools/accountforge/internal/bundle"
	"github.com/kirotools/accountforge/internal/config"
	"github.com/kirotools/accountforge/internal/identity"
	"github.com/kirotools/accountforge/internal/logging"
	"github.com/kirotools/accountforge/internal/orchestrator"
	"github.com/kirotools/accountforge/internal/relay"
	"github.com/kirotools/accountforge/internal/store"
	"github.com/kirotools/accountforge/internal/verify"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = "config.yaml"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	fmt.Printf("AccountForge Version: %s, Commit: %s, BuiltAt: %s\n", Version, Commit, BuildDate)

	var (
		configPath   string
		email        string
		password     string
		count        int
		interval     int
		listAccounts bool
		refreshEmail string
	)

	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.StringVar(&email, "email", "", "Mailbox address for the account to create")
	flag.StringVar(&password, "password", "", "Account password (generated when empty)")
	flag.IntVar(&count, "count", 0, "Number of accounts to create (overrides config)")
	flag.IntVar(&interval, "interval", -1, "Seconds between accounts (overrides config)")
	flag.BoolVar(&listAccounts, "list", false, "List stored credential bundles and exit")
	flag.StringVar(&refreshEmail, "refresh", "", "Refresh the SSO access token of a stored account and exit")
	flag.Parse()

	// Load environment variables from .env when present.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to load .env file: %v", err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("failed to load config: %v", err)
		}
		// No config file is fine; defaults cover everything.
		cfg, _ = config.LoadConfig("")
	}
	if count > 0 {
		cfg.Batch.Count = count
	}
	if interval >= 0 {
		cfg.Batch.IntervalSeconds = interval
	}

	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer func() {
		_ = st.Close()
	}()

	switch {
	case listAccounts:
		if err = printAccounts(ctx, st); err != nil {
			log.Fatalf("failed to list accounts: %v", err)
		}
	case refreshEmail != "":
		if err = refreshAccount(ctx, cfg, st, refreshEmail); err != nil {
			log.Fatalf("refresh failed: %v", err)
		}
	default:
		if strings.TrimSpace(email) == "" {
			log.Fatal("an -email address is required to create accounts")
		}
		if err = runForge(ctx, cfg, st, email, password); err != nil {
			log.Fatalf("run failed: %v", err)
		}
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if dsn := strings.TrimSpace(cfg.Store.PostgresDSN); dsn != "" {
		return store.NewPostgresStore(ctx, store.PostgresStoreConfig{
			DSN:    dsn,
			Schema: cfg.Store.PostgresSchema,
			Table:  cfg.Store.PostgresTable,
		})
	}
	fs := store.NewFileStore(cfg.Store.Path)
	if err := fs.Watch(ctx); err != nil {
		log.Warnf("store watcher unavailable: %v", err)
	}
	return fs, nil
}

func printAccounts(ctx context.Context, st store.Store) error {
	bundles, err := st.List(ctx)
	if err != nil {
		return err
	}
	if len(bundles) == 0 {
		fmt.Println("no stored accounts")
		return nil
	}
	for i, b := range bundles {
		fmt.Printf("%3d  %-40s %-20s %s\n", i+1, b.Email, b.Status, b.CreatedAt)
	}
	return nil
}

// refreshAccount exchanges the stored refresh token of the newest record for
// the address for a fresh access token.
func refreshAccount(ctx context.Context, cfg *config.Config, st store.Store, email string) error {
	bundles, err := st.List(ctx)
	if err != nil {
		return err
	}
	var target *bundle.Bundle
	for i := range bundles {
		if bundles[i].Email == email {
			target = &bundles[i]
		}
	}
	if target == nil {
		return fmt.Errorf("no stored account for %s", email)
	}
	if target.AWSSSORefreshToken == "" {
		return fmt.Errorf("account %s has no SSO refresh token", email)
	}

	client := ssooidc.NewClient(cfg)
	token, err := client.RefreshToken(ctx, target.AWSSSOClientID, target.AWSSSOClientSecret, target.AWSSSORefreshToken)
	if err != nil {
		return err
	}
	fmt.Printf("access token (expires in %ds):\n%s\n", token.ExpiresIn, token.AccessToken)
	return nil
}

func runForge(ctx context.Context, cfg *config.Config, st store.Store, email, password string) error {
	var driver browser.Driver
	if strings.TrimSpace(cfg.Relay.Listen) != "" {
		relayDriver := relay.NewDriver()
		server := relay.NewServer(relayDriver, cfg.Relay.Listen)
		go func() {
			if err := server.Start(); err != nil {
				log.Errorf("relay server stopped: %v", err)
			}
		}()
		defer func() {
			_ = server.Shutdown(context.Background())
		}()
		driver = relayDriver
	} else {
		log.Info("relay disabled, driving the flow through the system browser")
		driver = &manualDriver{}
	}

	runner := orchestrator.NewRunner(cfg,
		&flagSource{email: email, password: password},
		webportal.NewClient(cfg),
		ssooidc.NewClient(cfg),
		driver,
		verify.NewResolver(cfg, &stdinCodes{}),
		st,
	)

	summary, err := runner.RunBatch(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("batch result: %d completed, %d partial, %d failed of %d\n",
		summary.Completed, summary.Partial, summary.Failed, summary.Total)
	return nil
}

// flagSource builds identities from the command line: the given mailbox with
// a generated (or given) password and a generated display name.
type flagSource struct {
	email    string
	password string
}

func (s *flagSource) Acquire(_ context.Context) (*identity.Identity, error) {
	id, err := identity.New(s.email)
	if err != nil {
		return nil, err
	}
	if s.password != "" {
		id.Password = s.password
	}
	return id, nil
}

// manualDriver drives the flow through the operator's own browser: it opens
// URLs with the system opener and asks the operator to paste the address bar
// whenever the flow needs to know where the browser is. Page assistance is a
// no-op; the operator fills the forms themselves.
type manualDriver struct {
	reader *bufio.Reader
}

func (d *manualDriver) Navigate(_ context.Context, url string) error {
	fmt.Printf("opening %s\n", url)
	return browser.OpenURL(url)
}

func (d *manualDriver) CurrentLocation(_ context.Context) (string, error) {
	if d.reader == nil {
		d.reader = bufio.NewReader(os.Stdin)
	}
	fmt.Print("paste the current browser URL (enter to keep waiting): ")
	line, err := d.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (d *manualDriver) PageContains(context.Context, string) (bool, error) { return false, nil }

func (d *manualDriver) Fill(context.Context, browser.Intent, string) error { return nil }

func (d *manualDriver) Click(context.Context, browser.Intent) error { return nil }

// stdinCodes asks the operator to relay the emailed verification code.
type stdinCodes struct {
	reader *bufio.Reader
}

func (s *stdinCodes) FetchCode(_ context.Context, email string) (string, error) {
	if s.reader == nil {
		s.reader = bufio.NewReader(os.Stdin)
	}
	fmt.Printf("enter the verification code sent to %s: ", email)
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

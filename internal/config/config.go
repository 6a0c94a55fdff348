// Package config provides configuration management for the account forge.
// It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including the target region,
// portal endpoints, store backends, batch behavior, and proxy configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default endpoint values for the AWS Builder ID / Kiro flows.
const (
	DefaultRegion          = "us-east-1"
	DefaultIssuerURL       = "https://oidc.us-east-1.amazonaws.com"
	DefaultStartURL        = "https://view.awsapps.com/start"
	DefaultPortalURL       = "https://app.kiro.dev"
	DefaultRedirectURI     = "https://app.kiro.dev/signin/oauth"
	DefaultIDP             = "BuilderId"
	DefaultClientName      = "Kiro Account Manager"
	DefaultStorePath       = "accounts.json"
	DefaultEmailTimeout    = 120
	DefaultEmailPoll       = 5
	DefaultRedirectTimeout = 60
	DefaultBatchInterval   = 30
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	// Supports http, https and socks5 schemes.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// Region is the AWS region hosting the SSO OIDC endpoints.
	Region string `yaml:"region" json:"region"`

	// LoggingToFile switches log output from stdout to rotating files.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsMaxTotalSizeMB bounds the total size of the log directory. <= 0 disables cleanup.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb,omitempty" json:"logs-max-total-size-mb,omitempty"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// OIDC configures the device-authorization flow against AWS SSO OIDC.
	OIDC OIDCConfig `yaml:"oidc" json:"oidc"`

	// Portal configures the Kiro web-portal authorization-code flow.
	Portal PortalConfig `yaml:"portal" json:"portal"`

	// Email configures how long the run waits for verification codes.
	Email EmailConfig `yaml:"email" json:"email"`

	// Store configures where credential bundles are persisted.
	Store StoreConfig `yaml:"store" json:"store"`

	// Batch configures sequential multi-account runs.
	Batch BatchConfig `yaml:"batch" json:"batch"`

	// Relay configures the local HTTP bridge for the external browser-automation agent.
	Relay RelayConfig `yaml:"relay" json:"relay"`
}

// OIDCConfig holds the device-authorization flow settings.
type OIDCConfig struct {
	// IssuerURL identifies the OIDC issuer used when registering the device client.
	IssuerURL string `yaml:"issuer-url" json:"issuer-url"`

	// StartURL is the SSO start URL passed to the device-authorization call.
	StartURL string `yaml:"start-url" json:"start-url"`

	// ClientName is the client name used when registering the device client.
	ClientName string `yaml:"client-name" json:"client-name"`
}

// PortalConfig holds the web-portal authorization-code flow settings.
type PortalConfig struct {
	// BaseURL is the web portal origin.
	BaseURL string `yaml:"base-url" json:"base-url"`

	// RedirectURI is the OAuth redirect target the portal sends the browser back to.
	RedirectURI string `yaml:"redirect-uri" json:"redirect-uri"`

	// IDP selects the identity provider (Github, AWSIdC, BuilderId, Google, Internal).
	IDP string `yaml:"idp" json:"idp"`

	// RedirectTimeoutSeconds bounds the wait for the post-login redirect.
	RedirectTimeoutSeconds int `yaml:"redirect-timeout-seconds,omitempty" json:"redirect-timeout-seconds,omitempty"`
}

// EmailConfig holds verification-code wait settings.
type EmailConfig struct {
	// TimeoutSeconds bounds the total wait for a verification code. Exceeding it
	// degrades the run instead of failing it.
	TimeoutSeconds int `yaml:"timeout-seconds,omitempty" json:"timeout-seconds,omitempty"`

	// PollSeconds is the spacing between inbox checks.
	PollSeconds int `yaml:"poll-seconds,omitempty" json:"poll-seconds,omitempty"`
}

// StoreConfig selects and configures the credential-store backend.
type StoreConfig struct {
	// Path is the JSON document holding the ordered bundle collection (file backend).
	Path string `yaml:"path" json:"path"`

	// PostgresDSN, when set, selects the Postgres-backed append-only store instead of the file store.
	PostgresDSN string `yaml:"postgres-dsn,omitempty" json:"postgres-dsn,omitempty"`

	// PostgresSchema optionally namespaces the bundle table.
	PostgresSchema string `yaml:"postgres-schema,omitempty" json:"postgres-schema,omitempty"`

	// PostgresTable overrides the bundle table name.
	PostgresTable string `yaml:"postgres-table,omitempty" json:"postgres-table,omitempty"`
}

// BatchConfig controls sequential multi-account registration.
type BatchConfig struct {
	// Count is the number of accounts to create in one invocation.
	Count int `yaml:"count,omitempty" json:"count,omitempty"`

	// IntervalSeconds is the delay between consecutive runs.
	IntervalSeconds int `yaml:"interval-seconds,omitempty" json:"interval-seconds,omitempty"`
}

// RelayConfig controls the local automation bridge.
type RelayConfig struct {
	// Listen is the address the relay server binds to, e.g. "127.0.0.1:8998".
	// Empty disables the relay; the run then falls back to the system browser.
	Listen string `yaml:"listen,omitempty" json:"listen,omitempty"`
}

// LoadConfig reads the YAML file at configFile, expands ${ENV} references and
// applies defaults for every unset field.
func LoadConfig(configFile string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(configFile) != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
		expanded := os.ExpandEnv(string(data))
		if err = yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", configFile, err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Region) == "" {
		c.Region = DefaultRegion
	}
	if strings.TrimSpace(c.OIDC.IssuerURL) == "" {
		c.OIDC.IssuerURL = DefaultIssuerURL
	}
	if strings.TrimSpace(c.OIDC.StartURL) == "" {
		c.OIDC.StartURL = DefaultStartURL
	}
	if strings.TrimSpace(c.OIDC.ClientName) == "" {
		c.OIDC.ClientName = DefaultClientName
	}
	if strings.TrimSpace(c.Portal.BaseURL) == "" {
		c.Portal.BaseURL = DefaultPortalURL
	}
	if strings.TrimSpace(c.Portal.RedirectURI) == "" {
		c.Portal.RedirectURI = DefaultRedirectURI
	}
	if strings.TrimSpace(c.Portal.IDP) == "" {
		c.Portal.IDP = DefaultIDP
	}
	if c.Portal.RedirectTimeoutSeconds <= 0 {
		c.Portal.RedirectTimeoutSeconds = DefaultRedirectTimeout
	}
	if c.Email.TimeoutSeconds <= 0 {
		c.Email.TimeoutSeconds = DefaultEmailTimeout
	}
	if c.Email.PollSeconds <= 0 {
		c.Email.PollSeconds = DefaultEmailPoll
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = DefaultStorePath
	}
	if c.Batch.Count <= 0 {
		c.Batch.Count = 1
	}
	if c.Batch.IntervalSeconds < 0 {
		c.Batch.IntervalSeconds = DefaultBatchInterval
	}
}

// OIDCBaseURL returns the region-templated SSO OIDC endpoint base.
func (c *Config) OIDCBaseURL() string {
	return fmt.Sprintf("https://oidc.%s.amazonaws.com", c.Region)
}

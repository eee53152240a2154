package oauth

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sequentops/integration-oauth/security"
)

// Default paths for the browser-facing routes.
const (
	DefaultCallbackPath    = "/oauth/callback"
	DefaultSuccessPagePath = "/oauth/success"
	DefaultErrorPagePath   = "/oauth/error"
)

// DefaultExchangeTimeout bounds outbound calls to provider token endpoints.
const DefaultExchangeTimeout = 30 * time.Second

// RateLimitConfig controls per-client throttling of the public callback
// route. TrustProxy governs whether X-Forwarded-For is believed when
// attributing requests to an IP.
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
	TrustProxy        bool
	TrustedProxyCount int
}

// Config wires the flow engine and its HTTP surface together.
type Config struct {
	// Environment selects the redirect validation policy. Production
	// restricts callbacks to https.
	Environment security.Environment

	// BaseURL is the externally visible origin of this service, e.g.
	// "https://integrations.example.com". The callback URL registered with
	// providers is BaseURL + CallbackPath.
	BaseURL string

	CallbackPath    string
	SuccessPagePath string
	ErrorPagePath   string

	// PostMessageOrigin restricts which opener origin the interstitial pages
	// post their outcome message to. Empty falls back to "*"; the messages
	// carry identifiers and generic text only, never tokens.
	PostMessageOrigin string

	// Redirect hosts allowed in addition to BaseURL's own host. Entries
	// also authorize their subdomains.
	ProductionRedirectHosts  []string
	DevelopmentRedirectHosts []string

	// StateSigningKey signs the state parameter. Minimum 32 bytes.
	StateSigningKey []byte

	// EncryptionKey encrypts tokens at rest (32 bytes for AES-256-GCM).
	// Nil stores tokens without encryption; Validate rejects that in
	// production.
	EncryptionKey []byte

	// AllowPlainPKCE permits the "plain" code challenge method for
	// providers that cannot do S256. Off by default.
	AllowPlainPKCE bool

	// Guard configures the abuse detection thresholds.
	Guard security.GuardConfig

	// ExchangeTimeout bounds provider token endpoint calls.
	ExchangeTimeout time.Duration

	RateLimit RateLimitConfig

	// APIKeyHashes holds bcrypt hashes of the keys accepted on the
	// authenticated management routes (connect, refresh, disconnect).
	APIKeyHashes []string

	Logger     *slog.Logger
	HTTPClient *http.Client
}

// SetDefaults fills zero values with production-safe defaults.
func (c *Config) SetDefaults() {
	if c.Environment == "" {
		c.Environment = security.EnvProduction
	}
	if c.CallbackPath == "" {
		c.CallbackPath = DefaultCallbackPath
	}
	if c.SuccessPagePath == "" {
		c.SuccessPagePath = DefaultSuccessPagePath
	}
	if c.ErrorPagePath == "" {
		c.ErrorPagePath = DefaultErrorPagePath
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = DefaultExchangeTimeout
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = 5
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 10
	}
	c.Guard.SetDefaults()
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks the configuration for deployment mistakes that would
// otherwise surface as runtime flow failures.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base URL must be absolute: %q", c.BaseURL)
	}
	if c.Environment == security.EnvProduction && u.Scheme != "https" {
		return fmt.Errorf("production base URL must use https, got %q", u.Scheme)
	}
	if len(c.StateSigningKey) < 32 {
		return fmt.Errorf("state signing key must be at least 32 bytes, got %d", len(c.StateSigningKey))
	}
	if c.Environment == security.EnvProduction && len(c.EncryptionKey) == 0 {
		return fmt.Errorf("token encryption key is required in production")
	}
	if !strings.HasPrefix(c.CallbackPath, "/") {
		return fmt.Errorf("callback path must start with /, got %q", c.CallbackPath)
	}
	return nil
}

// CallbackURL returns the absolute redirect URI registered with providers.
func (c *Config) CallbackURL() string {
	return strings.TrimSuffix(c.BaseURL, "/") + c.CallbackPath
}

// RedirectPolicy builds the validation policy for callback redirect URIs.
// The service's own host is always allowed.
func (c *Config) RedirectPolicy() *security.RedirectPolicy {
	ownHost := ""
	if u, err := url.Parse(c.BaseURL); err == nil {
		ownHost = u.Hostname()
	}
	prod := append([]string{}, c.ProductionRedirectHosts...)
	dev := append([]string{}, c.DevelopmentRedirectHosts...)
	if ownHost != "" {
		prod = append(prod, ownHost)
		dev = append(dev, ownHost)
	}
	return &security.RedirectPolicy{
		Environment:      c.Environment,
		ProductionHosts:  prod,
		DevelopmentHosts: dev,
		CallbackPath:     c.CallbackPath,
	}
}

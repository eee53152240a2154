// Package providers implements the network client for external identity
// providers: the authorization-code-for-token exchange, refresh, and
// best-effort revocation, over golang.org/x/oauth2.
//
// Providers disagree on how client credentials travel to the token endpoint
// (HTTP basic header vs form body), so credential transmission is a
// per-provider configuration rather than a hard-coded method.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTimeout bounds every token-endpoint call. A slow provider must not
// be able to pin request-handling capacity.
const DefaultTimeout = 30 * time.Second

// Credential transmission styles. See storage.Provider.AuthStyle.
const (
	AuthStyleHeader = "header"
	AuthStyleBody   = "body"
)

// ErrUnavailable marks timeouts and connection failures against the
// provider. Terminal for the attempt; retries are caller policy, never
// performed inline here.
var ErrUnavailable = errors.New("provider unavailable")

// OAuthError is a provider-returned OAuth 2.0 error (invalid_grant,
// invalid_client, ...). The concrete code is for audit records; external
// surfaces must map it to a generic message.
type OAuthError struct {
	Code        string
	Description string
	StatusCode  int
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider returned %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("provider returned %s (status %d)", e.Code, e.StatusCode)
}

// Config holds one provider's connection settings.
type Config struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RevokeURL    string // optional; revocation is skipped without it
	Scopes       []string
	RedirectURL  string

	// AuthStyle is AuthStyleHeader or AuthStyleBody. Empty lets the oauth2
	// package probe, but being explicit avoids a wasted round trip against
	// providers that reject the wrong style outright.
	AuthStyle string

	// Timeout bounds each network call. Defaults to DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the transport (tests, instrumentation).
	HTTPClient *http.Client
}

// Client performs token exchanges against one provider.
type Client struct {
	name       string
	config     *oauth2.Config
	revokeURL  string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient validates cfg and builds a client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token URL is required")
	}

	authStyle := oauth2.AuthStyleAutoDetect
	switch cfg.AuthStyle {
	case AuthStyleHeader:
		authStyle = oauth2.AuthStyleInHeader
	case AuthStyleBody:
		authStyle = oauth2.AuthStyleInParams
	case "":
	default:
		return nil, fmt.Errorf("unknown auth style %q (want %q or %q)", cfg.AuthStyle, AuthStyleHeader, AuthStyleBody)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		name: cfg.Name,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: authStyle,
			},
		},
		revokeURL:  cfg.RevokeURL,
		timeout:    timeout,
		httpClient: httpClient,
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return c.name
}

// AuthorizationURL builds the provider redirect URL for a new flow. Pass
// empty codeChallenge to run a traditional (non-PKCE) flow.
func (c *Client) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	var opts []oauth2.AuthCodeOption
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", codeChallengeMethod),
		)
	}
	return c.config.AuthCodeURL(state, opts...)
}

// Exchange trades an authorization code for tokens. Exactly one network
// call; errors classify into *OAuthError (provider said no) or
// ErrUnavailable (provider unreachable).
func (c *Client) Exchange(ctx context.Context, code, redirectURI, codeVerifier string) (*oauth2.Token, error) {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("redirect_uri", redirectURI),
	}
	if codeVerifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	}

	ctx, cancel := c.boundContext(ctx)
	defer cancel()

	token, err := c.config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, classify(err)
	}
	return token, nil
}

// Refresh trades a refresh token for a fresh token set. The provider may or
// may not rotate the refresh token; callers keep the old one when the
// response omits it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx, cancel := c.boundContext(ctx)
	defer cancel()

	token, err := c.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classify(err)
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

// Revoke revokes a token at the provider (RFC 7009). Best-effort: providers
// without a revocation endpoint are a no-op.
func (c *Client) Revoke(ctx context.Context, token string) error {
	if c.revokeURL == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(c.config.ClientID), url.QueryEscape(c.config.ClientSecret))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider revocation returned status %d", resp.StatusCode)
	}
	return nil
}

// boundContext applies the call timeout and routes oauth2's internals
// through the configured HTTP client.
func (c *Client) boundContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return context.WithTimeout(ctx, c.timeout)
}

// classify maps transport and provider failures onto the package's error
// taxonomy.
func classify(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		oe := &OAuthError{
			Code:        retrieveErr.ErrorCode,
			Description: retrieveErr.ErrorDescription,
		}
		if retrieveErr.Response != nil {
			oe.StatusCode = retrieveErr.Response.StatusCode
		}
		if oe.Code == "" {
			oe.Code = "server_error"
		}
		return oe
	}
	// Anything that never produced an OAuth response: timeout, refused
	// connection, DNS failure.
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// IsUnavailable reports whether err represents an unreachable provider.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// AsOAuthError extracts a provider-returned OAuth error, if any.
func AsOAuthError(err error) (*OAuthError, bool) {
	var oe *OAuthError
	ok := errors.As(err, &oe)
	return oe, ok
}

package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

// tokenEndpoint spins up a fake provider token endpoint and captures the
// last request for assertions.
type tokenEndpoint struct {
	mu          chan struct{}
	lastForm    url.Values
	lastAuth    string
	statusCode  int
	body        any
	delay       time.Duration
	requestSeen bool
}

func newTokenEndpoint() *tokenEndpoint {
	return &tokenEndpoint{
		statusCode: http.StatusOK,
		body: map[string]any{
			"access_token":  "at-123",
			"refresh_token": "rt-456",
			"token_type":    "Bearer",
			"expires_in":    3600,
		},
	}
}

func (te *tokenEndpoint) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if te.delay > 0 {
			time.Sleep(te.delay)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		te.lastForm = r.PostForm
		te.lastAuth = r.Header.Get("Authorization")
		te.requestSeen = true

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(te.statusCode)
		_ = json.NewEncoder(w).Encode(te.body)
	}
}

func testClient(t *testing.T, serverURL, authStyle string) *Client {
	t.Helper()
	c, err := NewClient(&Config{
		Name:         "fakeprov",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AuthURL:      serverURL + "/authorize",
		TokenURL:     serverURL + "/token",
		RedirectURL:  "https://app.example.com/api/v1/oauth/callback",
		AuthStyle:    authStyle,
		Timeout:      2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(&Config{TokenURL: "https://x/token"}); err == nil {
		t.Error("missing client ID should fail")
	}
	if _, err := NewClient(&Config{ClientID: "id"}); err == nil {
		t.Error("missing token URL should fail")
	}
	if _, err := NewClient(&Config{ClientID: "id", TokenURL: "https://x/token", AuthStyle: "cookie"}); err == nil {
		t.Error("unknown auth style should fail")
	}
}

func TestClient_Exchange(t *testing.T) {
	te := newTokenEndpoint()
	srv := httptest.NewServer(te.handler(t))
	defer srv.Close()

	c := testClient(t, srv.URL, AuthStyleBody)
	token, err := c.Exchange(context.Background(), "auth-code", "https://app.example.com/api/v1/oauth/callback", "")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if token.AccessToken != "at-123" || token.RefreshToken != "rt-456" {
		t.Errorf("unexpected token %+v", token)
	}
	if got := te.lastForm.Get("code"); got != "auth-code" {
		t.Errorf("code = %q", got)
	}
	if got := te.lastForm.Get("grant_type"); got != "authorization_code" {
		t.Errorf("grant_type = %q", got)
	}
}

func TestClient_Exchange_PKCEVerifierForwarded(t *testing.T) {
	te := newTokenEndpoint()
	srv := httptest.NewServer(te.handler(t))
	defer srv.Close()

	c := testClient(t, srv.URL, AuthStyleBody)
	_, err := c.Exchange(context.Background(), "auth-code", "https://app.example.com/api/v1/oauth/callback", "the-verifier")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if got := te.lastForm.Get("code_verifier"); got != "the-verifier" {
		t.Errorf("code_verifier = %q, want forwarded", got)
	}
}

// Credential transmission is per-provider: body style puts the secret in the
// form, header style uses HTTP basic and keeps it out of the body.
func TestClient_CredentialTransmission(t *testing.T) {
	tests := []struct {
		style      string
		wantInBody bool
		wantBasic  bool
	}{
		{AuthStyleBody, true, false},
		{AuthStyleHeader, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.style, func(t *testing.T) {
			te := newTokenEndpoint()
			srv := httptest.NewServer(te.handler(t))
			defer srv.Close()

			c := testClient(t, srv.URL, tt.style)
			if _, err := c.Exchange(context.Background(), "code", "https://app.example.com/api/v1/oauth/callback", ""); err != nil {
				t.Fatalf("Exchange() error = %v", err)
			}

			inBody := te.lastForm.Get("client_secret") != ""
			if inBody != tt.wantInBody {
				t.Errorf("client_secret in body = %v, want %v", inBody, tt.wantInBody)
			}
			hasBasic := strings.HasPrefix(te.lastAuth, "Basic ")
			if hasBasic != tt.wantBasic {
				t.Errorf("basic auth header present = %v, want %v", hasBasic, tt.wantBasic)
			}
		})
	}
}

func TestClient_Exchange_ProviderOAuthError(t *testing.T) {
	te := newTokenEndpoint()
	te.statusCode = http.StatusBadRequest
	te.body = map[string]any{"error": "invalid_grant", "error_description": "code expired"}
	srv := httptest.NewServer(te.handler(t))
	defer srv.Close()

	c := testClient(t, srv.URL, AuthStyleBody)
	_, err := c.Exchange(context.Background(), "stale-code", "https://app.example.com/api/v1/oauth/callback", "")
	if err == nil {
		t.Fatal("expected error")
	}
	oe, ok := AsOAuthError(err)
	if !ok {
		t.Fatalf("error %v should classify as OAuthError", err)
	}
	if oe.Code != "invalid_grant" {
		t.Errorf("Code = %q, want invalid_grant", oe.Code)
	}
	if IsUnavailable(err) {
		t.Error("an OAuth error is not an availability failure")
	}
}

func TestClient_Exchange_Timeout(t *testing.T) {
	te := newTokenEndpoint()
	te.delay = 500 * time.Millisecond
	srv := httptest.NewServer(te.handler(t))
	defer srv.Close()

	c, err := NewClient(&Config{
		Name:      "slowprov",
		ClientID:  "id",
		TokenURL:  srv.URL + "/token",
		AuthStyle: AuthStyleBody,
		Timeout:   50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	_, err = c.Exchange(context.Background(), "code", "https://app.example.com/api/v1/oauth/callback", "")
	if !IsUnavailable(err) {
		t.Errorf("timeout should classify as unavailable, got %v", err)
	}
}

func TestClient_Exchange_ConnectionRefused(t *testing.T) {
	c, err := NewClient(&Config{
		Name:      "deadprov",
		ClientID:  "id",
		TokenURL:  "http://127.0.0.1:1/token",
		AuthStyle: AuthStyleBody,
		Timeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	_, err = c.Exchange(context.Background(), "code", "https://app.example.com/api/v1/oauth/callback", "")
	if !IsUnavailable(err) {
		t.Errorf("connection failure should classify as unavailable, got %v", err)
	}
}

func TestClient_Refresh(t *testing.T) {
	te := newTokenEndpoint()
	te.body = map[string]any{
		"access_token": "at-new",
		"token_type":   "Bearer",
		"expires_in":   3600,
		// No refresh_token: provider did not rotate.
	}
	srv := httptest.NewServer(te.handler(t))
	defer srv.Close()

	c := testClient(t, srv.URL, AuthStyleBody)
	token, err := c.Refresh(context.Background(), "rt-old")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if token.AccessToken != "at-new" {
		t.Errorf("AccessToken = %q", token.AccessToken)
	}
	if token.RefreshToken != "rt-old" {
		t.Errorf("RefreshToken = %q, want old token retained", token.RefreshToken)
	}
	if got := te.lastForm.Get("grant_type"); got != "refresh_token" {
		t.Errorf("grant_type = %q", got)
	}
}

func TestClient_AuthorizationURL(t *testing.T) {
	c := testClient(t, "https://provider.example", "header")

	raw := c.AuthorizationURL("state-value", "challenge-value", "S256")
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	q := parsed.Query()
	if q.Get("state") != "state-value" {
		t.Errorf("state = %q", q.Get("state"))
	}
	if q.Get("code_challenge") != "challenge-value" || q.Get("code_challenge_method") != "S256" {
		t.Errorf("PKCE params = %q / %q", q.Get("code_challenge"), q.Get("code_challenge_method"))
	}

	// Traditional flow: no PKCE params at all.
	raw = c.AuthorizationURL("state-value", "", "")
	parsed, _ = url.Parse(raw)
	if parsed.Query().Has("code_challenge") {
		t.Error("traditional flow should not carry code_challenge")
	}
}

func TestClient_Revoke(t *testing.T) {
	var seen bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = true
		_ = r.ParseForm()
		if r.PostForm.Get("token") != "tok" {
			t.Errorf("token = %q", r.PostForm.Get("token"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewClient(&Config{
		Name:      "revprov",
		ClientID:  "id",
		TokenURL:  srv.URL + "/token",
		RevokeURL: srv.URL + "/revoke",
		AuthStyle: AuthStyleBody,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if err := c.Revoke(context.Background(), "tok"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if !seen {
		t.Error("revocation endpoint was not called")
	}

	// No revocation URL configured: silent no-op.
	c2 := testClient(t, srv.URL, AuthStyleBody)
	if err := c2.Revoke(context.Background(), "tok"); err != nil {
		t.Errorf("Revoke() without endpoint = %v, want nil", err)
	}
}

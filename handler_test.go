package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/sequentops/integration-oauth/storage"
)

const testAPIKey = "test-api-key-1"

func newHandlerEnv(t *testing.T, mutate func(*Config)) (*Handler, *testEnv) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt hash error: %v", err)
	}
	env := newTestEnvWithConfig(t, false, func(cfg *Config) {
		cfg.APIKeyHashes = []string{string(hash)}
		if mutate != nil {
			mutate(cfg)
		}
	})
	h := NewHandler(env.engine)
	t.Cleanup(h.Close)
	return h, env
}

func doRequest(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, req)
	return rr
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	return req
}

func TestCallbackRouteIsPublicAndRedirects(t *testing.T) {
	h, _ := newHandlerEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?state=garbage&code=c", nil)
	rr := doRequest(h, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rr.Code)
	}
	loc := rr.Header().Get("Location")
	if !strings.Contains(loc, "/oauth/error") {
		t.Errorf("Location = %q, want error page", loc)
	}
	if !strings.Contains(loc, "code=security_failed") {
		t.Errorf("Location = %q, want generic code", loc)
	}
	if rr.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("security headers not set on callback response")
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("request id not assigned")
	}
}

func TestCallbackEndToEndThroughRouter(t *testing.T) {
	h, env := newHandlerEnv(t, nil)
	start, query := env.startFlow(t)

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=auth-code-1&state="+url.QueryEscape(query.Get("state")), nil)
	rr := doRequest(h, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rr.Code)
	}
	loc := rr.Header().Get("Location")
	if !strings.Contains(loc, "/oauth/success") || !strings.Contains(loc, start.IntegrationID) {
		t.Errorf("Location = %q", loc)
	}
}

func TestManagementRoutesRequireAPIKey(t *testing.T) {
	h, _ := newHandlerEnv(t, nil)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/integrations/connect"},
		{http.MethodGet, "/integrations/some-id"},
		{http.MethodPost, "/integrations/some-id/refresh"},
		{http.MethodDelete, "/integrations/some-id"},
	}
	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rr := doRequest(h, httptest.NewRequest(tc.method, tc.path, strings.NewReader("{}")))
			if rr.Code != http.StatusUnauthorized {
				t.Errorf("status without key = %d, want 401", rr.Code)
			}

			wrong := httptest.NewRequest(tc.method, tc.path, strings.NewReader("{}"))
			wrong.Header.Set("Authorization", "Bearer wrong-key")
			if rr := doRequest(h, wrong); rr.Code != http.StatusUnauthorized {
				t.Errorf("status with wrong key = %d, want 401", rr.Code)
			}
		})
	}
}

func TestConnectEndpoint(t *testing.T) {
	h, env := newHandlerEnv(t, nil)

	body, _ := json.Marshal(ConnectRequest{TenantID: "tenant-1", UserID: "user-1", ProviderID: "github"})
	req := authed(httptest.NewRequest(http.MethodPost, "/integrations/connect", bytes.NewReader(body)))
	rr := doRequest(h, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var start ConnectionStart
	if err := json.Unmarshal(rr.Body.Bytes(), &start); err != nil {
		t.Fatalf("response unmarshal error: %v", err)
	}
	if start.IntegrationID == "" || !strings.Contains(start.AuthorizationURL, "state=") {
		t.Errorf("response = %+v", start)
	}
	if _, err := env.store.GetIntegration(context.Background(), start.IntegrationID); err != nil {
		t.Errorf("pending integration not created: %v", err)
	}
}

func TestConnectUnknownProvider(t *testing.T) {
	h, _ := newHandlerEnv(t, nil)
	body, _ := json.Marshal(ConnectRequest{TenantID: "t", UserID: "u", ProviderID: "nope"})
	rr := doRequest(h, authed(httptest.NewRequest(http.MethodPost, "/integrations/connect", bytes.NewReader(body))))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestRefreshEndpointRedactsTokens(t *testing.T) {
	h, env := newHandlerEnv(t, nil)
	integ := connectedIntegration(t, env)

	body, _ := json.Marshal(RefreshRequest{TenantID: "tenant-1", Force: true})
	req := authed(httptest.NewRequest(http.MethodPost, "/integrations/"+integ.ID+"/refresh", bytes.NewReader(body)))
	rr := doRequest(h, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	response := rr.Body.String()
	if strings.Contains(response, "access-token") || strings.Contains(response, "refresh-token") {
		t.Error("token material in refresh response")
	}
	var view IntegrationView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if view.Status != "active" || !view.HasAccessToken {
		t.Errorf("view = %+v", view)
	}
}

func TestRefreshEndpointEnforcesOwnership(t *testing.T) {
	h, env := newHandlerEnv(t, nil)
	integ := connectedIntegration(t, env)

	body, _ := json.Marshal(RefreshRequest{TenantID: "tenant-other", Force: true})
	req := authed(httptest.NewRequest(http.MethodPost, "/integrations/"+integ.ID+"/refresh", bytes.NewReader(body)))
	if rr := doRequest(h, req); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestDisconnectEndpoint(t *testing.T) {
	h, env := newHandlerEnv(t, nil)
	integ := connectedIntegration(t, env)

	req := authed(httptest.NewRequest(http.MethodDelete, "/integrations/"+integ.ID+"?tenantId=tenant-1", nil))
	if rr := doRequest(h, req); rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}
	stored, err := env.store.GetIntegration(context.Background(), integ.ID)
	if err != nil {
		t.Fatalf("tombstone missing after disconnect: %v", err)
	}
	if stored.Status != storage.StatusRevoked || stored.EncryptedAccessToken != "" {
		t.Errorf("expected cleared revoked tombstone, got status %q", stored.Status)
	}
}

func TestSuccessPageRendersPostMessagePayload(t *testing.T) {
	h, _ := newHandlerEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/oauth/success?tenantId=tenant-1&integrationId=int-1", nil)
	rr := doRequest(h, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `data-tenant-id="tenant-1"`) || !strings.Contains(body, `data-integration-id="int-1"`) {
		t.Error("page missing outcome data attributes")
	}
	if !strings.Contains(body, "oauth_success") {
		t.Error("page missing postMessage type")
	}
	if !strings.Contains(body, "window.close") {
		t.Error("page does not close itself")
	}
	if rr.Header().Get("Cache-Control") != "no-store, no-cache, must-revalidate, private" {
		t.Errorf("Cache-Control = %q", rr.Header().Get("Cache-Control"))
	}
}

func TestErrorPageIgnoresInjectedMessage(t *testing.T) {
	h, _ := newHandlerEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/oauth/error?code=request_expired&message="+url.QueryEscape("<script>alert(1)</script>"), nil)
	rr := doRequest(h, req)

	body := rr.Body.String()
	if strings.Contains(body, "<script>alert(1)</script>") {
		t.Error("query-supplied message rendered verbatim")
	}
	if !strings.Contains(body, MsgRequestExpired) {
		t.Error("message not re-derived from code")
	}

	// Unknown codes collapse to the generic invalid-request category.
	req = httptest.NewRequest(http.MethodGet, "/oauth/error?code=INVALID_STATE", nil)
	rr = doRequest(h, req)
	if !strings.Contains(rr.Body.String(), MsgInvalidRequest) {
		t.Error("unknown code did not collapse to generic message")
	}
}

func TestRateLimiting(t *testing.T) {
	h, _ := newHandlerEnv(t, func(cfg *Config) {
		cfg.RateLimit.RequestsPerSecond = 1
		cfg.RateLimit.Burst = 2
	})

	var last int
	for i := 0; i < 5; i++ {
		rr := doRequest(h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		last = rr.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("status after burst = %d, want 429", last)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	h, _ := newHandlerEnv(t, nil)
	rr := doRequest(h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestUnknownRouteIsNotPublic(t *testing.T) {
	h, _ := newHandlerEnv(t, nil)
	rr := doRequest(h, httptest.NewRequest(http.MethodGet, "/oauth/callback/../secrets", nil))
	if rr.Code == http.StatusOK {
		t.Error("unregistered route served without authentication")
	}
}

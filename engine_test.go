package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sequentops/integration-oauth/security"
	"github.com/sequentops/integration-oauth/state"
	"github.com/sequentops/integration-oauth/storage"
	"github.com/sequentops/integration-oauth/storage/memory"
)

var (
	testSigningKey    = bytes.Repeat([]byte("s"), 32)
	testEncryptionKey = bytes.Repeat([]byte("e"), 32)
)

// fakeProvider is a minimal token endpoint capturing everything the engine
// sends it.
type fakeProvider struct {
	mu          sync.Mutex
	tokenForms  []url.Values
	revokeForms []url.Values

	tokenStatus int // 0 means 200
	tokenBody   string
	accessToken string
}

func (f *fakeProvider) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		f.tokenForms = append(f.tokenForms, r.PostForm)
		status, body, access := f.tokenStatus, f.tokenBody, f.accessToken
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != 0 {
			w.WriteHeader(status)
			if body == "" {
				body = `{"error":"invalid_grant"}`
			}
			w.Write([]byte(body))
			return
		}
		if access == "" {
			access = "access-token-1"
		}
		w.Write([]byte(`{"access_token":"` + access + `","token_type":"Bearer","refresh_token":"refresh-token-1","expires_in":3600,"scope":"repo read:user"}`))
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		f.revokeForms = append(f.revokeForms, r.PostForm)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (f *fakeProvider) tokenCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokenForms)
}

func (f *fakeProvider) lastTokenForm() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tokenForms) == 0 {
		return nil
	}
	return f.tokenForms[len(f.tokenForms)-1]
}

type testEnv struct {
	engine   *Engine
	store    *memory.Store
	provider *fakeProvider
	server   *httptest.Server
}

func newTestEnv(t *testing.T, requirePKCE bool) *testEnv {
	return newTestEnvWithConfig(t, requirePKCE, nil)
}

func newTestEnvWithConfig(t *testing.T, requirePKCE bool, mutate func(*Config)) *testEnv {
	t.Helper()

	fake := &fakeProvider{}
	ts := httptest.NewServer(fake.handler())
	t.Cleanup(ts.Close)

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	cfg := &Config{
		Environment:     security.EnvDevelopment,
		BaseURL:         "http://localhost:8080",
		StateSigningKey: testSigningKey,
		EncryptionKey:   testEncryptionKey,
		Logger:          logger,
	}
	if mutate != nil {
		mutate(cfg)
	}

	store := memory.New(logger)
	engine, err := NewEngine(cfg, store, store)
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}

	enc, err := security.NewEncryptor(testEncryptionKey)
	if err != nil {
		t.Fatalf("NewEncryptor() error: %v", err)
	}
	secret, err := enc.Encrypt("client-secret-1")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	err = store.SaveProvider(context.Background(), &storage.Provider{
		ID:                    "github",
		Name:                  "GitHub",
		AuthURL:               ts.URL + "/authorize",
		TokenURL:              ts.URL + "/token",
		RevokeURL:             ts.URL + "/revoke",
		ClientID:              "client-1",
		EncryptedClientSecret: secret,
		Scopes:                []string{"repo", "read:user"},
		AuthStyle:             "body",
		RequirePKCE:           requirePKCE,
	})
	if err != nil {
		t.Fatalf("SaveProvider() error: %v", err)
	}

	return &testEnv{engine: engine, store: store, provider: fake, server: ts}
}

func (env *testEnv) startFlow(t *testing.T) (*ConnectionStart, url.Values) {
	t.Helper()
	start, err := env.engine.StartConnection(context.Background(), &StartRequest{
		TenantID:   "tenant-1",
		UserID:     "user-1",
		ProviderID: "github",
	})
	if err != nil {
		t.Fatalf("StartConnection() error: %v", err)
	}
	u, err := url.Parse(start.AuthorizationURL)
	if err != nil {
		t.Fatalf("authorization URL unparseable: %v", err)
	}
	return start, u.Query()
}

func (env *testEnv) decrypt(t *testing.T, ciphertext string) string {
	t.Helper()
	plain, err := env.engine.encryptor.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	return plain
}

func TestFullConnectionFlowWithPKCE(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	start, query := env.startFlow(t)

	if query.Get("code_challenge") == "" || query.Get("code_challenge_method") != "S256" {
		t.Fatalf("authorization URL missing PKCE parameters: %v", query)
	}
	if query.Get("state") == "" {
		t.Fatal("authorization URL missing state")
	}
	if query.Get("redirect_uri") != "http://localhost:8080/oauth/callback" {
		t.Errorf("redirect_uri = %q", query.Get("redirect_uri"))
	}

	pending, err := env.store.GetIntegration(ctx, start.IntegrationID)
	if err != nil {
		t.Fatalf("pending integration not stored: %v", err)
	}
	if pending.Status != storage.StatusPending {
		t.Errorf("pending status = %q", pending.Status)
	}
	if !pending.HasPKCE() {
		t.Error("pending integration missing PKCE metadata")
	}

	result := env.engine.HandleCallback(ctx, &CallbackRequest{
		Code:     "auth-code-1",
		State:    query.Get("state"),
		ClientIP: "198.51.100.7",
	})
	if !result.Success {
		t.Fatalf("callback failed with code %s, redirect %s", result.ErrorCode, result.RedirectURL)
	}
	if !strings.Contains(result.RedirectURL, "/oauth/success") {
		t.Errorf("redirect URL = %q, want success page", result.RedirectURL)
	}
	if !strings.Contains(result.RedirectURL, "integrationId="+start.IntegrationID) {
		t.Errorf("redirect URL missing integration id: %q", result.RedirectURL)
	}

	// The verifier parked at flow start must be the one sent to the token
	// endpoint.
	form := env.provider.lastTokenForm()
	if form.Get("code_verifier") != pending.Metadata[storage.MetaCodeVerifier] {
		t.Error("code_verifier sent to provider does not match stored verifier")
	}
	if form.Get("code") != "auth-code-1" {
		t.Errorf("code sent = %q", form.Get("code"))
	}
	if form.Get("client_secret") != "client-secret-1" {
		t.Error("decrypted client secret not transmitted in body")
	}

	stored, err := env.store.GetIntegration(ctx, start.IntegrationID)
	if err != nil {
		t.Fatalf("GetIntegration() error: %v", err)
	}
	if stored.Status != storage.StatusActive {
		t.Errorf("status = %q, want active", stored.Status)
	}
	if stored.HasPKCE() {
		t.Error("PKCE metadata not cleared after flow resolved")
	}
	if stored.Version != pending.Version+1 {
		t.Errorf("version = %d, want %d", stored.Version, pending.Version+1)
	}
	if got := env.decrypt(t, stored.EncryptedAccessToken); got != "access-token-1" {
		t.Errorf("decrypted access token = %q", got)
	}
	if got := env.decrypt(t, stored.EncryptedRefreshToken); got != "refresh-token-1" {
		t.Errorf("decrypted refresh token = %q", got)
	}
	if stored.EncryptedAccessToken == "access-token-1" {
		t.Error("access token stored in plaintext")
	}
	if len(stored.ScopesGranted) != 2 {
		t.Errorf("scopes granted = %v", stored.ScopesGranted)
	}

	metrics, err := env.engine.Auditor().Metrics(ctx, time.Minute)
	if err != nil {
		t.Fatalf("audit metrics error: %v", err)
	}
	if metrics.TotalAttempts != 1 || metrics.SuccessCount != 1 {
		t.Errorf("audit metrics = %+v, want one success", metrics)
	}
}

func TestCallbackRejectsTamperedState(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	_, query := env.startFlow(t)
	tampered := query.Get("state") + "x"

	result := env.engine.HandleCallback(ctx, &CallbackRequest{Code: "c", State: tampered})
	if result.Success {
		t.Fatal("tampered state accepted")
	}
	if result.ErrorCode != ErrCodeInvalidState {
		t.Errorf("error code = %q, want %q", result.ErrorCode, ErrCodeInvalidState)
	}
	if !strings.Contains(result.RedirectURL, "code=security_failed") {
		t.Errorf("redirect = %q, want generic security_failed", result.RedirectURL)
	}
	if strings.Contains(result.RedirectURL, "INVALID_STATE") {
		t.Error("internal error code leaked into redirect URL")
	}
	if env.provider.tokenCalls() != 0 {
		t.Error("token endpoint reached despite invalid state")
	}
}

func TestCallbackRejectsExpiredState(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	start, _ := env.startFlow(t)

	stale := &state.Context{
		IntegrationID: start.IntegrationID,
		TenantID:      "tenant-1",
		UserID:        "user-1",
		Nonce:         "nonce-1",
		IssuedAt:      time.Now().Add(-11 * time.Minute).Unix(),
	}
	encoded, err := env.engine.codec.Encode(stale)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	result := env.engine.HandleCallback(ctx, &CallbackRequest{Code: "c", State: encoded})
	if result.ErrorCode != ErrCodeStateExpired {
		t.Errorf("error code = %q, want %q", result.ErrorCode, ErrCodeStateExpired)
	}
	if !strings.Contains(result.RedirectURL, "code=request_expired") {
		t.Errorf("redirect = %q", result.RedirectURL)
	}
}

func TestCallbackTenantMismatchIndistinguishableFromMissing(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	start, _ := env.startFlow(t)

	wrongTenant, err := env.engine.codec.Encode(state.NewContext(start.IntegrationID, "tenant-other", "user-1"))
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	missing, err := env.engine.codec.Encode(state.NewContext("no-such-integration", "tenant-1", "user-1"))
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	mismatch := env.engine.HandleCallback(ctx, &CallbackRequest{Code: "c", State: wrongTenant})
	notFound := env.engine.HandleCallback(ctx, &CallbackRequest{Code: "c", State: missing})

	if mismatch.ErrorCode != ErrCodeIntegrationNotFound || notFound.ErrorCode != ErrCodeIntegrationNotFound {
		t.Errorf("codes = %q, %q, want both %q", mismatch.ErrorCode, notFound.ErrorCode, ErrCodeIntegrationNotFound)
	}
	if mismatch.RedirectURL != notFound.RedirectURL {
		t.Errorf("tenant mismatch redirect %q differs from missing-integration redirect %q", mismatch.RedirectURL, notFound.RedirectURL)
	}
}

func TestCallbackProviderDenial(t *testing.T) {
	env := newTestEnv(t, false)

	result := env.engine.HandleCallback(context.Background(), &CallbackRequest{
		ProviderError:    "access_denied",
		ProviderErrorDsc: "user denied the request",
	})
	if result.Success {
		t.Fatal("provider denial reported success")
	}
	if result.ErrorCode != ErrCodeProviderError {
		t.Errorf("error code = %q", result.ErrorCode)
	}
	if strings.Contains(result.RedirectURL, "access_denied") {
		t.Error("provider error detail leaked into redirect URL")
	}
}

func TestCallbackProviderUnavailable(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	start, query := env.startFlow(t)

	// Kill the provider before the exchange.
	env.server.Close()

	result := env.engine.HandleCallback(ctx, &CallbackRequest{Code: "c", State: query.Get("state")})
	if result.ErrorCode != ErrCodeProviderUnavailable {
		t.Errorf("error code = %q, want %q", result.ErrorCode, ErrCodeProviderUnavailable)
	}

	// Unavailability is recoverable: the record stays pending for a fresh
	// connection attempt, but the spent flow's PKCE parameters are gone.
	stored, err := env.store.GetIntegration(ctx, start.IntegrationID)
	if err != nil {
		t.Fatalf("GetIntegration() error: %v", err)
	}
	if stored.Status != storage.StatusPending {
		t.Errorf("status = %q, want %q", stored.Status, storage.StatusPending)
	}
	if stored.HasPKCE() {
		t.Error("PKCE metadata still parked after the flow resolved")
	}
}

func TestCallbackMissingPKCEWhenMandatory(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	start, query := env.startFlow(t)

	// Strip the parked PKCE metadata to simulate a flow that lost it.
	integ, err := env.store.GetIntegration(ctx, start.IntegrationID)
	if err != nil {
		t.Fatalf("GetIntegration() error: %v", err)
	}
	integ.ClearFlowMetadata()
	if err := env.store.SaveIntegration(ctx, integ); err != nil {
		t.Fatalf("SaveIntegration() error: %v", err)
	}

	result := env.engine.HandleCallback(ctx, &CallbackRequest{Code: "c", State: query.Get("state")})
	if result.ErrorCode != ErrCodeInvalidPKCEParameters {
		t.Errorf("error code = %q, want %q", result.ErrorCode, ErrCodeInvalidPKCEParameters)
	}
	if env.provider.tokenCalls() != 0 {
		t.Error("token endpoint reached without PKCE verification")
	}
}

func TestCallbackWithoutPKCEIsTraditionalFlow(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	_, query := env.startFlow(t)

	result := env.engine.HandleCallback(ctx, &CallbackRequest{Code: "auth-code-1", State: query.Get("state")})
	if !result.Success {
		t.Fatalf("traditional flow rejected: %s", result.ErrorCode)
	}
	if form := env.provider.lastTokenForm(); form.Get("code_verifier") != "" {
		t.Error("traditional flow sent a code_verifier")
	}
}

func connectedIntegration(t *testing.T, env *testEnv) *storage.Integration {
	t.Helper()
	ctx := context.Background()
	start, query := env.startFlow(t)
	result := env.engine.HandleCallback(ctx, &CallbackRequest{Code: "auth-code-1", State: query.Get("state")})
	if !result.Success {
		t.Fatalf("connection flow failed: %s", result.ErrorCode)
	}
	integ, err := env.store.GetIntegration(ctx, start.IntegrationID)
	if err != nil {
		t.Fatalf("GetIntegration() error: %v", err)
	}
	return integ
}

func TestRefreshSkipsFreshToken(t *testing.T) {
	env := newTestEnv(t, false)
	integ := connectedIntegration(t, env)
	calls := env.provider.tokenCalls()

	got, err := env.engine.Refresh(context.Background(), integ.ID, false)
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if got.Version != integ.Version {
		t.Errorf("fresh token was rewritten: version %d -> %d", integ.Version, got.Version)
	}
	if env.provider.tokenCalls() != calls {
		t.Error("provider called for a token that is still fresh")
	}
}

func TestRefreshForceRotatesTokens(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	integ := connectedIntegration(t, env)

	env.provider.mu.Lock()
	env.provider.accessToken = "access-token-2"
	env.provider.mu.Unlock()

	got, err := env.engine.Refresh(ctx, integ.ID, true)
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if got.Version != integ.Version+1 {
		t.Errorf("version = %d, want %d", got.Version, integ.Version+1)
	}
	if plain := env.decrypt(t, got.EncryptedAccessToken); plain != "access-token-2" {
		t.Errorf("refreshed access token = %q", plain)
	}
	if form := env.provider.lastTokenForm(); form.Get("grant_type") != "refresh_token" {
		t.Errorf("grant_type = %q", form.Get("grant_type"))
	}
}

func TestRefreshConcurrentLoserObservesWinner(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	integ := connectedIntegration(t, env)

	var wg sync.WaitGroup
	results := make([]*storage.Integration, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.engine.Refresh(ctx, integ.ID, true)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("concurrent refresh %d failed: %v", i, errs[i])
		}
		if results[i].Status != storage.StatusActive {
			t.Errorf("refresh %d returned status %q", i, results[i].Status)
		}
	}

	final, err := env.store.GetIntegration(ctx, integ.ID)
	if err != nil {
		t.Fatalf("GetIntegration() error: %v", err)
	}
	if final.Status != storage.StatusActive {
		t.Errorf("final status = %q", final.Status)
	}
	if env.decrypt(t, final.EncryptedAccessToken) == "" {
		t.Error("final record has no usable access token")
	}
}

func TestRefreshRejectedGrantMarksError(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	integ := connectedIntegration(t, env)

	env.provider.mu.Lock()
	env.provider.tokenStatus = http.StatusBadRequest
	env.provider.mu.Unlock()

	_, err := env.engine.Refresh(ctx, integ.ID, true)
	if err == nil {
		t.Fatal("rejected refresh reported success")
	}
	if FlowCode(err) != ErrCodeTokenExchangeFailed {
		t.Errorf("flow code = %q", FlowCode(err))
	}

	stored, err := env.store.GetIntegration(ctx, integ.ID)
	if err != nil {
		t.Fatalf("GetIntegration() error: %v", err)
	}
	if stored.Status != storage.StatusError {
		t.Errorf("status = %q, want error", stored.Status)
	}
}

func TestRefreshRejectsPendingAndRevoked(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	start, _ := env.startFlow(t)

	if _, err := env.engine.Refresh(ctx, start.IntegrationID, true); err == nil {
		t.Error("refresh of a pending integration succeeded")
	}

	integ, _ := env.store.GetIntegration(ctx, start.IntegrationID)
	integ.Status = storage.StatusRevoked
	if err := env.store.SaveIntegration(ctx, integ); err != nil {
		t.Fatalf("SaveIntegration() error: %v", err)
	}
	if _, err := env.engine.Refresh(ctx, start.IntegrationID, true); err == nil {
		t.Error("refresh of a revoked integration succeeded")
	}
}

func TestDisconnectRevokesAndTombstones(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	integ := connectedIntegration(t, env)

	if err := env.engine.Disconnect(ctx, "tenant-1", integ.ID); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}

	env.provider.mu.Lock()
	revocations := len(env.provider.revokeForms)
	env.provider.mu.Unlock()
	if revocations == 0 {
		t.Error("provider revocation endpoint never called")
	}

	stored, err := env.store.GetIntegration(ctx, integ.ID)
	if err != nil {
		t.Fatalf("tombstone missing after disconnect: %v", err)
	}
	if stored.Status != storage.StatusRevoked {
		t.Errorf("Status = %q, want %q", stored.Status, storage.StatusRevoked)
	}
	if stored.EncryptedAccessToken != "" || stored.EncryptedRefreshToken != "" {
		t.Error("tombstone still carries token material")
	}
	if len(stored.ScopesGranted) != 0 {
		t.Error("tombstone still carries granted scopes")
	}
}

func TestDisconnectEnforcesOwnership(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	integ := connectedIntegration(t, env)

	if err := env.engine.Disconnect(ctx, "tenant-other", integ.ID); err == nil {
		t.Fatal("foreign tenant disconnected the integration")
	}
	if _, err := env.store.GetIntegration(ctx, integ.ID); err != nil {
		t.Error("integration deleted despite ownership failure")
	}
}

func TestGetIntegrationRedactsSecrets(t *testing.T) {
	env := newTestEnv(t, false)
	integ := connectedIntegration(t, env)

	view, err := env.engine.GetIntegration(context.Background(), "tenant-1", integ.ID)
	if err != nil {
		t.Fatalf("GetIntegration() error: %v", err)
	}
	raw, err := json.Marshal(view)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	body := string(raw)
	if strings.Contains(body, integ.EncryptedAccessToken) || strings.Contains(body, "access-token-1") {
		t.Error("token material present in external view")
	}
	if !view.HasAccessToken || !view.HasRefreshToken {
		t.Error("presence flags not set")
	}
}

func TestEveryCallbackProducesOneAuditRecord(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	_, query := env.startFlow(t)
	env.engine.HandleCallback(ctx, &CallbackRequest{Code: "c", State: query.Get("state")}) // success
	env.engine.HandleCallback(ctx, &CallbackRequest{Code: "c", State: "garbage"})          // invalid state
	env.engine.HandleCallback(ctx, &CallbackRequest{ProviderError: "access_denied"})       // provider denial

	metrics, err := env.engine.Auditor().Metrics(ctx, time.Minute)
	if err != nil {
		t.Fatalf("audit metrics error: %v", err)
	}
	if metrics.TotalAttempts != 3 {
		t.Fatalf("audit records = %d, want 3", metrics.TotalAttempts)
	}
	if metrics.SuccessCount != 1 || metrics.FailureCount != 2 {
		t.Errorf("success=%d failure=%d", metrics.SuccessCount, metrics.FailureCount)
	}
	if metrics.FailuresByCode[ErrCodeInvalidState] != 1 || metrics.FailuresByCode[ErrCodeProviderError] != 1 {
		t.Errorf("failures by code = %v", metrics.FailuresByCode)
	}
}

// Refresh attempts go through the same audit discipline as callbacks: one
// record per invocation, success and failure alike.
func TestEveryRefreshProducesOneAuditRecord(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	integ := connectedIntegration(t, env)

	before, err := env.engine.Auditor().Metrics(ctx, time.Minute)
	if err != nil {
		t.Fatalf("audit metrics error: %v", err)
	}

	if _, err := env.engine.Refresh(ctx, integ.ID, true); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	mid, err := env.engine.Auditor().Metrics(ctx, time.Minute)
	if err != nil {
		t.Fatalf("audit metrics error: %v", err)
	}
	if mid.TotalAttempts != before.TotalAttempts+1 {
		t.Fatalf("attempts = %d, want %d", mid.TotalAttempts, before.TotalAttempts+1)
	}
	if mid.SuccessCount != before.SuccessCount+1 {
		t.Errorf("success count = %d, want %d", mid.SuccessCount, before.SuccessCount+1)
	}

	env.provider.mu.Lock()
	env.provider.tokenStatus = http.StatusBadRequest
	env.provider.mu.Unlock()

	if _, err := env.engine.Refresh(ctx, integ.ID, true); err == nil {
		t.Fatal("rejected refresh grant reported success")
	}

	after, err := env.engine.Auditor().Metrics(ctx, time.Minute)
	if err != nil {
		t.Fatalf("audit metrics error: %v", err)
	}
	if after.TotalAttempts != mid.TotalAttempts+1 {
		t.Fatalf("attempts = %d, want %d", after.TotalAttempts, mid.TotalAttempts+1)
	}
	if after.FailuresByCode[ErrCodeTokenExchangeFailed] != 1 {
		t.Errorf("failures by code = %v", after.FailuresByCode)
	}
}

// A provider rejecting the single-use authorization code is terminal: the
// record moves to error and the parked PKCE parameters are cleared.
func TestCallbackExchangeRejectionResolvesIntegration(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	start, query := env.startFlow(t)

	env.provider.mu.Lock()
	env.provider.tokenStatus = http.StatusBadRequest
	env.provider.mu.Unlock()

	result := env.engine.HandleCallback(ctx, &CallbackRequest{Code: "spent-code", State: query.Get("state")})
	if result.Success {
		t.Fatal("rejected exchange reported success")
	}
	if result.ErrorCode != ErrCodeTokenExchangeFailed {
		t.Errorf("error code = %q, want %q", result.ErrorCode, ErrCodeTokenExchangeFailed)
	}

	stored, err := env.store.GetIntegration(ctx, start.IntegrationID)
	if err != nil {
		t.Fatalf("GetIntegration() error: %v", err)
	}
	if stored.Status != storage.StatusError {
		t.Errorf("status = %q, want %q", stored.Status, storage.StatusError)
	}
	if stored.HasPKCE() {
		t.Errorf("PKCE metadata still parked after terminal failure: %v", stored.Metadata)
	}
}

func TestCallbackPKCEFailureResolvesIntegration(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	start, query := env.startFlow(t)

	// Corrupt the parked challenge so verification cannot succeed.
	integ, err := env.store.GetIntegration(ctx, start.IntegrationID)
	if err != nil {
		t.Fatalf("GetIntegration() error: %v", err)
	}
	integ.Metadata[storage.MetaCodeChallenge] = "tampered-challenge"
	if err := env.store.SaveIntegration(ctx, integ); err != nil {
		t.Fatalf("SaveIntegration() error: %v", err)
	}

	result := env.engine.HandleCallback(ctx, &CallbackRequest{Code: "c", State: query.Get("state")})
	if result.ErrorCode != ErrCodeInvalidPKCEParameters {
		t.Fatalf("error code = %q, want %q", result.ErrorCode, ErrCodeInvalidPKCEParameters)
	}

	stored, err := env.store.GetIntegration(ctx, start.IntegrationID)
	if err != nil {
		t.Fatalf("GetIntegration() error: %v", err)
	}
	if stored.Status != storage.StatusError {
		t.Errorf("status = %q, want %q", stored.Status, storage.StatusError)
	}
	if stored.HasPKCE() {
		t.Error("PKCE metadata still parked after terminal failure")
	}
}

// A replayed callback against an integration whose flow already resolved must
// not flip an active record to error.
func TestCallbackReplayDoesNotDisturbActiveIntegration(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	start, query := env.startFlow(t)

	if result := env.engine.HandleCallback(ctx, &CallbackRequest{Code: "c", State: query.Get("state")}); !result.Success {
		t.Fatalf("connection flow failed: %s", result.ErrorCode)
	}

	env.provider.mu.Lock()
	env.provider.tokenStatus = http.StatusBadRequest
	env.provider.mu.Unlock()

	if result := env.engine.HandleCallback(ctx, &CallbackRequest{Code: "c", State: query.Get("state")}); result.Success {
		t.Fatal("replayed callback reported success")
	}

	stored, err := env.store.GetIntegration(ctx, start.IntegrationID)
	if err != nil {
		t.Fatalf("GetIntegration() error: %v", err)
	}
	if stored.Status != storage.StatusActive {
		t.Errorf("status = %q, want %q", stored.Status, storage.StatusActive)
	}
	if stored.EncryptedAccessToken == "" {
		t.Error("replayed callback stripped the stored tokens")
	}
}

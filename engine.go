package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sequentops/integration-oauth/instrumentation"
	"github.com/sequentops/integration-oauth/pkce"
	"github.com/sequentops/integration-oauth/providers"
	"github.com/sequentops/integration-oauth/security"
	"github.com/sequentops/integration-oauth/state"
	"github.com/sequentops/integration-oauth/storage"
)

// auditRetention is how long the default in-memory audit sink keeps records.
const auditRetention = 24 * time.Hour

// Engine orchestrates the integration connection lifecycle: starting a flow,
// resolving the provider callback, refreshing tokens, and disconnecting.
type Engine struct {
	config       *Config
	integrations storage.IntegrationStore
	providerCfgs storage.ProviderStore

	codec     *state.Codec
	policy    *security.RedirectPolicy
	guard     *security.Guard
	auditor   *security.Auditor
	encryptor *security.Encryptor
	inst      *instrumentation.Instrumentation
	logger    *slog.Logger
}

type engineOptions struct {
	attemptStore security.AttemptStore
	auditSink    security.AuditSink
	inst         *instrumentation.Instrumentation
}

// EngineOption customizes engine construction.
type EngineOption func(*engineOptions)

// WithAttemptStore backs the abuse guard with a shared store (storage/redis)
// instead of the process-local default.
func WithAttemptStore(s security.AttemptStore) EngineOption {
	return func(o *engineOptions) { o.attemptStore = s }
}

// WithAuditSink replaces the default in-memory audit sink.
func WithAuditSink(s security.AuditSink) EngineOption {
	return func(o *engineOptions) { o.auditSink = s }
}

// WithInstrumentation attaches metrics and tracing.
func WithInstrumentation(inst *instrumentation.Instrumentation) EngineOption {
	return func(o *engineOptions) { o.inst = inst }
}

// NewEngine validates cfg and wires the engine over the given stores.
func NewEngine(cfg *Config, integrations storage.IntegrationStore, providerCfgs storage.ProviderStore, opts ...EngineOption) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if integrations == nil || providerCfgs == nil {
		return nil, fmt.Errorf("integration and provider stores are required")
	}

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	codec, err := state.NewCodec(cfg.StateSigningKey)
	if err != nil {
		return nil, err
	}
	encryptor, err := security.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	attemptStore := o.attemptStore
	if attemptStore == nil {
		attemptStore = security.NewMemoryAttemptStore(2 * cfg.Guard.Window)
	}
	guard := security.NewGuard(attemptStore, cfg.Guard, cfg.Logger)

	auditSink := o.auditSink
	if auditSink == nil {
		auditSink = security.NewMemoryAuditSink(auditRetention)
	}

	inst := o.inst
	if inst == nil {
		inst, err = instrumentation.New(instrumentation.Config{})
		if err != nil {
			return nil, err
		}
	}

	return &Engine{
		config:       cfg,
		integrations: integrations,
		providerCfgs: providerCfgs,
		codec:        codec,
		policy:       cfg.RedirectPolicy(),
		guard:        guard,
		auditor:      security.NewAuditor(auditSink, guard, cfg.Logger),
		encryptor:    encryptor,
		inst:         inst,
		logger:       cfg.Logger,
	}, nil
}

// Auditor exposes the audit service for metrics endpoints.
func (e *Engine) Auditor() *security.Auditor {
	return e.auditor
}

// StartRequest initiates a connection flow for a tenant.
type StartRequest struct {
	TenantID   string
	UserID     string
	ProviderID string

	// IntegrationID reconnects an existing integration. Empty creates a new
	// one.
	IntegrationID string
}

// StartConnection creates (or resets) a pending integration and returns the
// provider authorization URL carrying the signed state. PKCE parameters are
// generated here when the provider mandates them and parked in the
// integration's metadata until the callback resolves.
func (e *Engine) StartConnection(ctx context.Context, req *StartRequest) (*ConnectionStart, error) {
	if req == nil || req.TenantID == "" || req.UserID == "" || req.ProviderID == "" {
		return nil, fmt.Errorf("tenant, user, and provider are required")
	}

	provider, err := e.providerCfgs.GetProvider(ctx, req.ProviderID)
	if err != nil {
		return nil, err
	}

	integ := &storage.Integration{
		ID:         req.IntegrationID,
		TenantID:   req.TenantID,
		ProviderID: provider.ID,
		Status:     storage.StatusPending,
		Metadata:   map[string]string{},
	}
	if integ.ID == "" {
		integ.ID = uuid.NewString()
	} else {
		existing, err := e.integrations.GetIntegration(ctx, integ.ID)
		if err != nil {
			return nil, err
		}
		if existing.TenantID != req.TenantID {
			return nil, storage.ErrIntegrationNotFound
		}
	}

	var challenge string
	if provider.RequirePKCE {
		verifier, err := pkce.GenerateVerifier()
		if err != nil {
			return nil, fmt.Errorf("failed to generate PKCE verifier: %w", err)
		}
		challenge = pkce.Challenge(verifier)
		integ.Metadata[storage.MetaCodeVerifier] = verifier
		integ.Metadata[storage.MetaCodeChallenge] = challenge
		integ.Metadata[storage.MetaCodeChallengeMethod] = pkce.MethodS256
	}

	if err := e.integrations.SaveIntegration(ctx, integ); err != nil {
		return nil, fmt.Errorf("failed to save pending integration: %w", err)
	}

	stateValue, err := e.codec.Encode(state.NewContext(integ.ID, req.TenantID, req.UserID))
	if err != nil {
		return nil, err
	}

	client, err := e.providerClient(provider)
	if err != nil {
		return nil, err
	}

	e.inst.Metrics().RecordConnectionStarted(ctx, provider.ID, provider.RequirePKCE)
	e.logger.Info("connection flow started",
		"integration_id", integ.ID,
		"provider", provider.ID,
		"pkce", provider.RequirePKCE,
	)

	return &ConnectionStart{
		IntegrationID:    integ.ID,
		AuthorizationURL: client.AuthorizationURL(stateValue, challenge, pkce.MethodS256),
	}, nil
}

// HandleCallback resolves an inbound provider callback. It never returns an
// error: every path terminates in a redirect to the success or error page,
// and every attempt produces exactly one audit record whatever the outcome.
func (e *Engine) HandleCallback(ctx context.Context, req *CallbackRequest) *CallbackResult {
	start := time.Now()

	rec := &security.AuditRecord{
		ClientIP:  req.ClientIP,
		UserAgent: req.UserAgent,
		FlowType:  security.FlowTraditional,
	}

	finish := func(result *CallbackResult) *CallbackResult {
		rec.Duration = time.Since(start)
		if result.Success {
			rec.Outcome = security.OutcomeSuccess
		} else {
			rec.Outcome = security.OutcomeFailure
			rec.ErrorCode = result.ErrorCode
		}

		if err := e.guard.Record(ctx, security.Attempt{
			ClientIP:      req.ClientIP,
			IntegrationID: rec.IntegrationID,
			TenantID:      rec.TenantID,
			Success:       result.Success,
		}); err != nil {
			e.logger.Warn("failed to record guard attempt", "error", err)
		}
		if findings, err := e.guard.Evaluate(ctx); err == nil {
			for _, f := range findings {
				e.inst.Metrics().RecordAbuseFinding(ctx, string(f.Type), string(f.Severity))
			}
		}

		e.auditor.LogAttempt(ctx, rec)
		e.inst.Metrics().RecordAuditEvent(ctx, string(rec.Outcome))
		e.inst.Metrics().RecordCallbackProcessed(ctx, rec.ProviderName, result.Success, result.ErrorCode, float64(rec.Duration.Milliseconds()))
		return result
	}

	fail := func(code, reason string) *CallbackResult {
		e.logger.Warn("callback rejected",
			"error_code", code,
			"reason", reason,
			"integration_id", rec.IntegrationID,
		)
		return finish(&CallbackResult{
			Success:     false,
			ErrorCode:   code,
			RedirectURL: e.errorPageURL(code),
		})
	}

	// The provider reporting an error (user denied consent, misconfigured
	// client) short-circuits before any state handling.
	if req.ProviderError != "" {
		return fail(ErrCodeProviderError, fmt.Sprintf("provider returned %s: %s", req.ProviderError, req.ProviderErrorDsc))
	}
	if req.Code == "" {
		return fail(ErrCodeInvalidState, "callback is missing the authorization code")
	}

	// Signed state is the first trust decision: nothing from the request is
	// believed until the signature and freshness hold.
	flowCtx, err := e.codec.Decode(req.State)
	if err != nil {
		if errors.Is(err, state.ErrStateExpired) {
			e.inst.Metrics().RecordStateRejected(ctx, "expired")
			return fail(ErrCodeStateExpired, "state parameter has expired")
		}
		e.inst.Metrics().RecordStateRejected(ctx, "invalid")
		return fail(ErrCodeInvalidState, "state parameter failed verification")
	}
	rec.IntegrationID = flowCtx.IntegrationID
	rec.TenantID = flowCtx.TenantID

	// Ownership. A missing integration and a tenant mismatch produce the same
	// code so the response cannot be used to probe for existing ids.
	integ, err := e.integrations.GetIntegration(ctx, flowCtx.IntegrationID)
	if err != nil {
		if errors.Is(err, storage.ErrIntegrationNotFound) {
			return fail(ErrCodeIntegrationNotFound, "integration does not exist")
		}
		return fail(ErrCodeProviderUnavailable, fmt.Sprintf("integration lookup failed: %v", err))
	}
	if integ.TenantID != flowCtx.TenantID {
		return fail(ErrCodeIntegrationNotFound, "integration belongs to a different tenant")
	}
	rec.ProviderName = integ.ProviderID

	provider, err := e.providerCfgs.GetProvider(ctx, integ.ProviderID)
	if err != nil {
		return fail(ErrCodeIntegrationNotFound, fmt.Sprintf("provider configuration missing: %v", err))
	}

	// The redirect URI sent to the token endpoint is our own callback URL; it
	// still passes the policy so a configuration mistake fails closed here
	// rather than at the provider.
	if validation := e.policy.ValidateRedirectURI(e.config.CallbackURL()); !validation.Valid {
		e.inst.Metrics().RecordRedirectURIRejected(ctx, len(validation.Issues))
		return fail(ErrCodeInvalidRedirectURI, "callback URL rejected by policy: "+strings.Join(validation.Issues, "; "))
	}

	// PKCE branches on the metadata parked at flow start. Absence with a
	// provider that does not mandate PKCE is the traditional flow, not an
	// error.
	codeVerifier := ""
	if integ.HasPKCE() {
		rec.FlowType = security.FlowPKCE
		codeVerifier = integ.Metadata[storage.MetaCodeVerifier]
		method := integ.Metadata[storage.MetaCodeChallengeMethod]
		if method == "" {
			method = pkce.MethodS256
		}
		if method == pkce.MethodPlain && !e.config.AllowPlainPKCE {
			e.inst.Metrics().RecordPKCEValidationFailed(ctx, method)
			e.resolveFailed(ctx, integ, true)
			return fail(ErrCodeInvalidPKCEParameters, "plain code challenge method is not allowed")
		}
		if err := pkce.ValidateVerifier(codeVerifier); err != nil {
			e.inst.Metrics().RecordPKCEValidationFailed(ctx, method)
			e.resolveFailed(ctx, integ, true)
			return fail(ErrCodeInvalidPKCEParameters, err.Error())
		}
		if !pkce.Verify(codeVerifier, integ.Metadata[storage.MetaCodeChallenge], method) {
			e.inst.Metrics().RecordPKCEValidationFailed(ctx, method)
			e.resolveFailed(ctx, integ, true)
			return fail(ErrCodeInvalidPKCEParameters, "code verifier does not match the stored challenge")
		}
	} else if provider.RequirePKCE {
		e.inst.Metrics().RecordPKCEValidationFailed(ctx, "missing")
		e.resolveFailed(ctx, integ, true)
		return fail(ErrCodeInvalidPKCEParameters, "provider mandates PKCE but the flow carries no verifier")
	}

	client, err := e.providerClient(provider)
	if err != nil {
		return fail(ErrCodeProviderUnavailable, fmt.Sprintf("provider client setup failed: %v", err))
	}

	exchangeStart := time.Now()
	token, err := client.Exchange(ctx, req.Code, e.config.CallbackURL(), codeVerifier)
	e.inst.Metrics().RecordProviderAPICall(ctx, provider.ID, "exchange", float64(time.Since(exchangeStart).Milliseconds()), err)
	if err != nil {
		if providers.IsUnavailable(err) {
			e.resolveFailed(ctx, integ, false)
			return fail(ErrCodeProviderUnavailable, err.Error())
		}
		// The authorization code is single-use; a provider rejection here is
		// terminal for this flow.
		e.resolveFailed(ctx, integ, true)
		return fail(ErrCodeTokenExchangeFailed, err.Error())
	}

	encAccess, err := e.encryptor.Encrypt(token.AccessToken)
	if err != nil {
		e.resolveFailed(ctx, integ, true)
		return fail(ErrCodeTokenExchangeFailed, fmt.Sprintf("failed to encrypt access token: %v", err))
	}
	encRefresh := ""
	if token.RefreshToken != "" {
		if encRefresh, err = e.encryptor.Encrypt(token.RefreshToken); err != nil {
			e.resolveFailed(ctx, integ, true)
			return fail(ErrCodeTokenExchangeFailed, fmt.Sprintf("failed to encrypt refresh token: %v", err))
		}
	}

	updated := integ.Clone()
	updated.Status = storage.StatusActive
	updated.EncryptedAccessToken = encAccess
	updated.EncryptedRefreshToken = encRefresh
	updated.TokenExpiresAt = token.Expiry
	updated.ScopesGranted = grantedScopes(token, provider.Scopes)
	updated.ConnectedAt = time.Now()
	updated.ClearFlowMetadata()

	stored, err := e.integrations.CompareAndSwapIntegration(ctx, updated)
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			e.inst.Metrics().RecordVersionConflict(ctx, "callback")
			// A concurrent callback already activated this integration; the
			// winner's tokens stand and this attempt reports success against
			// them.
			if stored != nil && stored.Status == storage.StatusActive {
				e.inst.Metrics().RecordTokenExchange(ctx, provider.ID, string(rec.FlowType))
				return finish(&CallbackResult{
					Success:       true,
					RedirectURL:   e.successPageURL(flowCtx.TenantID, integ.ID),
					TenantID:      flowCtx.TenantID,
					IntegrationID: integ.ID,
				})
			}
		}
		return fail(ErrCodeTokenExchangeFailed, fmt.Sprintf("failed to persist tokens: %v", err))
	}

	e.inst.Metrics().RecordTokenExchange(ctx, provider.ID, string(rec.FlowType))
	e.logger.Info("integration connected",
		"integration_id", stored.ID,
		"provider", provider.ID,
		"flow_type", string(rec.FlowType),
		"scopes", strings.Join(stored.ScopesGranted, " "),
	)

	return finish(&CallbackResult{
		Success:       true,
		RedirectURL:   e.successPageURL(flowCtx.TenantID, integ.ID),
		TenantID:      flowCtx.TenantID,
		IntegrationID: integ.ID,
	})
}

// Refresh obtains a fresh access token for the integration. With force false
// and an unexpired token it returns the current record untouched. Concurrent
// refreshes are safe: the compare-and-swap loser observes the winner's tokens
// and reports success against them instead of double-refreshing. Like the
// callback, every invocation produces exactly one audit record and one guard
// attempt, whatever the outcome.
func (e *Engine) Refresh(ctx context.Context, integrationID string, force bool) (*storage.Integration, error) {
	start := time.Now()
	rec := &security.AuditRecord{
		FlowType:      security.FlowRefresh,
		IntegrationID: integrationID,
	}

	stored, err := e.refresh(ctx, integrationID, force, rec)

	rec.Duration = time.Since(start)
	if err == nil {
		rec.Outcome = security.OutcomeSuccess
	} else {
		rec.Outcome = security.OutcomeFailure
		if errors.Is(err, storage.ErrIntegrationNotFound) {
			rec.ErrorCode = ErrCodeIntegrationNotFound
		} else {
			rec.ErrorCode = FlowCode(err)
		}
	}

	if gerr := e.guard.Record(ctx, security.Attempt{
		IntegrationID: integrationID,
		TenantID:      rec.TenantID,
		Success:       err == nil,
	}); gerr != nil {
		e.logger.Warn("failed to record guard attempt", "error", gerr)
	}
	if findings, ferr := e.guard.Evaluate(ctx); ferr == nil {
		for _, f := range findings {
			e.inst.Metrics().RecordAbuseFinding(ctx, string(f.Type), string(f.Severity))
		}
	}

	e.auditor.LogAttempt(ctx, rec)
	e.inst.Metrics().RecordAuditEvent(ctx, string(rec.Outcome))
	return stored, err
}

func (e *Engine) refresh(ctx context.Context, integrationID string, force bool, rec *security.AuditRecord) (*storage.Integration, error) {
	integ, err := e.integrations.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	rec.TenantID = integ.TenantID
	rec.ProviderName = integ.ProviderID

	switch integ.Status {
	case storage.StatusRevoked:
		return nil, fmt.Errorf("integration %s is revoked", integrationID)
	case storage.StatusPending:
		return nil, fmt.Errorf("integration %s has not completed its connection flow", integrationID)
	}

	if !force && integ.Status == storage.StatusActive && !security.IsTokenExpired(integ.TokenExpiresAt) {
		return integ, nil
	}
	if integ.EncryptedRefreshToken == "" {
		return nil, NewFlowErrorf(ErrCodeTokenExchangeFailed, "integration %s has no refresh token", integrationID)
	}

	provider, err := e.providerCfgs.GetProvider(ctx, integ.ProviderID)
	if err != nil {
		return nil, err
	}
	client, err := e.providerClient(provider)
	if err != nil {
		return nil, err
	}

	refreshToken, err := e.encryptor.Decrypt(integ.EncryptedRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	callStart := time.Now()
	token, err := client.Refresh(ctx, refreshToken)
	e.inst.Metrics().RecordProviderAPICall(ctx, provider.ID, "refresh", float64(time.Since(callStart).Milliseconds()), err)
	if err != nil {
		if providers.IsUnavailable(err) {
			return nil, NewFlowErrorf(ErrCodeProviderUnavailable, "refresh against %s failed: %v", provider.ID, err)
		}
		// The provider rejecting the refresh token is terminal for this
		// grant; the record moves to error so readers stop treating it as
		// refreshable.
		e.markError(ctx, integ)
		return nil, NewFlowErrorf(ErrCodeTokenExchangeFailed, "refresh against %s rejected: %v", provider.ID, err)
	}

	rotated := token.RefreshToken != "" && token.RefreshToken != refreshToken

	apply := func(base *storage.Integration) (*storage.Integration, error) {
		updated := base.Clone()
		updated.Status = storage.StatusActive
		updated.TokenExpiresAt = token.Expiry
		if updated.EncryptedAccessToken, err = e.encryptor.Encrypt(token.AccessToken); err != nil {
			return nil, fmt.Errorf("failed to encrypt access token: %w", err)
		}
		if token.RefreshToken != "" {
			if updated.EncryptedRefreshToken, err = e.encryptor.Encrypt(token.RefreshToken); err != nil {
				return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
			}
		}
		return e.integrations.CompareAndSwapIntegration(ctx, updated)
	}

	stored, err := apply(integ)
	if errors.Is(err, storage.ErrVersionConflict) {
		e.inst.Metrics().RecordVersionConflict(ctx, "refresh")
		winner := stored
		if winner != nil && winner.Status == storage.StatusActive && !security.IsTokenExpired(winner.TokenExpiresAt) {
			// Another refresh landed first with a usable result; adopt it.
			return winner, nil
		}
		if winner == nil {
			return nil, err
		}
		stored, err = apply(winner)
	}
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) && stored != nil {
			return stored, nil
		}
		return nil, err
	}

	e.inst.Metrics().RecordTokenRefresh(ctx, provider.ID, rotated)
	e.logger.Info("token refreshed",
		"integration_id", stored.ID,
		"provider", provider.ID,
		"rotated", rotated,
		"expires_at", stored.TokenExpiresAt,
	)
	return stored, nil
}

// Disconnect revokes the integration's tokens at the provider (best effort)
// and deletes the record. Only the owning tenant may disconnect.
func (e *Engine) Disconnect(ctx context.Context, tenantID, integrationID string) error {
	integ, err := e.integrations.GetIntegration(ctx, integrationID)
	if err != nil {
		return err
	}
	if integ.TenantID != tenantID {
		return storage.ErrIntegrationNotFound
	}

	provider, err := e.providerCfgs.GetProvider(ctx, integ.ProviderID)
	if err == nil {
		if client, cerr := e.providerClient(provider); cerr == nil {
			e.revokeTokens(ctx, client, integ)
			e.inst.Metrics().RecordTokenRevocation(ctx, provider.ID)
		}
	}

	// The record survives as a revoked tombstone with secrets cleared, so a
	// later refresh or reconnect sees an unambiguous terminal state instead
	// of a missing id.
	tombstone := integ.Clone()
	for {
		tombstone.Status = storage.StatusRevoked
		tombstone.EncryptedAccessToken = ""
		tombstone.EncryptedRefreshToken = ""
		tombstone.TokenExpiresAt = time.Time{}
		tombstone.ScopesGranted = nil
		tombstone.ClearFlowMetadata()

		stored, err := e.integrations.CompareAndSwapIntegration(ctx, tombstone)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return err
		}
		if stored.Status == storage.StatusRevoked {
			break
		}
		tombstone = stored.Clone()
	}

	e.logger.Info("integration disconnected",
		"integration_id", integrationID,
		"provider", integ.ProviderID,
	)
	return nil
}

// GetIntegration returns the redacted view of an integration for the owning
// tenant. A tenant mismatch is indistinguishable from a missing record.
func (e *Engine) GetIntegration(ctx context.Context, tenantID, integrationID string) (*IntegrationView, error) {
	integ, err := e.integrations.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if integ.TenantID != tenantID {
		return nil, storage.ErrIntegrationNotFound
	}
	return NewIntegrationView(integ), nil
}

// resolveFailed persists a failed flow resolution: the transient PKCE
// metadata is cleared, and unrecoverable outcomes move the record to the
// error status. Provider unavailability keeps the record pending so a fresh
// connection attempt reads as a retry, not a reconnect after breakage. Best
// effort; a version conflict means a concurrent update stands.
func (e *Engine) resolveFailed(ctx context.Context, integ *storage.Integration, unrecoverable bool) {
	if integ.Status != storage.StatusPending {
		// A replayed callback must not disturb a record whose flow already
		// resolved.
		return
	}
	updated := integ.Clone()
	updated.ClearFlowMetadata()
	if unrecoverable {
		updated.Status = storage.StatusError
	}
	if _, err := e.integrations.CompareAndSwapIntegration(ctx, updated); err != nil && !errors.Is(err, storage.ErrVersionConflict) {
		e.logger.Warn("failed to persist flow resolution",
			"integration_id", integ.ID,
			"error", err,
		)
	}
}

// markError moves a record to the error status, best effort. A conflict means
// someone else already updated it and their state stands.
func (e *Engine) markError(ctx context.Context, integ *storage.Integration) {
	updated := integ.Clone()
	updated.Status = storage.StatusError
	if _, err := e.integrations.CompareAndSwapIntegration(ctx, updated); err != nil && !errors.Is(err, storage.ErrVersionConflict) {
		e.logger.Warn("failed to mark integration errored",
			"integration_id", integ.ID,
			"error", err)
	}
}

func (e *Engine) revokeTokens(ctx context.Context, client *providers.Client, integ *storage.Integration) {
	for _, enc := range []string{integ.EncryptedRefreshToken, integ.EncryptedAccessToken} {
		if enc == "" {
			continue
		}
		plaintext, err := e.encryptor.Decrypt(enc)
		if err != nil {
			e.logger.Warn("failed to decrypt token for revocation",
				"integration_id", integ.ID,
				"error", err)
			continue
		}
		if err := client.Revoke(ctx, plaintext); err != nil {
			e.logger.Warn("provider revocation failed",
				"integration_id", integ.ID,
				"provider", integ.ProviderID,
				"error", err)
		}
	}
}

// providerClient builds a token-endpoint client for a stored provider
// configuration, decrypting the client secret on the way.
func (e *Engine) providerClient(p *storage.Provider) (*providers.Client, error) {
	secret, err := e.encryptor.Decrypt(p.EncryptedClientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt client secret for provider %s: %w", p.ID, err)
	}
	return providers.NewClient(&providers.Config{
		Name:         p.ID,
		ClientID:     p.ClientID,
		ClientSecret: secret,
		AuthURL:      p.AuthURL,
		TokenURL:     p.TokenURL,
		RevokeURL:    p.RevokeURL,
		Scopes:       p.Scopes,
		RedirectURL:  e.config.CallbackURL(),
		AuthStyle:    p.AuthStyle,
		Timeout:      e.config.ExchangeTimeout,
		HTTPClient:   e.config.HTTPClient,
	})
}

func (e *Engine) successPageURL(tenantID, integrationID string) string {
	q := url.Values{}
	q.Set("tenantId", tenantID)
	q.Set("integrationId", integrationID)
	return strings.TrimSuffix(e.config.BaseURL, "/") + e.config.SuccessPagePath + "?" + q.Encode()
}

func (e *Engine) errorPageURL(code string) string {
	q := url.Values{}
	q.Set("message", ClientMessage(code))
	q.Set("code", PublicCode(code))
	return strings.TrimSuffix(e.config.BaseURL, "/") + e.config.ErrorPagePath + "?" + q.Encode()
}

// grantedScopes prefers the scope string echoed by the provider over the
// requested set, since providers may narrow grants.
func grantedScopes(token interface{ Extra(string) interface{} }, requested []string) []string {
	if raw, ok := token.Extra("scope").(string); ok && raw != "" {
		return strings.Fields(raw)
	}
	return append([]string(nil), requested...)
}

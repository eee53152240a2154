package oauth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/sequentops/integration-oauth/security"
	"github.com/sequentops/integration-oauth/storage"
)

// Handler is the HTTP surface over the flow engine: the public callback and
// interstitial pages, plus the authenticated integration management routes.
type Handler struct {
	engine  *Engine
	config  *Config
	gate    *RouteGate
	limiter *security.RateLimiter
	logger  *slog.Logger
}

// NewHandler builds the HTTP handler for an engine. The public route registry
// is fixed at construction: the callback, the two interstitial pages, and the
// health probe. Everything else requires an API key.
func NewHandler(engine *Engine) *Handler {
	cfg := engine.config
	routes := DefaultPublicRoutes(cfg.CallbackPath, cfg.SuccessPagePath, cfg.ErrorPagePath)
	routes = append(routes, PublicRouteDescriptor{
		Path:             "/healthz",
		Method:           http.MethodGet,
		Justification:    "liveness probe for the orchestrator",
		SecurityControls: []string{"per-ip rate limit", "static response only"},
		ApprovedOn:       "2025-11-18",
		ExpectedCallers:  "cluster health checks and load balancers",
		ExposesData:      "none",
	})

	return &Handler{
		engine:  engine,
		config:  cfg,
		gate:    NewRouteGate(routes, cfg.Logger),
		limiter: security.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, cfg.Logger),
		logger:  cfg.Logger,
	}
}

// Close releases the handler's background resources.
func (h *Handler) Close() {
	h.limiter.Stop()
}

// Router assembles the route tree. The gate middleware runs on every request;
// routes it does not recognize as public must present a valid API key before
// any handler code executes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requestIDMiddleware)
	r.Use(h.metricsMiddleware)
	r.Use(h.rateLimitMiddleware)
	r.Use(h.authMiddleware)

	r.Get(h.config.CallbackPath, h.ServeCallback)
	r.Get(h.config.SuccessPagePath, h.ServeSuccessPage)
	r.Get(h.config.ErrorPagePath, h.ServeErrorPage)
	r.Get("/healthz", h.ServeHealth)

	r.Route("/integrations", func(r chi.Router) {
		r.Post("/connect", h.ServeConnect)
		r.Get("/{integrationID}", h.ServeGetIntegration)
		r.Post("/{integrationID}/refresh", h.ServeRefresh)
		r.Delete("/{integrationID}", h.ServeDisconnect)
	})

	return r
}

// ServeCallback handles the inbound provider redirect. The engine resolves
// every outcome to a redirect target, so this handler only translates the
// request and issues the 302.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result := h.engine.HandleCallback(r.Context(), &CallbackRequest{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		ProviderError:    q.Get("error"),
		ProviderErrorDsc: q.Get("error_description"),
		ClientIP:         h.clientIP(r),
		UserAgent:        r.UserAgent(),
	})

	security.SetSecurityHeaders(w, h.config.BaseURL)
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// ServeSuccessPage renders the post-callback success interstitial.
func (h *Handler) ServeSuccessPage(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.config.BaseURL)
	q := r.URL.Query()
	err := renderSuccessPage(w, successPageData{
		TenantID:      q.Get("tenantId"),
		IntegrationID: q.Get("integrationId"),
		TargetOrigin:  h.config.PostMessageOrigin,
	})
	if err != nil {
		h.logger.Error("failed to render success page", "error", err)
	}
}

// ServeErrorPage renders the post-callback error interstitial. The message is
// re-derived from the coarse code so a crafted query string cannot put
// arbitrary text on the page.
func (h *Handler) ServeErrorPage(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.config.BaseURL)
	code := r.URL.Query().Get("code")
	message := MsgInvalidRequest
	switch code {
	case "request_expired":
		message = MsgRequestExpired
	case "security_failed":
		message = MsgSecurityFailed
	case "service_unavailable":
		message = MsgServiceUnavailable
	default:
		code = "invalid_request"
	}
	err := renderErrorPage(w, errorPageData{
		Message:      message,
		Code:         code,
		TargetOrigin: h.config.PostMessageOrigin,
	})
	if err != nil {
		h.logger.Error("failed to render error page", "error", err)
	}
}

// ConnectRequest is the body of POST /integrations/connect.
type ConnectRequest struct {
	TenantID      string `json:"tenantId"`
	UserID        string `json:"userId"`
	ProviderID    string `json:"providerId"`
	IntegrationID string `json:"integrationId,omitempty"`
}

// ServeConnect starts a connection flow and returns the authorization URL.
func (h *Handler) ServeConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	start, err := h.engine.StartConnection(r.Context(), &StartRequest{
		TenantID:      req.TenantID,
		UserID:        req.UserID,
		ProviderID:    req.ProviderID,
		IntegrationID: req.IntegrationID,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrProviderNotFound), errors.Is(err, storage.ErrIntegrationNotFound):
			h.writeError(w, http.StatusNotFound, "not found")
		default:
			h.logger.Error("failed to start connection", "error", err)
			h.writeError(w, http.StatusInternalServerError, "failed to start connection")
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, start)
}

// ServeGetIntegration returns the redacted integration for its owning tenant.
func (h *Handler) ServeGetIntegration(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.GetIntegration(r.Context(), r.URL.Query().Get("tenantId"), chi.URLParam(r, "integrationID"))
	if err != nil {
		if errors.Is(err, storage.ErrIntegrationNotFound) {
			h.writeError(w, http.StatusNotFound, "not found")
			return
		}
		h.logger.Error("failed to load integration", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load integration")
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// RefreshRequest is the body of POST /integrations/{id}/refresh.
type RefreshRequest struct {
	TenantID string `json:"tenantId"`
	Force    bool   `json:"force,omitempty"`
}

// ServeRefresh refreshes the integration's tokens. With force false a still
// fresh token is returned as-is; a concurrent refresh is absorbed and the
// winner's result reported.
func (h *Handler) ServeRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := chi.URLParam(r, "integrationID")

	// Ownership first, so a foreign tenant cannot trigger refreshes.
	if _, err := h.engine.GetIntegration(r.Context(), req.TenantID, id); err != nil {
		h.writeError(w, http.StatusNotFound, "not found")
		return
	}

	integ, err := h.engine.Refresh(r.Context(), id, req.Force)
	if err != nil {
		switch FlowCode(err) {
		case ErrCodeProviderUnavailable:
			h.writeError(w, http.StatusBadGateway, MsgServiceUnavailable)
		default:
			h.logger.Warn("refresh failed", "integration_id", id, "error", err)
			h.writeError(w, http.StatusConflict, "refresh failed")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, NewIntegrationView(integ))
}

// ServeDisconnect revokes and deletes an integration.
func (h *Handler) ServeDisconnect(w http.ResponseWriter, r *http.Request) {
	err := h.engine.Disconnect(r.Context(), r.URL.Query().Get("tenantId"), chi.URLParam(r, "integrationID"))
	if err != nil {
		if errors.Is(err, storage.ErrIntegrationNotFound) {
			h.writeError(w, http.StatusNotFound, "not found")
			return
		}
		h.logger.Error("failed to disconnect integration", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to disconnect")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeHealth is the liveness probe.
func (h *Handler) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestIDMiddleware assigns or propagates the request correlation id.
func (h *Handler) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := security.RequestIDFromRequest(r)
		if id == "" {
			id = security.GenerateRequestID()
		}
		w.Header().Set(security.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(security.WithRequestID(r.Context(), id)))
	})
}

// metricsMiddleware records per-request counters and latency.
func (h *Handler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		h.engine.inst.Metrics().RecordHTTPRequest(r.Context(), r.Method, route, sw.status, float64(time.Since(start).Milliseconds()))
	})
}

// rateLimitMiddleware throttles by client IP.
func (h *Handler) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := h.clientIP(r)
		if !h.limiter.Allow(ip) {
			h.engine.inst.Metrics().RecordRateLimitExceeded(r.Context(), r.URL.Path)
			h.logger.Warn("rate limit exceeded", "path", r.URL.Path)
			h.writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware consults the route gate and requires an API key on anything
// the gate does not recognize as public.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if desc, ok := h.gate.IsPublic(r.Method, r.URL.Path); ok {
			h.logger.Debug("public route request",
				"path", desc.Path,
				"controls", strings.Join(desc.SecurityControls, ", "),
			)
			next.ServeHTTP(w, r)
			return
		}
		if !h.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="integration-oauth"`)
			h.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate checks the bearer token against the configured bcrypt hashes.
func (h *Handler) authenticate(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	key, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || key == "" {
		return false
	}
	for _, hash := range h.config.APIKeyHashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil {
			return true
		}
	}
	return false
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.ClientIP(r, h.config.RateLimit.TrustProxy, h.config.RateLimit.TrustedProxyCount)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

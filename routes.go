package oauth

import (
	"log/slog"
	"net/http"
)

// PublicRouteDescriptor names a route reachable without authentication,
// together with the review metadata that justifies the exposure. The registry
// is compile-time Go source so that widening the unauthenticated surface is a
// reviewed code change, never a runtime toggle.
type PublicRouteDescriptor struct {
	Path   string
	Method string

	// Justification states why this route cannot carry credentials.
	Justification string

	// SecurityControls lists the compensating checks applied to the route.
	SecurityControls []string

	// ApprovedOn is the date the exposure was reviewed, ISO 8601.
	ApprovedOn string

	// ExpectedCallers describes who legitimately reaches the route.
	ExpectedCallers string

	// ExposesData describes what the route can reveal to an
	// unauthenticated caller.
	ExposesData string
}

// DefaultPublicRoutes returns the browser-facing routes that cannot carry
// credentials: the provider callback and the interstitial pages it redirects
// to. Everything else defaults to authenticated.
func DefaultPublicRoutes(callbackPath, successPath, errorPath string) []PublicRouteDescriptor {
	return []PublicRouteDescriptor{
		{
			Path:          callbackPath,
			Method:        http.MethodGet,
			Justification: "provider redirects the user's browser here; authenticated by the signed state parameter",
			SecurityControls: []string{
				"hmac-signed state with ttl",
				"redirect uri policy",
				"pkce verification",
				"per-ip rate limit",
				"full audit trail",
			},
			ApprovedOn:      "2025-11-18",
			ExpectedCallers: "end-user browsers redirected by OAuth providers",
			ExposesData:     "redirect to interstitial pages only, coarse error codes",
		},
		{
			Path:          successPath,
			Method:        http.MethodGet,
			Justification: "post-callback success interstitial shown in the popup",
			SecurityControls: []string{
				"static html, identifiers via escaped data attributes",
				"security headers with restrictive csp",
			},
			ApprovedOn:      "2025-11-18",
			ExpectedCallers: "end-user browsers following the callback redirect",
			ExposesData:     "tenant and integration identifiers supplied in the query",
		},
		{
			Path:          errorPath,
			Method:        http.MethodGet,
			Justification: "post-callback error interstitial shown in the popup",
			SecurityControls: []string{
				"message re-derived from coarse code, query text ignored",
				"security headers with restrictive csp",
			},
			ApprovedOn:      "2025-11-18",
			ExpectedCallers: "end-user browsers following the callback redirect",
			ExposesData:     "generic error text only",
		},
	}
}

// RouteGate answers whether a request may bypass authentication. Matching is
// exact on method and path; unknown routes are never public. Every decision
// is logged so the set of unauthenticated entry points is auditable from the
// log stream alone.
type RouteGate struct {
	routes map[string]PublicRouteDescriptor
	logger *slog.Logger
}

// NewRouteGate builds a gate over a fixed set of public routes.
func NewRouteGate(routes []PublicRouteDescriptor, logger *slog.Logger) *RouteGate {
	if logger == nil {
		logger = slog.Default()
	}
	byKey := make(map[string]PublicRouteDescriptor, len(routes))
	for _, r := range routes {
		byKey[r.Method+" "+r.Path] = r
	}
	return &RouteGate{routes: byKey, logger: logger}
}

// IsPublic returns the matched descriptor when the method and path identify a
// registered public route, so callers can act on its metadata without a second
// lookup. Trailing slashes, prefixes, and patterns do not match.
func (g *RouteGate) IsPublic(method, path string) (*PublicRouteDescriptor, bool) {
	desc, ok := g.routes[method+" "+path]
	if ok {
		g.logger.Info("public route gate",
			"decision", "public",
			"method", method,
			"path", path,
			"reason", desc.Justification,
		)
		return &desc, true
	}
	g.logger.Info("public route gate",
		"decision", "authenticated",
		"method", method,
		"path", path,
	)
	return nil, false
}

// Routes returns the registered public routes.
func (g *RouteGate) Routes() []PublicRouteDescriptor {
	out := make([]PublicRouteDescriptor, 0, len(g.routes))
	for _, r := range g.routes {
		out = append(out, r)
	}
	return out
}

// Package instrumentation provides OpenTelemetry metrics and tracing for the
// integration OAuth flow engine.
//
// The package is built around a single Instrumentation value that owns the
// meter and tracer providers and a pre-registered set of metric instruments.
// When disabled (or when no providers are supplied), no-op providers are used
// and recording calls cost nothing measurable.
//
// The daemon wires a Prometheus-backed meter provider in through Config so
// the instruments surface on the /metrics endpoint; library consumers that do
// not care about metrics can leave the config zero-valued.
//
// Instrument names follow the oauthflow.* prefix:
//
//	oauthflow.http.requests.total          HTTP requests by method/route/status
//	oauthflow.callback.processed           provider callbacks by outcome and error code
//	oauthflow.token.exchanged              authorization code exchanges
//	oauthflow.token.refreshed              refresh operations (rotated or not)
//	oauthflow.pkce.validation_failed       PKCE verifier rejections
//	oauthflow.redirect_uri.rejected        redirect URI policy rejections
//	oauthflow.abuse.findings               guard findings by type and severity
//	oauthflow.audit.write_failures         audit sink append failures
//	oauthflow.provider.api.calls.total     outbound provider token endpoint calls
//
// Attribute hygiene: instruments and spans carry identifiers and outcomes
// only. Tokens, verifiers, client secrets, and signed state values must never
// appear as attribute values.
package instrumentation

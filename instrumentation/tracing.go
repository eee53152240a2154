package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// Attribute values carry identifiers and outcomes only. Never attach access
// tokens, refresh tokens, authorization codes, PKCE verifiers, client
// secrets, or signed state blobs to a span; traces are persisted and
// replicated far beyond the lifetime and audience of the request.
const (
	AttrIntegrationID = "oauthflow.integration_id"
	AttrTenantHash    = "oauthflow.tenant_hash" // hashed, never the raw tenant id
	AttrProviderName  = "oauthflow.provider"
	AttrFlowType      = "oauthflow.flow_type" // pkce or traditional
	AttrPKCEMethod    = "oauthflow.pkce.method"
	AttrErrorCode     = "oauthflow.error_code"
	AttrOutcome       = "oauthflow.outcome"

	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"

	AttrProviderOperation = "provider.operation"

	AttrHTTPRoute      = "http.route"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with error status. Nil-safe.
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful. Nil-safe.
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span. Nil-safe.
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds the common flow identifiers to a span. Nil-safe;
// empty values are skipped.
func AddFlowAttributes(span trace.Span, integrationID, provider, flowType string) {
	if integrationID != "" {
		SetSpanAttributes(span, attribute.String(AttrIntegrationID, integrationID))
	}
	if provider != "" {
		SetSpanAttributes(span, attribute.String(AttrProviderName, provider))
	}
	if flowType != "" {
		SetSpanAttributes(span, attribute.String(AttrFlowType, flowType))
	}
}

// AddProviderAttributes adds outbound provider call attributes to a span.
func AddProviderAttributes(span trace.Span, provider, operation string) {
	SetSpanAttributes(span,
		attribute.String(AttrProviderName, provider),
		attribute.String(AttrProviderOperation, operation),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span.
func AddHTTPAttributes(span trace.Span, method, route string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPRoute, route),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for the flow engine. Instruments are
// registered once at startup; recording methods are safe for concurrent use.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Flow layer
	ConnectionStarted metric.Int64Counter
	CallbackProcessed metric.Int64Counter
	CallbackDuration  metric.Float64Histogram
	TokenExchanged    metric.Int64Counter
	TokenRefreshed    metric.Int64Counter
	TokenRevoked      metric.Int64Counter

	// Security layer
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	RedirectURIRejected  metric.Int64Counter
	StateRejected        metric.Int64Counter
	AbuseFindings        metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter
	AuditWriteFailures   metric.Int64Counter

	// Storage layer
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	VersionConflicts         metric.Int64Counter

	// Provider layer
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	flowMeter := inst.Meter("flow")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")

	var err error

	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"oauthflow.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauthflow.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.ConnectionStarted, err = flowMeter.Int64Counter(
		"oauthflow.connection.started",
		metric.WithDescription("Number of integration connection flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection.started counter: %w", err)
	}

	m.CallbackProcessed, err = flowMeter.Int64Counter(
		"oauthflow.callback.processed",
		metric.WithDescription("Number of provider callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.processed counter: %w", err)
	}

	m.CallbackDuration, err = flowMeter.Float64Histogram(
		"oauthflow.callback.duration",
		metric.WithDescription("End-to-end callback processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.duration histogram: %w", err)
	}

	m.TokenExchanged, err = flowMeter.Int64Counter(
		"oauthflow.token.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.exchanged counter: %w", err)
	}

	m.TokenRefreshed, err = flowMeter.Int64Counter(
		"oauthflow.token.refreshed",
		metric.WithDescription("Number of access tokens refreshed"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.TokenRevoked, err = flowMeter.Int64Counter(
		"oauthflow.token.revoked",
		metric.WithDescription("Number of tokens revoked on disconnect"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"oauthflow.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit rejections"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.PKCEValidationFailed, err = securityMeter.Int64Counter(
		"oauthflow.pkce.validation_failed",
		metric.WithDescription("Number of PKCE verifier validation failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce.validation_failed counter: %w", err)
	}

	m.RedirectURIRejected, err = securityMeter.Int64Counter(
		"oauthflow.redirect_uri.rejected",
		metric.WithDescription("Number of redirect URIs rejected by policy"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create redirect_uri.rejected counter: %w", err)
	}

	m.StateRejected, err = securityMeter.Int64Counter(
		"oauthflow.state.rejected",
		metric.WithDescription("Number of state parameters rejected (bad signature or expired)"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state.rejected counter: %w", err)
	}

	m.AbuseFindings, err = securityMeter.Int64Counter(
		"oauthflow.abuse.findings",
		metric.WithDescription("Number of abuse findings raised by the attempt guard"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create abuse.findings counter: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"oauthflow.audit.events.total",
		metric.WithDescription("Total number of audit events recorded"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	m.AuditWriteFailures, err = securityMeter.Int64Counter(
		"oauthflow.audit.write_failures",
		metric.WithDescription("Number of audit sink append failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.write_failures counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"oauthflow.storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"oauthflow.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.VersionConflicts, err = storageMeter.Int64Counter(
		"oauthflow.storage.version_conflicts",
		metric.WithDescription("Number of compare-and-swap version conflicts observed"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.version_conflicts counter: %w", err)
	}

	m.ProviderAPICallsTotal, err = providerMeter.Int64Counter(
		"oauthflow.provider.api.calls.total",
		metric.WithDescription("Total number of provider token endpoint calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.calls.total counter: %w", err)
	}

	m.ProviderAPIDuration, err = providerMeter.Float64Histogram(
		"oauthflow.provider.api.duration",
		metric.WithDescription("Provider token endpoint call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.duration histogram: %w", err)
	}

	m.ProviderAPIErrors, err = providerMeter.Int64Counter(
		"oauthflow.provider.api.errors.total",
		metric.WithDescription("Total number of provider token endpoint errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.errors.total counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("route", route),
	))
}

// RecordConnectionStarted records the start of a connection flow.
func (m *Metrics) RecordConnectionStarted(ctx context.Context, provider string, pkce bool) {
	m.ConnectionStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("pkce", pkce),
	))
}

// RecordCallbackProcessed records a completed callback. errorCode is empty on
// success and carries the internal taxonomy code on failure.
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, provider string, success bool, errorCode string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.Bool("success", success),
	}
	if errorCode != "" {
		attrs = append(attrs, attribute.String("error_code", errorCode))
	}
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.CallbackDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordTokenExchange records a successful authorization code exchange.
func (m *Metrics) RecordTokenExchange(ctx context.Context, provider, flowType string) {
	m.TokenExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("flow_type", flowType),
	))
}

// RecordTokenRefresh records a refresh operation and whether the provider
// rotated the refresh token.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, provider string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("rotated", rotated),
	))
}

// RecordTokenRevocation records a disconnect-time revocation attempt.
func (m *Metrics) RecordTokenRevocation(ctx context.Context, provider string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordRateLimitExceeded records a throttled request.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, route string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
	))
}

// RecordPKCEValidationFailed records a rejected verifier.
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordRedirectURIRejected records a policy rejection with the count of
// issues found.
func (m *Metrics) RecordRedirectURIRejected(ctx context.Context, issueCount int) {
	m.RedirectURIRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("issues", issueCount),
	))
}

// RecordStateRejected records a state parameter rejection.
func (m *Metrics) RecordStateRejected(ctx context.Context, reason string) {
	m.StateRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordAbuseFinding records one guard finding.
func (m *Metrics) RecordAbuseFinding(ctx context.Context, findingType, severity string) {
	m.AbuseFindings.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", findingType),
		attribute.String("severity", severity),
	))
}

// RecordAuditEvent records one audit trail append.
func (m *Metrics) RecordAuditEvent(ctx context.Context, outcome string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordAuditWriteFailure records a failed audit sink append.
func (m *Metrics) RecordAuditWriteFailure(ctx context.Context) {
	m.AuditWriteFailures.Add(ctx, 1)
}

// RecordStorageOperation records one storage call.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordVersionConflict records an observed compare-and-swap conflict.
func (m *Metrics) RecordVersionConflict(ctx context.Context, operation string) {
	m.VersionConflicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordProviderAPICall records one outbound provider call.
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, durationMs float64, err error) {
	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))
	if err != nil {
		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("operation", operation),
		))
	}
}

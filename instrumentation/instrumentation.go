package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// instrumentationScope prefixes the named meters and tracers.
const instrumentationScope = "github.com/sequentops/integration-oauth"

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName identifies this deployment in exported telemetry.
	ServiceName string

	// ServiceVersion is the running build version.
	ServiceVersion string

	// Enabled controls whether instrumentation is active. When false the
	// providers below are ignored and no-op providers are used.
	Enabled bool

	// MeterProvider supplies the metric backend, typically an SDK provider
	// bridged to a Prometheus registry. Nil falls back to no-op.
	MeterProvider metric.MeterProvider

	// TracerProvider supplies the trace backend. Nil falls back to no-op.
	TracerProvider trace.TracerProvider
}

// Instrumentation owns the telemetry providers and the registered metric
// instruments for the flow engine.
type Instrumentation struct {
	config Config

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates an instrumentation instance. With Enabled false, or with nil
// providers, all recording is a no-op.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "integration-oauth"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "unknown"
	}

	inst := &Instrumentation{config: config}

	if config.Enabled && config.MeterProvider != nil {
		inst.meterProvider = config.MeterProvider
	} else {
		inst.meterProvider = noop.NewMeterProvider()
	}
	if config.Enabled && config.TracerProvider != nil {
		inst.tracerProvider = config.TracerProvider
	} else {
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// OnShutdown registers a function to run during Shutdown. Must be called
// before the instance is shared across goroutines.
func (i *Instrumentation) OnShutdown(fn func(context.Context) error) {
	i.shutdownFuncs = append(i.shutdownFuncs, fn)
}

// Shutdown runs the registered shutdown functions once. The first error is
// returned; later functions still run.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})
	return shutdownErr
}

// Meter returns a named meter for the given layer scope ("http", "flow",
// "storage", "provider", "security").
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(instrumentationScope + "/" + scope)
}

// Tracer returns a named tracer for the given layer scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(instrumentationScope + "/" + scope)
}

// Metrics returns the instrument holder for recording values.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// MeterProvider returns the active meter provider.
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// TracerProvider returns the active tracer provider.
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

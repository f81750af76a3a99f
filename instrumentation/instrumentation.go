// Package instrumentation provides OpenTelemetry metrics and tracing for
// the IndieAuth server. When disabled it uses no-op providers, so
// instrumented code paths carry zero overhead.
package instrumentation

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceVersion is used when no version is provided
const DefaultServiceVersion = "unknown"

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (e.g., "indieauthd")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used.
	Enabled bool

	// MeterProvider supplies meters; nil with Enabled=true falls back to no-op
	MeterProvider metric.MeterProvider

	// TracerProvider supplies tracers; nil with Enabled=true falls back to no-op
	TracerProvider trace.TracerProvider

	// Resource allows custom resource attributes.
	// If nil, a default resource with service name and version is created.
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics
}

// New creates an Instrumentation from the given config. A nil config or
// Enabled=false yields a fully functional no-op instance.
func New(config *Config) (*Instrumentation, error) {
	if config == nil {
		config = &Config{}
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	inst := &Instrumentation{config: *config}

	if !config.Enabled {
		inst.meterProvider = metricnoop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	} else {
		inst.meterProvider = config.MeterProvider
		if inst.meterProvider == nil {
			inst.meterProvider = metricnoop.NewMeterProvider()
		}
		inst.tracerProvider = config.TracerProvider
		if inst.tracerProvider == nil {
			inst.tracerProvider = tracenoop.NewTracerProvider()
		}
	}

	if config.Resource != nil {
		inst.resource = config.Resource
	} else {
		inst.resource = resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		)
	}

	metrics, err := newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	inst.metrics = metrics

	return inst, nil
}

// Meter returns a named meter from the configured provider
func (i *Instrumentation) Meter(name string) metric.Meter {
	return i.meterProvider.Meter(instrumentationName(name))
}

// Tracer returns a named tracer from the configured provider
func (i *Instrumentation) Tracer(name string) trace.Tracer {
	return i.tracerProvider.Tracer(instrumentationName(name))
}

// Metrics returns the pre-registered metric instruments
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// Resource returns the otel resource describing this service
func (i *Instrumentation) Resource() *resource.Resource {
	return i.resource
}

// Enabled reports whether real providers are in use
func (i *Instrumentation) Enabled() bool {
	return i.config.Enabled
}

func instrumentationName(component string) string {
	return "github.com/webstead/indieauth/" + component
}

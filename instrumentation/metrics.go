package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the IndieAuth server
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Authorization flow
	AuthorizeRequests  metric.Int64Counter
	ConsentDecisions   metric.Int64Counter
	CodesIssued        metric.Int64Counter
	CodesExchanged     metric.Int64Counter
	TokensRevoked      metric.Int64Counter
	IntrospectionCalls metric.Int64Counter

	// Client discovery
	DiscoveryFetches metric.Int64Counter
	DiscoveryBlocked metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")

	var err error

	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"indieauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"indieauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.AuthorizeRequests, err = serverMeter.Int64Counter(
		"indieauth.authorize.requests",
		metric.WithDescription("Number of authorization requests received"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorize.requests counter: %w", err)
	}

	m.ConsentDecisions, err = serverMeter.Int64Counter(
		"indieauth.consent.decisions",
		metric.WithDescription("Number of consent decisions (approved, denied, auto)"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consent.decisions counter: %w", err)
	}

	m.CodesIssued, err = serverMeter.Int64Counter(
		"indieauth.code.issued",
		metric.WithDescription("Number of authorization codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.issued counter: %w", err)
	}

	m.CodesExchanged, err = serverMeter.Int64Counter(
		"indieauth.code.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}

	m.TokensRevoked, err = serverMeter.Int64Counter(
		"indieauth.token.revoked",
		metric.WithDescription("Number of tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.IntrospectionCalls, err = serverMeter.Int64Counter(
		"indieauth.introspection.calls",
		metric.WithDescription("Number of introspection lookups"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create introspection.calls counter: %w", err)
	}

	m.DiscoveryFetches, err = serverMeter.Int64Counter(
		"indieauth.discovery.fetches",
		metric.WithDescription("Number of client metadata fetch attempts"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery.fetches counter: %w", err)
	}

	m.DiscoveryBlocked, err = serverMeter.Int64Counter(
		"indieauth.discovery.blocked",
		metric.WithDescription("Number of client metadata fetches blocked by SSRF protection"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery.blocked counter: %w", err)
	}

	m.RateLimitExceeded, err = serverMeter.Int64Counter(
		"indieauth.ratelimit.exceeded",
		metric.WithDescription("Number of requests rejected by rate limiting"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.exceeded counter: %w", err)
	}

	m.PKCEValidationFailed, err = serverMeter.Int64Counter(
		"indieauth.pkce.validation_failed",
		metric.WithDescription("Number of failed PKCE verifier checks"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce.validation_failed counter: %w", err)
	}

	m.CodeReuseDetected, err = serverMeter.Int64Counter(
		"indieauth.code.reuse_detected",
		metric.WithDescription("Number of exchange attempts against already-consumed codes"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.reuse_detected counter: %w", err)
	}

	return m, nil
}

// AddSafe increments a counter if both the metrics set and the instrument
// exist, so callers don't need nil checks at every site.
func AddSafe(ctx context.Context, counter metric.Int64Counter, value int64, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, value, metric.WithAttributes(attrs...))
}

package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// SECURITY: never attach actual credential values (authorization codes,
// access tokens, PKCE verifiers) to spans. Traces are persisted, widely
// readable, and replicated; only metadata belongs here.
const (
	AttrClientID     = "indieauth.client_id"     // Client identifier URL (non-secret)
	AttrMe           = "indieauth.me"            // Profile URL being asserted
	AttrScope        = "indieauth.scope"         // Requested/granted scopes
	AttrGrantType    = "indieauth.grant_type"    // Token endpoint grant type
	AttrResponseType = "indieauth.response_type" // Authorization response type
	AttrRedirectURI  = "indieauth.redirect_uri"  // Redirect URI
	AttrTokenActive  = "indieauth.token_active"  //nolint:gosec // Introspection result flag, not a token
	AttrError        = "indieauth.error"         // OAuth error code
	AttrHTTPStatus   = "http.status_code"        // Response status
)

// RecordError marks the span as failed and records the error, guarding
// against nil spans from no-op tracers being misused.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttr sets a single string attribute on a span.
func SetAttr(span trace.Span, key, value string) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String(key, value))
}

package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/webstead/indieauth/instrumentation"
	"github.com/webstead/indieauth/security"
	"github.com/webstead/indieauth/storage"
)

// OAuth 2.0 error codes from RFC 6749.
// Note: These are intentionally duplicated from the root package to avoid
// circular imports (the root package imports server, server can't import
// root). Keep these in sync with errors.go.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeUnauthorized         = "unauthorized"
	ErrorCodeServerError          = "server_error"
)

// Error is a flow-level OAuth error. The HTTP adapter maps the code to a
// status and decides whether it travels as a local page, a redirect
// parameter, or a JSON body.
type Error struct {
	Code        string
	Description string
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func flowError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Owner is the single authorizable identity of this server.
type Owner struct {
	Username    string
	DisplayName string
	Email       string
}

// Name returns the owner's display name, falling back to the username.
func (o *Owner) Name() string {
	if o.DisplayName != "" {
		return o.DisplayName
	}
	return o.Username
}

// ProfileSource resolves the owner's profile for userinfo responses.
type ProfileSource interface {
	Profile(ctx context.Context, username string) (*Owner, error)
}

// Server implements the IndieAuth authorization server logic.
type Server struct {
	store    storage.Store
	profiles ProfileSource

	// httpClient performs discovery fetches; its dialer rejects
	// non-public addresses at connect time (see discovery.go).
	httpClient *http.Client

	Auditor         *security.Auditor
	RateLimiter     *security.RateLimiter
	Logger          *slog.Logger
	Config          *Config
	Instrumentation *instrumentation.Instrumentation

	metrics *instrumentation.Metrics
	tracer  trace.Tracer
}

// New creates a new IndieAuth server
func New(store storage.Store, profiles ProfileSource, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if profiles == nil {
		return nil, fmt.Errorf("profile source is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		store:    store,
		profiles: profiles,
		Config:   config,
		Logger:   logger,
	}
	srv.httpClient = srv.newDiscoveryClient()

	// Start with no-op instrumentation so metric and trace call sites never
	// need nil checks; SetInstrumentation swaps in real providers.
	inst, err := instrumentation.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	srv.SetInstrumentation(inst)

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the per-IP rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetInstrumentation wires OpenTelemetry metrics and tracing
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst != nil {
		s.metrics = inst.Metrics()
		s.tracer = inst.Tracer("server")
	}
}

// Issuer returns the issuer identifier carried in the "iss" redirect
// parameter and the server metadata.
func (s *Server) Issuer() string {
	return s.Config.Issuer
}

// LogRequest records an endpoint hit in the audit trail. Failures are
// logged and swallowed; request logging must never fail a request.
func (s *Server) LogRequest(ctx context.Context, entry *storage.RequestLog) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if err := s.store.InsertRequestLog(ctx, entry); err != nil {
		s.Logger.Warn("Failed to record request log", "error", err)
	}
}

// generateCredential generates a cryptographically secure random value for
// authorization codes and access tokens. oauth2.GenerateVerifier produces
// a URL-safe base64 encoding of 32 random bytes.
func generateCredential() string {
	return oauth2.GenerateVerifier()
}

// hashCredential returns the SHA-256 hex digest under which codes and
// tokens are persisted. The raw value is never stored.
func hashCredential(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

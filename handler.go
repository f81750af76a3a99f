// Package indieauth provides the HTTP surface of a single-user IndieAuth
// authorization server: authorization with consent, the token endpoint
// with PKCE, introspection, revocation, userinfo, and RFC 8414 server
// metadata.
package indieauth

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/webstead/indieauth/instrumentation"
	"github.com/webstead/indieauth/security"
	"github.com/webstead/indieauth/server"
	"github.com/webstead/indieauth/storage"
)

// Endpoint paths registered by RegisterRoutes.
const (
	PathMetadataWellKnown = "/.well-known/oauth-authorization-server"
	PathMetadata          = "/indieauth/metadata"
	PathAuthorize         = "/indieauth/authorize"
	PathToken             = "/indieauth/token"
	PathIntrospect        = "/indieauth/introspect"
	PathUserinfo          = "/indieauth/userinfo"
)

// Authenticator reports whether the request carries an authenticated
// session for the server's owner. The authorization endpoint is the only
// endpoint that requires one.
type Authenticator interface {
	Owner(r *http.Request) (*server.Owner, bool)
}

// Handler is the HTTP adapter over the IndieAuth server logic.
type Handler struct {
	server *server.Server
	auth   Authenticator
	logger *slog.Logger

	consentTemplate *template.Template
	errorTemplate   *template.Template
}

// NewHandler creates the HTTP handler for the given server and session
// authenticator.
func NewHandler(srv *server.Server, auth Authenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server:          srv,
		auth:            auth,
		logger:          logger,
		consentTemplate: template.Must(template.New("consent").Parse(consentPageHTML)),
		errorTemplate:   template.Must(template.New("error").Parse(errorPageHTML)),
	}
}

// RegisterRoutes registers every IndieAuth endpoint on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(PathMetadataWellKnown, h.wrap("metadata", h.serveMetadata))
	mux.Handle(PathMetadata, h.wrap("metadata", h.serveMetadata))
	mux.Handle(PathAuthorize, h.wrap("authorize", h.serveAuthorize))
	mux.Handle(PathToken, h.wrap("token", h.serveToken))
	mux.Handle(PathIntrospect, h.wrap("introspect", h.serveIntrospect))
	mux.Handle(PathUserinfo, h.wrap("userinfo", h.serveUserinfo))
}

// statusRecorder captures the response status and the OAuth error code so
// the middleware can report them after the endpoint handler returns.
type statusRecorder struct {
	http.ResponseWriter
	status    int
	errorCode string
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// wrap applies the shared middleware: request IDs, tracing, rate
// limiting, metrics, and request logging.
func (h *Handler) wrap(name string, fn http.HandlerFunc) http.Handler {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Resolved per request so SetInstrumentation calls made after
		// route registration take effect.
		inst := h.server.Instrumentation
		metrics := inst.Metrics()

		start := time.Now()
		ctx, span := inst.Tracer("http").Start(r.Context(), "indieauth."+name)
		defer span.End()
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

		if rl := h.server.RateLimiter; rl != nil && !rl.Allow(clientIP) {
			instrumentation.AddSafe(ctx, metrics.RateLimitExceeded, 1,
				attribute.String("endpoint", name))
			h.writeOAuthError(rec, ErrorCodeRateLimitExceeded, "too many requests")
		} else {
			fn(rec, r)
		}

		instrumentation.AddSafe(ctx, metrics.HTTPRequestsTotal, 1,
			attribute.String("endpoint", name),
			attribute.String("method", r.Method),
			attribute.Int("status", rec.status))
		if metrics.HTTPRequestDuration != nil {
			metrics.HTTPRequestDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("endpoint", name)))
		}
		instrumentation.SetAttr(span, instrumentation.AttrHTTPStatus, strconv.Itoa(rec.status))
		if rec.errorCode != "" {
			instrumentation.SetAttr(span, instrumentation.AttrError, rec.errorCode)
		}

		h.server.LogRequest(ctx, &storage.RequestLog{
			Method:     r.Method,
			Path:       r.URL.Path,
			StatusCode: rec.status,
			Error:      rec.errorCode,
			RemoteAddr: clientIP,
			UserAgent:  r.UserAgent(),
		})
	})

	return security.RequestIDMiddleware(handler)
}

func (h *Handler) serveMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeOAuthError(w, ErrorCodeInvalidRequest, "method not allowed")
		return
	}

	issuer := h.server.Issuer()
	security.SetSecurityHeaders(w, issuer)
	h.writeJSON(w, http.StatusOK, &ServerMetadata{
		Issuer:                        issuer,
		AuthorizationEndpoint:         issuer + PathAuthorize,
		TokenEndpoint:                 issuer + PathToken,
		IntrospectionEndpoint:         issuer + PathIntrospect,
		RevocationEndpoint:            issuer + PathToken,
		UserinfoEndpoint:              issuer + PathUserinfo,
		CodeChallengeMethodsSupported: []string{server.PKCEMethodS256},
		ScopesSupported:               h.server.Config.SupportedScopes,
	})
}

func (h *Handler) serveAuthorize(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.authorizeGet(w, r)
	case http.MethodPost:
		h.authorizePost(w, r)
	default:
		h.renderErrorPage(w, r, ErrorCodeInvalidRequest, "method not allowed")
	}
}

// authorizeGet starts an authorization. The request is validated before
// anything else, so a malformed request fails terminally even for an
// anonymous visitor. Only then is the owner sent to log in, remembered
// consent honored, or the consent page shown. Validation failures are
// always rendered locally because the redirect URI is untrusted until it
// validates.
func (h *Handler) authorizeGet(w http.ResponseWriter, r *http.Request) {
	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	req := authorizeRequestFromValues(r.URL.Query())

	v, err := h.server.ValidateAuthorizeRequest(r.Context(), req, clientIP)
	if err != nil {
		code, desc := oauthErrorParts(err)
		if code == ErrorCodeServerError {
			h.logger.Error("Authorization validation failed", "error", err)
		}
		h.renderErrorPage(w, r, code, desc)
		return
	}

	owner, ok := h.auth.Owner(r)
	if !ok {
		h.redirectToLogin(w, r)
		return
	}

	if req.Prompt != "consent" && h.server.HasRememberedConsent(r.Context(), owner.Username, req.ClientID, v.Scope) {
		h.issueCodeRedirect(w, r, v, req, owner.Username, clientIP)
		return
	}

	h.renderConsentPage(w, r, owner, v, req)
}

// authorizePost handles the consent form submission. The request is
// re-validated from the posted fields so a stale or tampered form cannot
// widen what the owner approved.
func (h *Handler) authorizePost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderErrorPage(w, r, ErrorCodeInvalidRequest, "malformed form body")
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	req := authorizeRequestFromValues(r.PostForm)

	v, err := h.server.ValidateAuthorizeRequest(r.Context(), req, clientIP)
	if err != nil {
		code, desc := oauthErrorParts(err)
		if code == ErrorCodeServerError {
			h.logger.Error("Authorization validation failed", "error", err)
		}
		h.renderErrorPage(w, r, code, desc)
		return
	}

	owner, ok := h.auth.Owner(r)
	if !ok {
		h.redirectToLogin(w, r)
		return
	}

	approved := r.PostForm.Get("decision") == "approve"
	remember := r.PostForm.Get("remember") == "1"
	h.server.Auditor.LogConsentDecision(owner.Username, req.ClientID, clientIP, approved, remember)
	decision := "denied"
	if approved {
		decision = "approved"
	}
	instrumentation.AddSafe(r.Context(), h.server.Instrumentation.Metrics().ConsentDecisions, 1,
		attribute.String("decision", decision))

	if !approved {
		params := url.Values{}
		params.Set("error", ErrorCodeAccessDenied)
		if req.State != "" {
			params.Set("state", req.State)
		}
		h.redirectWithParams(w, r, req.RedirectURI, params)
		return
	}

	if remember {
		if err := h.server.RememberConsent(r.Context(), owner.Username, req.ClientID, v.Scope); err != nil {
			h.logger.Warn("Failed to remember consent", "client_id", req.ClientID, "error", err)
		}
	}

	h.issueCodeRedirect(w, r, v, req, owner.Username, clientIP)
}

func (h *Handler) issueCodeRedirect(w http.ResponseWriter, r *http.Request, v *server.AuthorizeValidation, req *server.AuthorizeRequest, username, clientIP string) {
	code, err := h.server.IssueCode(r.Context(), v, req, username, clientIP)
	if err != nil {
		h.logger.Error("Failed to issue authorization code", "error", err)
		h.renderErrorPage(w, r, ErrorCodeServerError, "failed to issue authorization code")
		return
	}

	params := url.Values{}
	params.Set("code", code)
	if req.State != "" {
		params.Set("state", req.State)
	}
	params.Set("iss", h.server.Issuer())
	h.redirectWithParams(w, r, req.RedirectURI, params)
}

// serveToken handles the code exchange and, via action=revoke, token
// revocation.
func (h *Handler) serveToken(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.server.Issuer())

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.writeJSON(w, http.StatusMethodNotAllowed, &ErrorResponse{
			Error:            ErrorCodeInvalidRequest,
			ErrorDescription: "method not allowed",
		})
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrorCodeInvalidRequest, "malformed form body")
		return
	}

	if r.PostForm.Get("action") == "revoke" {
		h.handleRevoke(w, r)
		return
	}

	grantType := r.PostForm.Get("grant_type")
	if grantType != "" && grantType != server.GrantTypeAuthorizationCode {
		h.writeOAuthError(w, ErrorCodeUnsupportedGrantType, "only authorization_code is supported")
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	grant, err := h.server.ExchangeCode(r.Context(),
		r.PostForm.Get("code"),
		r.PostForm.Get("client_id"),
		r.PostForm.Get("redirect_uri"),
		r.PostForm.Get("code_verifier"),
		clientIP)
	if err != nil {
		code, desc := oauthErrorParts(err)
		if code == ErrorCodeServerError {
			h.logger.Error("Code exchange failed", "error", err)
		}
		h.writeOAuthError(w, code, desc)
		return
	}

	h.writeJSON(w, http.StatusOK, &TokenResponse{
		AccessToken: grant.AccessToken,
		TokenType:   server.TokenTypeBearer,
		Me:          grant.Me,
		Scope:       grant.Scope,
		ExpiresIn:   grant.ExpiresIn,
	})
}

// handleRevoke revokes a token. The response never reveals whether the
// token existed; only a missing token value reports revoked=false.
func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	token := r.PostForm.Get("token")
	if token == "" {
		token = r.PostForm.Get("access_token")
	}
	if token == "" {
		h.writeJSON(w, http.StatusOK, &RevocationResponse{Revoked: false})
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	h.server.RevokeToken(r.Context(), token, clientIP)
	h.writeJSON(w, http.StatusOK, &RevocationResponse{Revoked: true})
}

// serveIntrospect reports the state of a token. The token may arrive as a
// form or query parameter or as a bearer credential. A request with no
// token at all is a 400 carrying {"active": false}.
func (h *Handler) serveIntrospect(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.server.Issuer())

	var token string
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			h.writeOAuthError(w, ErrorCodeInvalidRequest, "malformed form body")
			return
		}
		token = r.PostForm.Get("token")
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		h.writeJSON(w, http.StatusBadRequest, &IntrospectionResponse{Active: false})
		return
	}

	info, err := h.server.IntrospectToken(r.Context(), token)
	if err != nil {
		h.logger.Error("Introspection failed", "error", err)
		h.writeOAuthError(w, ErrorCodeServerError, "introspection failed")
		return
	}
	if !info.Active {
		h.writeJSON(w, http.StatusOK, &IntrospectionResponse{Active: false})
		return
	}

	h.writeJSON(w, http.StatusOK, &IntrospectionResponse{
		Active:    true,
		Scope:     info.Scope,
		ClientID:  info.ClientID,
		Me:        info.Me,
		TokenType: server.TokenTypeBearer,
		IssuedAt:  info.IssuedAt.Unix(),
		ExpiresAt: info.ExpiresAt.Unix(),
	})
}

// serveUserinfo returns the owner profile for a valid bearer token.
func (h *Handler) serveUserinfo(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.server.Issuer())

	token := bearerToken(r)
	if token == "" {
		h.writeOAuthError(w, ErrorCodeUnauthorized, "bearer token required")
		return
	}

	owner, me, err := h.server.UserinfoForToken(r.Context(), token)
	if err != nil {
		code, desc := oauthErrorParts(err)
		if code == ErrorCodeServerError {
			h.logger.Error("Userinfo lookup failed", "error", err)
		}
		h.writeOAuthError(w, code, desc)
		return
	}

	h.writeJSON(w, http.StatusOK, &UserinfoResponse{
		Me:    me,
		Name:  owner.Name(),
		Email: owner.Email,
	})
}

// bearerToken extracts the credential from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

func (h *Handler) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	login := h.server.Config.LoginURL
	sep := "?"
	if strings.Contains(login, "?") {
		sep = "&"
	}
	http.Redirect(w, r, login+sep+"next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
}

// redirectWithParams sends a 302 to target with params merged into its
// existing query string. Callers must only pass validated redirect URIs.
func (h *Handler) redirectWithParams(w http.ResponseWriter, r *http.Request, target string, params url.Values) {
	u, err := url.Parse(target)
	if err != nil {
		h.renderErrorPage(w, r, ErrorCodeInvalidRequest, "redirect_uri is not a valid URL")
		return
	}
	q := u.Query()
	for key, values := range params {
		for _, value := range values {
			q.Set(key, value)
		}
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func authorizeRequestFromValues(values url.Values) *server.AuthorizeRequest {
	return &server.AuthorizeRequest{
		ResponseType:        values.Get("response_type"),
		ClientID:            values.Get("client_id"),
		RedirectURI:         values.Get("redirect_uri"),
		Me:                  values.Get("me"),
		Scope:               values.Get("scope"),
		State:               values.Get("state"),
		CodeChallenge:       values.Get("code_challenge"),
		CodeChallengeMethod: values.Get("code_challenge_method"),
		Prompt:              values.Get("prompt"),
	}
}

// oauthErrorParts maps any error to an OAuth error code and description.
// Unexpected errors collapse to server_error without leaking internals.
func oauthErrorParts(err error) (string, string) {
	var flowErr *server.Error
	if errors.As(err, &flowErr) {
		return flowErr.Code, flowErr.Description
	}
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr.Code, oauthErr.Description
	}
	return ErrorCodeServerError, "internal server error"
}

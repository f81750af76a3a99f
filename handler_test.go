package indieauth_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/oauth2"

	"github.com/webstead/indieauth"
	"github.com/webstead/indieauth/instrumentation"
	"github.com/webstead/indieauth/server"
	"github.com/webstead/indieauth/storage"
	"github.com/webstead/indieauth/storage/memory"
)

const (
	testUserHeader = "X-Test-User"
	testVerifier   = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testClientID   = "https://client.example/"
	testRedirect   = "https://client.example/callback"
)

type headerAuth struct {
	owner *server.Owner
}

func (a headerAuth) Owner(r *http.Request) (*server.Owner, bool) {
	if r.Header.Get(testUserHeader) != a.owner.Username {
		return nil, false
	}
	return a.owner, true
}

type ownerProfiles struct {
	owner *server.Owner
}

func (p ownerProfiles) Profile(ctx context.Context, username string) (*server.Owner, error) {
	return p.owner, nil
}

type testEnv struct {
	mux   *http.ServeMux
	store *memory.Store
	srv   *server.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.New()
	err := store.UpsertClient(context.Background(), &storage.Client{
		ClientID:      testClientID,
		Name:          "Example App",
		RedirectURIs:  []string{testRedirect},
		LastFetchedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("UpsertClient() failed: %v", err)
	}

	owner := &server.Owner{Username: "alice", DisplayName: "Alice", Email: "alice@auth.example"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := server.New(store, ownerProfiles{owner: owner}, &server.Config{
		Issuer: "https://auth.example",
	}, logger)
	if err != nil {
		t.Fatalf("server.New() failed: %v", err)
	}

	mux := http.NewServeMux()
	indieauth.NewHandler(srv, headerAuth{owner: owner}, logger).RegisterRoutes(mux)

	return &testEnv{mux: mux, store: store, srv: srv}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) authorizeQuery() url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {testClientID},
		"redirect_uri":          {testRedirect},
		"me":                    {"https://auth.example/"},
		"state":                 {"xyz"},
		"scope":                 {"create update"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(testVerifier)},
		"code_challenge_method": {"S256"},
	}
}

// approve walks the consent flow and returns the authorization code.
func (e *testEnv) approve(t *testing.T, remember bool) string {
	t.Helper()

	form := e.authorizeQuery()
	form.Set("decision", "approve")
	if remember {
		form.Set("remember", "1")
	}

	req := httptest.NewRequest(http.MethodPost, indieauth.PathAuthorize,
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(testUserHeader, "alice")

	rec := e.do(req)
	if rec.Code != http.StatusFound {
		t.Fatalf("consent POST status = %d, want 302 (body: %s)", rec.Code, rec.Body.String())
	}

	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("invalid redirect location: %v", err)
	}
	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != testRedirect {
		t.Fatalf("redirect target = %q, want %q", got, testRedirect)
	}
	if loc.Query().Get("state") != "xyz" {
		t.Errorf("state = %q, want %q", loc.Query().Get("state"), "xyz")
	}
	if loc.Query().Get("iss") != "https://auth.example" {
		t.Errorf("iss = %q, want the issuer", loc.Query().Get("iss"))
	}

	code := loc.Query().Get("code")
	if code == "" {
		t.Fatal("redirect carries no authorization code")
	}
	return code
}

// exchange redeems a code at the token endpoint.
func (e *testEnv) exchange(t *testing.T, code string) (*httptest.ResponseRecorder, indieauth.TokenResponse) {
	t.Helper()

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {testClientID},
		"redirect_uri":  {testRedirect},
		"code_verifier": {testVerifier},
	}
	req := httptest.NewRequest(http.MethodPost, indieauth.PathToken,
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := e.do(req)
	var token indieauth.TokenResponse
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &token); err != nil {
			t.Fatalf("invalid token response: %v", err)
		}
	}
	return rec, token
}

func (e *testEnv) introspect(t *testing.T, token string) indieauth.IntrospectionResponse {
	t.Helper()

	form := url.Values{"token": {token}}
	req := httptest.NewRequest(http.MethodPost, indieauth.PathIntrospect,
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := e.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("introspect status = %d, want 200", rec.Code)
	}
	var info indieauth.IntrospectionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("invalid introspection response: %v", err)
	}
	return info
}

func TestFullAuthorizationFlow(t *testing.T) {
	env := newTestEnv(t)

	// The consent page is shown on the first visit.
	req := httptest.NewRequest(http.MethodGet,
		indieauth.PathAuthorize+"?"+env.authorizeQuery().Encode(), nil)
	req.Header.Set(testUserHeader, "alice")
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize GET status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Example App") {
		t.Error("consent page should show the client name")
	}
	if !strings.Contains(body, "create") || !strings.Contains(body, "update") {
		t.Error("consent page should list the requested scopes")
	}

	code := env.approve(t, false)

	rec, token := env.exchange(t, code)
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	if token.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", token.TokenType)
	}
	if token.Me != "https://auth.example/" {
		t.Errorf("me = %q, want %q", token.Me, "https://auth.example/")
	}
	if token.Scope != "create update" {
		t.Errorf("scope = %q, want %q", token.Scope, "create update")
	}

	info := env.introspect(t, token.AccessToken)
	if !info.Active {
		t.Fatal("token should introspect as active")
	}
	if info.ClientID != testClientID || info.Me != token.Me || info.Scope != token.Scope {
		t.Errorf("unexpected introspection response: %+v", info)
	}
	if info.ExpiresAt <= info.IssuedAt {
		t.Error("exp should be after iat")
	}

	// Userinfo with the bearer token.
	uiReq := httptest.NewRequest(http.MethodGet, indieauth.PathUserinfo, nil)
	uiReq.Header.Set("Authorization", "Bearer "+token.AccessToken)
	uiRec := env.do(uiReq)
	if uiRec.Code != http.StatusOK {
		t.Fatalf("userinfo status = %d, want 200", uiRec.Code)
	}
	var userinfo indieauth.UserinfoResponse
	if err := json.Unmarshal(uiRec.Body.Bytes(), &userinfo); err != nil {
		t.Fatalf("invalid userinfo response: %v", err)
	}
	if userinfo.Me != token.Me || userinfo.Name != "Alice" {
		t.Errorf("unexpected userinfo: %+v", userinfo)
	}

	// Revoke, then confirm introspection flips to inactive.
	revForm := url.Values{"action": {"revoke"}, "token": {token.AccessToken}}
	revReq := httptest.NewRequest(http.MethodPost, indieauth.PathToken,
		strings.NewReader(revForm.Encode()))
	revReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	revRec := env.do(revReq)
	if revRec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d, want 200", revRec.Code)
	}
	var revoked indieauth.RevocationResponse
	if err := json.Unmarshal(revRec.Body.Bytes(), &revoked); err != nil {
		t.Fatalf("invalid revocation response: %v", err)
	}
	if !revoked.Revoked {
		t.Error("revoked = false, want true")
	}
	if env.introspect(t, token.AccessToken).Active {
		t.Error("revoked token should introspect as inactive")
	}

	// The code was consumed; replaying it fails.
	rec, _ = env.exchange(t, code)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("replayed code status = %d, want 400", rec.Code)
	}
	var errResp indieauth.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("invalid error response: %v", err)
	}
	if errResp.Error != "invalid_grant" {
		t.Errorf("error = %q, want invalid_grant", errResp.Error)
	}
}

func TestAuthorizeRedirectsToLogin(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet,
		indieauth.PathAuthorize+"?"+env.authorizeQuery().Encode(), nil)
	rec := env.do(req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, "/login?next=") {
		t.Errorf("Location = %q, want a login redirect with next", loc)
	}
}

func TestAuthorizeValidatesBeforeLoginRedirect(t *testing.T) {
	env := newTestEnv(t)

	query := env.authorizeQuery()
	query.Set("response_type", "token")

	// No session header: a malformed request must still fail locally
	// instead of bouncing the visitor to the login page.
	req := httptest.NewRequest(http.MethodGet,
		indieauth.PathAuthorize+"?"+query.Encode(), nil)
	rec := env.do(req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if rec.Header().Get("Location") != "" {
		t.Errorf("Location = %q, want no redirect", rec.Header().Get("Location"))
	}
	if !strings.Contains(rec.Body.String(), "invalid_request") {
		t.Error("error page should show the error code")
	}
}

func TestAuthorizeValidationErrorsStayLocal(t *testing.T) {
	env := newTestEnv(t)

	query := env.authorizeQuery()
	query.Set("redirect_uri", "https://evil.example/cb")

	req := httptest.NewRequest(http.MethodGet,
		indieauth.PathAuthorize+"?"+query.Encode(), nil)
	req.Header.Set(testUserHeader, "alice")
	rec := env.do(req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if rec.Header().Get("Location") != "" {
		t.Error("validation errors must never redirect")
	}
	if !strings.Contains(rec.Body.String(), "invalid_request") {
		t.Error("error page should show the error code")
	}
}

func TestAuthorizeDenialRedirectsWithError(t *testing.T) {
	env := newTestEnv(t)

	form := env.authorizeQuery()
	form.Set("decision", "deny")
	req := httptest.NewRequest(http.MethodPost, indieauth.PathAuthorize,
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(testUserHeader, "alice")

	rec := env.do(req)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("invalid redirect location: %v", err)
	}
	if loc.Query().Get("error") != "access_denied" {
		t.Errorf("error = %q, want access_denied", loc.Query().Get("error"))
	}
	if loc.Query().Get("state") != "xyz" {
		t.Errorf("state = %q, want xyz", loc.Query().Get("state"))
	}
	if loc.Query().Get("code") != "" {
		t.Error("denial must not carry a code")
	}
}

func TestRememberedConsentSkipsPrompt(t *testing.T) {
	env := newTestEnv(t)

	env.approve(t, true)

	req := httptest.NewRequest(http.MethodGet,
		indieauth.PathAuthorize+"?"+env.authorizeQuery().Encode(), nil)
	req.Header.Set(testUserHeader, "alice")
	rec := env.do(req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302 after remembered consent", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("invalid redirect location: %v", err)
	}
	if loc.Query().Get("code") == "" {
		t.Error("remembered consent should issue a code directly")
	}

	// prompt=consent forces the page even with remembered consent.
	query := env.authorizeQuery()
	query.Set("prompt", "consent")
	req = httptest.NewRequest(http.MethodGet,
		indieauth.PathAuthorize+"?"+query.Encode(), nil)
	req.Header.Set(testUserHeader, "alice")
	rec = env.do(req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 consent page with prompt=consent", rec.Code)
	}
}

func TestMetadataEndpoints(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{indieauth.PathMetadataWellKnown, indieauth.PathMetadata} {
		rec := env.do(httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", path, rec.Code)
		}

		var meta indieauth.ServerMetadata
		if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
			t.Fatalf("invalid metadata: %v", err)
		}
		if meta.Issuer != "https://auth.example" {
			t.Errorf("issuer = %q", meta.Issuer)
		}
		if meta.AuthorizationEndpoint != "https://auth.example"+indieauth.PathAuthorize {
			t.Errorf("authorization_endpoint = %q", meta.AuthorizationEndpoint)
		}
		if meta.TokenEndpoint != "https://auth.example"+indieauth.PathToken {
			t.Errorf("token_endpoint = %q", meta.TokenEndpoint)
		}
		if meta.RevocationEndpoint != meta.TokenEndpoint {
			t.Errorf("revocation_endpoint = %q, want the token endpoint", meta.RevocationEndpoint)
		}
		if len(meta.CodeChallengeMethodsSupported) != 1 || meta.CodeChallengeMethodsSupported[0] != "S256" {
			t.Errorf("code_challenge_methods_supported = %v, want [S256]", meta.CodeChallengeMethodsSupported)
		}
		if len(meta.ScopesSupported) == 0 {
			t.Error("scopes_supported should not be empty")
		}
	}
}

func TestTokenEndpointMethodAndGrantType(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, indieauth.PathToken, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET token status = %d, want 405", rec.Code)
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req := httptest.NewRequest(http.MethodPost, indieauth.PathToken,
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = env.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var errResp indieauth.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("invalid error response: %v", err)
	}
	if errResp.Error != "unsupported_grant_type" {
		t.Errorf("error = %q, want unsupported_grant_type", errResp.Error)
	}
}

func TestRevokeWithoutTokenValue(t *testing.T) {
	env := newTestEnv(t)

	form := url.Values{"action": {"revoke"}}
	req := httptest.NewRequest(http.MethodPost, indieauth.PathToken,
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var revoked indieauth.RevocationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &revoked); err != nil {
		t.Fatalf("invalid revocation response: %v", err)
	}
	if revoked.Revoked {
		t.Error("revoked = true, want false for a missing token value")
	}
}

func TestRevokeUnknownTokenStaysOpaque(t *testing.T) {
	env := newTestEnv(t)

	form := url.Values{"action": {"revoke"}, "token": {"no-such-token"}}
	req := httptest.NewRequest(http.MethodPost, indieauth.PathToken,
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := env.do(req)
	var revoked indieauth.RevocationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &revoked); err != nil {
		t.Fatalf("invalid revocation response: %v", err)
	}
	if !revoked.Revoked {
		t.Error("unknown tokens must still report revoked = true")
	}
}

func TestIntrospectWithoutToken(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, indieauth.PathIntrospect, nil)
	rec := env.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var info indieauth.IntrospectionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("invalid introspection response: %v", err)
	}
	if info.Active {
		t.Error("active = true, want false")
	}
}

func TestIntrospectAcceptsBearerToken(t *testing.T) {
	env := newTestEnv(t)
	code := env.approve(t, false)
	_, token := env.exchange(t, code)

	req := httptest.NewRequest(http.MethodPost, indieauth.PathIntrospect, nil)
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var info indieauth.IntrospectionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("invalid introspection response: %v", err)
	}
	if !info.Active {
		t.Error("active = false, want true")
	}
}

func TestUserinfoRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, indieauth.PathUserinfo, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var errResp indieauth.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("invalid error response: %v", err)
	}
	if errResp.Error != "unauthorized" {
		t.Errorf("error = %q, want unauthorized", errResp.Error)
	}

	req := httptest.NewRequest(http.MethodGet, indieauth.PathUserinfo, nil)
	req.Header.Set("Authorization", "Bearer no-such-token")
	rec = env.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for an unknown token", rec.Code)
	}
}

func TestSetInstrumentationAfterRouteRegistration(t *testing.T) {
	// newTestEnv registers the routes first; the recording provider is
	// installed afterwards and must still see the traffic.
	env := newTestEnv(t)

	reader := sdkmetric.NewManualReader()
	inst, err := instrumentation.New(&instrumentation.Config{
		ServiceName:   "indieauth-test",
		Enabled:       true,
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	})
	if err != nil {
		t.Fatalf("instrumentation.New() failed: %v", err)
	}
	env.srv.SetInstrumentation(inst)

	rec := env.do(httptest.NewRequest(http.MethodGet, indieauth.PathMetadata, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var data metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &data); err != nil {
		t.Fatalf("Collect() failed: %v", err)
	}
	found := false
	for _, scope := range data.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == "indieauth.http.requests.total" {
				found = true
			}
		}
	}
	if !found {
		t.Error("request counter was not recorded on the late-installed provider")
	}
}

func TestSecurityHeadersOnJSONEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, indieauth.PathMetadata, nil))
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
	if got := rec.Header().Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("responses should carry a request ID")
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got == "" {
		t.Error("HSTS should be set for an https issuer")
	}
}

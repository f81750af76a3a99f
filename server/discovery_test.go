package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/webstead/indieauth/storage"
)

func mustParseIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	if ip == nil {
		t.Fatalf("invalid IP %q", s)
	}
	return ip
}

func TestResolveClientRejectsInvalidClientID(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name     string
		clientID string
	}{
		{"relative URL", "/app"},
		{"missing host", "https://"},
		{"non-http scheme", "ftp://client.example/"},
		{"fragment", "https://client.example/#frag"},
		{"no scheme", "client.example"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := srv.ResolveClient(context.Background(), tc.clientID)
			var flowErr *Error
			if !errors.As(err, &flowErr) {
				t.Fatalf("ResolveClient(%q) error = %v, want flow error", tc.clientID, err)
			}
			if flowErr.Code != ErrorCodeInvalidClient {
				t.Errorf("error code = %q, want %q", flowErr.Code, ErrorCodeInvalidClient)
			}
		})
	}
}

func TestResolveClientFetchesJSONMetadata(t *testing.T) {
	var hits int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"client_name": "Example App",
			"redirect_uris": ["/cb", "https://app.example/cb2"],
			"logo_uri": "/logo.png"
		}`))
	}))
	defer ts.Close()

	srv := newTestServer(t, &Config{Debug: true})
	clientID := ts.URL + "/"

	client, err := srv.ResolveClient(context.Background(), clientID)
	if err != nil {
		t.Fatalf("ResolveClient() failed: %v", err)
	}
	if client.Name != "Example App" {
		t.Errorf("Name = %q, want %q", client.Name, "Example App")
	}
	if client.LogoURL != ts.URL+"/logo.png" {
		t.Errorf("LogoURL = %q, want %q", client.LogoURL, ts.URL+"/logo.png")
	}
	wantURIs := []string{ts.URL + "/cb", "https://app.example/cb2"}
	sort.Strings(wantURIs)
	if !reflect.DeepEqual(client.RedirectURIs, wantURIs) {
		t.Errorf("RedirectURIs = %v, want %v", client.RedirectURIs, wantURIs)
	}

	// Second resolution is served from the cache.
	if _, err := srv.ResolveClient(context.Background(), clientID); err != nil {
		t.Fatalf("second ResolveClient() failed: %v", err)
	}
	if hits != 1 {
		t.Errorf("metadata endpoint hit %d times, want 1", hits)
	}
}

func TestResolveClientParsesHTMLMetadata(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
<title>My App</title>
<link rel="redirect_uri" href="/callback">
<link rel="icon" href="/icon.png">
</head>
<body></body>
</html>`))
	}))
	defer ts.Close()

	srv := newTestServer(t, &Config{Debug: true})

	client, err := srv.ResolveClient(context.Background(), ts.URL+"/")
	if err != nil {
		t.Fatalf("ResolveClient() failed: %v", err)
	}
	if client.Name != "My App" {
		t.Errorf("Name = %q, want %q", client.Name, "My App")
	}
	if client.LogoURL != ts.URL+"/icon.png" {
		t.Errorf("LogoURL = %q, want %q", client.LogoURL, ts.URL+"/icon.png")
	}
	want := []string{ts.URL + "/callback"}
	if !reflect.DeepEqual(client.RedirectURIs, want) {
		t.Errorf("RedirectURIs = %v, want %v", client.RedirectURIs, want)
	}
}

func TestResolveClientReadsLinkHeader(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Link", `</linked-cb>; rel="redirect_uri"`)
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Linked</title></head></html>`))
	}))
	defer ts.Close()

	srv := newTestServer(t, &Config{Debug: true})

	client, err := srv.ResolveClient(context.Background(), ts.URL+"/")
	if err != nil {
		t.Fatalf("ResolveClient() failed: %v", err)
	}
	want := []string{ts.URL + "/linked-cb"}
	if !reflect.DeepEqual(client.RedirectURIs, want) {
		t.Errorf("RedirectURIs = %v, want %v", client.RedirectURIs, want)
	}
}

func TestResolveClientBlocksLoopbackOutsideDebug(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("discovery fetch reached a loopback target")
	}))
	defer ts.Close()

	srv := newTestServer(t, nil)

	_, err := srv.ResolveClient(context.Background(), ts.URL+"/")
	var flowErr *Error
	if !errors.As(err, &flowErr) {
		t.Fatalf("ResolveClient() error = %v, want flow error", err)
	}
	if flowErr.Code != ErrorCodeInvalidClient {
		t.Errorf("error code = %q, want %q", flowErr.Code, ErrorCodeInvalidClient)
	}
}

func TestResolveClientServesStaleMetadataOnFetchFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	srv := newTestServer(t, &Config{Debug: true})
	clientID := ts.URL + "/"

	seeded := &storage.Client{
		ClientID:      clientID,
		Name:          "Stale App",
		RedirectURIs:  []string{clientID + "cb"},
		LastFetchedAt: time.Now().Add(-24 * time.Hour),
	}
	if err := srv.store.UpsertClient(context.Background(), seeded); err != nil {
		t.Fatalf("UpsertClient() failed: %v", err)
	}

	client, err := srv.ResolveClient(context.Background(), clientID)
	if err != nil {
		t.Fatalf("ResolveClient() failed: %v", err)
	}
	if client.Name != "Stale App" {
		t.Errorf("Name = %q, want the cached value", client.Name)
	}
	if len(client.RedirectURIs) != 1 {
		t.Errorf("RedirectURIs = %v, want the cached value", client.RedirectURIs)
	}
	if client.FetchError == "" {
		t.Error("FetchError should record the failed refresh")
	}
}

func TestResolveClientKeepsNameAndLogoWhenRefetchOmitsThem(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"redirect_uris": ["/new-cb"]}`))
	}))
	defer ts.Close()

	srv := newTestServer(t, &Config{Debug: true})
	clientID := ts.URL + "/"

	seeded := &storage.Client{
		ClientID:      clientID,
		Name:          "Known App",
		LogoURL:       clientID + "logo.png",
		RedirectURIs:  []string{clientID + "old-cb"},
		LastFetchedAt: time.Now().Add(-24 * time.Hour),
	}
	if err := srv.store.UpsertClient(context.Background(), seeded); err != nil {
		t.Fatalf("UpsertClient() failed: %v", err)
	}

	client, err := srv.ResolveClient(context.Background(), clientID)
	if err != nil {
		t.Fatalf("ResolveClient() failed: %v", err)
	}
	if client.Name != "Known App" {
		t.Errorf("Name = %q, want the cached value", client.Name)
	}
	if client.LogoURL != clientID+"logo.png" {
		t.Errorf("LogoURL = %q, want the cached value", client.LogoURL)
	}
	want := []string{ts.URL + "/new-cb"}
	if !reflect.DeepEqual(client.RedirectURIs, want) {
		t.Errorf("RedirectURIs = %v, want %v", client.RedirectURIs, want)
	}
	if client.FetchError != "" {
		t.Errorf("FetchError = %q, want empty after a successful refresh", client.FetchError)
	}
}

func TestResolveClientFailsWithoutCachedMetadata(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	srv := newTestServer(t, &Config{Debug: true})

	_, err := srv.ResolveClient(context.Background(), ts.URL+"/")
	var flowErr *Error
	if !errors.As(err, &flowErr) {
		t.Fatalf("ResolveClient() error = %v, want flow error", err)
	}
	if flowErr.Code != ErrorCodeInvalidClient {
		t.Errorf("error code = %q, want %q", flowErr.Code, ErrorCodeInvalidClient)
	}
}

func TestResolveClientAdoptsPreSeededRecord(t *testing.T) {
	srv := newTestServer(t, nil)
	clientID := "https://client.example/"

	seeded := &storage.Client{
		ClientID:     clientID,
		Name:         "Seeded App",
		RedirectURIs: []string{"https://client.example/callback"},
	}
	if err := srv.store.UpsertClient(context.Background(), seeded); err != nil {
		t.Fatalf("UpsertClient() failed: %v", err)
	}

	client, err := srv.ResolveClient(context.Background(), clientID)
	if err != nil {
		t.Fatalf("ResolveClient() failed: %v", err)
	}
	if client.Name != "Seeded App" {
		t.Errorf("Name = %q, want %q", client.Name, "Seeded App")
	}
	if client.LastFetchedAt.IsZero() {
		t.Error("adopting a seeded record should stamp LastFetchedAt")
	}

	stored, err := srv.store.FindClient(context.Background(), clientID)
	if err != nil {
		t.Fatalf("FindClient() failed: %v", err)
	}
	if stored.LastFetchedAt.IsZero() {
		t.Error("stamped LastFetchedAt should be persisted")
	}
}

func TestParseLinkHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
		rel    string
		want   []string
	}{
		{
			"single link",
			`<https://app.example/cb>; rel="redirect_uri"`,
			"redirect_uri",
			[]string{"https://app.example/cb"},
		},
		{
			"multiple links",
			`<https://app.example/a>; rel="redirect_uri", <https://app.example/b>; rel="redirect_uri"`,
			"redirect_uri",
			[]string{"https://app.example/a", "https://app.example/b"},
		},
		{
			"rel token among others",
			`<https://app.example/cb>; rel="something redirect_uri other"`,
			"redirect_uri",
			[]string{"https://app.example/cb"},
		},
		{
			"unquoted rel",
			`<https://app.example/cb>; rel=redirect_uri`,
			"redirect_uri",
			[]string{"https://app.example/cb"},
		},
		{
			"non-matching rel",
			`<https://app.example/style.css>; rel="stylesheet"`,
			"redirect_uri",
			nil,
		},
		{
			"malformed entry is skipped",
			`https://app.example/cb; rel="redirect_uri"`,
			"redirect_uri",
			nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := parseLinkHeader(tc.header, tc.rel)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("parseLinkHeader(%q) = %v, want %v", tc.header, got, tc.want)
			}
		})
	}
}

func TestCleanRedirectURIs(t *testing.T) {
	base, err := url.Parse("https://client.example/app/")
	if err != nil {
		t.Fatal(err)
	}

	got := cleanRedirectURIs(base, []string{
		"cb",
		"/root-cb",
		"https://other.example/cb",
		"https://other.example/cb",
		"javascript:alert(1)",
		"https://bad.example/cb#frag",
	})
	want := []string{
		"https://client.example/app/cb",
		"https://client.example/root-cb",
		"https://other.example/cb",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("cleanRedirectURIs = %v, want %v", got, want)
	}
}

func TestIsPublicIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"93.184.216.34", true},
		{"2606:2800:220:1:248:1893:25c8:1946", true},
		{"127.0.0.1", false},
		{"10.1.2.3", false},
		{"172.16.0.1", false},
		{"192.168.1.1", false},
		{"169.254.169.254", false},
		{"100.64.0.1", false},
		{"0.0.0.0", false},
		{"240.0.0.1", false},
		{"224.0.0.1", false},
		{"::1", false},
		{"fe80::1", false},
		{"fc00::1", false},
	}

	for _, tc := range tests {
		t.Run(tc.ip, func(t *testing.T) {
			if got := isPublicIP(mustParseIP(t, tc.ip)); got != tc.want {
				t.Errorf("isPublicIP(%s) = %v, want %v", tc.ip, got, tc.want)
			}
		})
	}
}

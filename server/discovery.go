package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/webstead/indieauth/instrumentation"
	"github.com/webstead/indieauth/storage"
)

const maxDiscoveryRedirects = 10

// newDiscoveryClient builds the HTTP client used for client metadata
// fetches. SSRF protection is layered: hostnames are resolved and checked
// before each request and each redirect hop, and the dialer's Control hook
// re-checks the address actually being connected to, which closes the
// DNS-rebinding window between the check and the dial.
func (s *Server) newDiscoveryClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: s.Config.DiscoveryTimeout,
		Control: func(network, address string, c syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return fmt.Errorf("invalid dial address %q: %w", address, err)
			}
			ip := net.ParseIP(host)
			if ip == nil {
				return fmt.Errorf("dial address %q is not an IP", address)
			}
			if s.Config.Debug && ip.IsLoopback() {
				return nil
			}
			if !isPublicIP(ip) {
				return fmt.Errorf("refusing to connect to non-public address %s", ip)
			}
			return nil
		},
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   s.Config.DiscoveryTimeout,
		ResponseHeaderTimeout: s.Config.DiscoveryTimeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}

	return &http.Client{
		Timeout:   s.Config.DiscoveryTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxDiscoveryRedirects {
				return fmt.Errorf("stopped after %d redirects", maxDiscoveryRedirects)
			}
			return s.checkFetchHost(req.URL.Hostname())
		},
	}
}

// checkFetchHost validates a discovery target hostname before any
// connection is attempted. Loopback names are allowed only in debug mode;
// every resolved address must be publicly routable.
func (s *Server) checkFetchHost(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("empty host")
	}
	if isLocalhost(hostname) {
		if s.Config.Debug {
			return nil
		}
		return fmt.Errorf("loopback host %q is not allowed", hostname)
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if !isPublicIP(ip) {
			return fmt.Errorf("non-public address %s is not allowed", ip)
		}
		return nil
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		return fmt.Errorf("failed to resolve %q: %w", hostname, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("host %q resolved to no addresses", hostname)
	}
	for _, ip := range ips {
		if !isPublicIP(ip) {
			return fmt.Errorf("host %q resolves to non-public address %s", hostname, ip)
		}
	}
	return nil
}

// isPublicIP reports whether ip is routable on the public internet.
// Loopback, private, link-local, multicast, unspecified, carrier-grade NAT
// and reserved ranges are all rejected.
func isPublicIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return false
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		// "This network" (0.0.0.0/8) and reserved (240.0.0.0/4).
		if v4[0] == 0 || v4[0] >= 240 {
			return false
		}
		// Carrier-grade NAT, 100.64.0.0/10.
		if v4[0] == 100 && v4[1]&0xc0 == 64 {
			return false
		}
	}
	return true
}

// ResolveClient validates a client_id URL and returns the client record,
// fetching or refreshing its metadata as needed.
//
// A cached record is served without a fetch when it has redirect URIs, a
// name, and was fetched within the cache TTL. A record seeded with metadata
// but never fetched is adopted as-is and stamped. When a refresh fails but
// cached redirect URIs exist, the stale metadata keeps working; when it
// fails with nothing cached, the client is invalid.
func (s *Server) ResolveClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.tracer.Start(ctx, "server.resolve_client")
	defer span.End()
	instrumentation.SetAttr(span, instrumentation.AttrClientID, clientID)

	cu, err := url.Parse(clientID)
	if err != nil {
		return nil, flowError(ErrorCodeInvalidClient, "client_id is not a valid URL")
	}
	scheme := strings.ToLower(cu.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, flowError(ErrorCodeInvalidClient, "client_id must be an http or https URL")
	}
	if cu.Host == "" {
		return nil, flowError(ErrorCodeInvalidClient, "client_id must be an absolute URL")
	}
	if cu.Fragment != "" {
		return nil, flowError(ErrorCodeInvalidClient, "client_id must not contain a fragment")
	}

	client, err := s.store.FindClient(ctx, clientID)
	if err != nil {
		if err != storage.ErrNotFound {
			return nil, fmt.Errorf("failed to look up client: %w", err)
		}
		client = &storage.Client{ClientID: clientID}
	}

	now := time.Now()
	refreshNeeded := client.LastFetchedAt.IsZero() ||
		now.Sub(client.LastFetchedAt) > s.Config.ClientCacheTTL

	if !refreshNeeded && len(client.RedirectURIs) > 0 && client.Name != "" {
		return client, nil
	}

	// A record seeded out of band carries metadata but no fetch timestamp.
	// Adopt it and start the cache clock instead of fetching.
	if client.LastFetchedAt.IsZero() && len(client.RedirectURIs) > 0 && client.Name != "" {
		client.LastFetchedAt = now
		if err := s.store.UpsertClient(ctx, client); err != nil {
			return nil, fmt.Errorf("failed to save client: %w", err)
		}
		return client, nil
	}

	if !refreshNeeded && len(client.RedirectURIs) > 0 {
		return client, nil
	}

	meta, fetchErr := s.fetchClientMetadata(ctx, clientID)
	instrumentation.AddSafe(ctx, s.metrics.DiscoveryFetches, 1,
		attribute.Bool("success", fetchErr == nil))

	if fetchErr != nil {
		s.Logger.Warn("Client metadata fetch failed",
			"client_id", clientID,
			"error", fetchErr)
		if isBlockedFetch(fetchErr) {
			instrumentation.AddSafe(ctx, s.metrics.DiscoveryBlocked, 1)
			s.Auditor.LogDiscoveryBlocked(clientID, fetchErr.Error())
		}

		client.FetchError = fetchErr.Error()
		if upErr := s.store.UpsertClient(ctx, client); upErr != nil {
			s.Logger.Warn("Failed to save client fetch error", "client_id", clientID, "error", upErr)
		}

		// Stale metadata beats no metadata.
		if len(client.RedirectURIs) > 0 {
			return client, nil
		}
		return nil, flowError(ErrorCodeInvalidClient, "failed to fetch client metadata")
	}

	// A page that stopped advertising a name or logo keeps the last
	// known values.
	if meta.name != "" {
		client.Name = meta.name
	}
	if meta.logoURL != "" {
		client.LogoURL = meta.logoURL
	}
	client.RedirectURIs = meta.redirectURIs
	client.LastFetchedAt = now
	client.FetchError = ""
	if err := s.store.UpsertClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}
	return client, nil
}

// isBlockedFetch distinguishes SSRF rejections from ordinary network
// failures so they can be audited separately.
func isBlockedFetch(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "not allowed") ||
		strings.Contains(msg, "non-public address")
}

// fetchClientMetadata performs the discovery GET against the client_id URL
// and parses whatever metadata the response carries: a JSON client
// metadata document, or an HTML page with redirect_uri links, plus HTTP
// Link headers on either.
func (s *Server) fetchClientMetadata(ctx context.Context, clientID string) (*clientMetadata, error) {
	cu, err := url.Parse(clientID)
	if err != nil {
		return nil, fmt.Errorf("invalid client_id: %w", err)
	}
	if err := s.checkFetchHost(cu.Hostname()); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, clientID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", s.Config.UserAgent)
	req.Header.Set("Accept", "application/json, text/html;q=0.9")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.Config.MaxMetadataBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > s.Config.MaxMetadataBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", s.Config.MaxMetadataBytes)
	}

	meta := &clientMetadata{}
	for _, header := range resp.Header.Values("Link") {
		meta.redirectURIs = append(meta.redirectURIs, parseLinkHeader(header, "redirect_uri")...)
		if meta.logoURL == "" {
			if logos := parseLinkHeader(header, "logo"); len(logos) > 0 {
				meta.logoURL = logos[0]
			}
		}
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "application/json"):
		parseJSONMetadata(body, meta)
	case strings.Contains(contentType, "text/html"), contentType == "":
		parseHTMLMetadata(body, meta)
	}

	meta.logoURL = resolveReference(cu, meta.logoURL)
	meta.redirectURIs = cleanRedirectURIs(cu, meta.redirectURIs)
	return meta, nil
}

package server

import (
	"log/slog"
	"strings"
	"time"
)

// Config holds IndieAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL, no trailing slash).
	// It is also the first entry of the allowed "me" set.
	Issuer string

	// LoginURL is where unauthenticated owners are redirected. The original
	// authorize query is preserved in the "next" parameter so the flow can
	// resume after authentication.
	LoginURL string

	// ProfileURLs are the URLs declared on the owner's profile, each of
	// which is an acceptable "me" value in addition to the issuer itself.
	ProfileURLs []string

	// SupportedScopes is advertised in the server metadata.
	SupportedScopes []string

	// AuthorizationCodeTTL is how long authorization codes are valid.
	// Default: 10 minutes.
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL is how long access tokens are valid.
	// Default: 30 days.
	AccessTokenTTL time.Duration

	// ClientCacheTTL is how long discovered client metadata stays fresh.
	// Default: 12 hours.
	ClientCacheTTL time.Duration

	// DiscoveryTimeout bounds a whole client metadata fetch, redirects
	// included. Default: 10 seconds.
	DiscoveryTimeout time.Duration

	// MaxMetadataBytes caps a client metadata response body.
	// Default: 1,000,000 bytes.
	MaxMetadataBytes int64

	// UserAgent is sent on discovery fetches. Default: "webstead-indieauth".
	UserAgent string

	// Debug permits localhost targets for discovery, and localhost "me"
	// URLs with non-default ports. Never enable in production: it
	// deliberately weakens the SSRF protections.
	Debug bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used with TrustProxy to pick the client IP out of
	// X-Forwarded-For. Default: 1.
	TrustedProxyCount int
}

// defaultSupportedScopes matches the capabilities of the publishing
// endpoints this server fronts.
var defaultSupportedScopes = []string{"create", "update", "delete", "undelete", "read", "media"}

// applySecureDefaults fills in defaults and warns about insecure settings.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	config.Issuer = strings.TrimRight(config.Issuer, "/")

	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 10 * time.Minute
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 30 * 24 * time.Hour
	}
	if config.ClientCacheTTL == 0 {
		config.ClientCacheTTL = 12 * time.Hour
	}
	if config.DiscoveryTimeout == 0 {
		config.DiscoveryTimeout = 10 * time.Second
	}
	if config.MaxMetadataBytes == 0 {
		config.MaxMetadataBytes = 1_000_000
	}
	if config.UserAgent == "" {
		config.UserAgent = "webstead-indieauth"
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = defaultSupportedScopes
	}
	if config.LoginURL == "" {
		config.LoginURL = "/login"
	}

	if config.Debug {
		logger.Warn("Debug mode is enabled: loopback discovery targets are allowed",
			"risk", "SSRF protections are weakened",
			"recommendation", "disable Debug in production")
	}
	if !config.Debug && !strings.HasPrefix(config.Issuer, "https://") {
		logger.Warn("Issuer is not HTTPS",
			"issuer", config.Issuer,
			"recommendation", "serve the authorization server over HTTPS")
	}
	if config.TrustProxy {
		logger.Warn("Trusting proxy headers for client IPs",
			"risk", "IP spoofing if the proxy chain is not controlled",
			"config", "TrustedProxyCount should match your proxy chain length")
	}

	return config
}

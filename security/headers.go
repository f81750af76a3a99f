package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets security headers appropriate for the JSON
// endpoints: no framing, no sniffing, no caching, no referrer leakage.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	// Strict policy: the JSON endpoints load no resources at all
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

	w.Header().Set("Referrer-Policy", "no-referrer")

	// HSTS only makes sense when the issuer itself is HTTPS
	if parsed, err := url.Parse(serverURL); err == nil && parsed.Scheme == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Never cache authorization or token responses
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
}

// SetHTMLPageHeaders relaxes the CSP just enough for the locally rendered
// consent and error pages, which carry inline styles and may show the
// client's discovered logo.
func SetHTMLPageHeaders(w http.ResponseWriter, serverURL string) {
	SetSecurityHeaders(w, serverURL)
	w.Header().Set("Content-Security-Policy",
		"default-src 'none'; style-src 'unsafe-inline'; img-src https: http:; frame-ancestors 'none'")
}

package server

import (
	"net/url"
	"strings"
)

// NormalizeMe canonicalizes a profile URL. It lower-cases the scheme,
// requires http or https, rejects embedded credentials and fragments, and
// rejects explicit ports unless the host is localhost and the server is in
// debug mode. A bare host is assumed to be https and gets the root path.
// A trailing slash on a non-root path is preserved, so
// "https://example.com/me" and "https://example.com/me/" stay distinct
// identities.
func (s *Server) NormalizeMe(raw string) (string, bool) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", false
	}

	u, err := url.Parse(value)
	if err != nil {
		return "", false
	}
	if u.Scheme == "" {
		u, err = url.Parse("https://" + value)
		if err != nil {
			return "", false
		}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	if u.Host == "" {
		return "", false
	}
	if u.User != nil {
		return "", false
	}
	if u.Fragment != "" {
		return "", false
	}
	if u.Port() != "" && !(isLocalhost(u.Hostname()) && s.Config.Debug) {
		return "", false
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	if strings.HasSuffix(value, "/") && !strings.HasSuffix(path, "/") {
		path += "/"
	}

	clean := url.URL{Scheme: scheme, Host: u.Host, Path: path}
	return clean.String(), true
}

// AllowedMeURLs returns the set of canonical URLs this server will assert:
// its own base URL plus every URL declared on the owner's profile.
func (s *Server) AllowedMeURLs() map[string]struct{} {
	allowed := make(map[string]struct{})
	if base, ok := s.NormalizeMe(s.Config.Issuer + "/"); ok {
		allowed[base] = struct{}{}
	}
	for _, raw := range s.Config.ProfileURLs {
		if normalized, ok := s.NormalizeMe(raw); ok {
			allowed[normalized] = struct{}{}
		}
	}
	return allowed
}

// IsAllowedMe reports whether the given profile URL, once normalized,
// belongs to the owner.
func (s *Server) IsAllowedMe(me string) bool {
	normalized, ok := s.NormalizeMe(me)
	if !ok {
		return false
	}
	_, ok = s.AllowedMeURLs()[normalized]
	return ok
}

// isLocalhost matches the conventional loopback names.
func isLocalhost(hostname string) bool {
	switch strings.ToLower(hostname) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

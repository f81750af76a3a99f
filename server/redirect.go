package server

import (
	"net/url"
	"slices"
	"strings"

	"github.com/webstead/indieauth/storage"
)

// RedirectAllowed decides whether redirectURI is permitted for the given
// client. The redirect URI must itself be an absolute http/https URL with
// no fragment.
//
// When discovery produced a declared redirect-URI list, only an exact
// string match against that list is accepted. Otherwise the redirect URI
// must share the client_id's scheme and host, and when the client_id has a
// path, the redirect path must equal it or be a descendant bounded by a
// trailing slash: client_id "https://c.example/app" admits "/app" and
// "/app/sub" but never "/app-evil".
func (s *Server) RedirectAllowed(clientID, redirectURI string, client *storage.Client) bool {
	if redirectURI == "" {
		return false
	}

	u, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	if u.Host == "" || u.Fragment != "" {
		return false
	}

	if client != nil && len(client.RedirectURIs) > 0 {
		return slices.Contains(client.RedirectURIs, redirectURI)
	}

	cu, err := url.Parse(clientID)
	if err != nil {
		return false
	}
	if strings.ToLower(cu.Scheme) != scheme || cu.Host != u.Host {
		return false
	}
	if cu.Path != "" && u.Path != cu.Path {
		boundary := strings.TrimRight(cu.Path, "/") + "/"
		if !strings.HasPrefix(u.Path, boundary) {
			return false
		}
	}
	return true
}

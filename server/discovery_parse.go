package server

import (
	"bytes"
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

// clientMetadata is the result of a discovery fetch before resolution and
// cleanup against the client_id URL.
type clientMetadata struct {
	redirectURIs []string
	name         string
	logoURL      string
}

// parseLinkHeader extracts the target URLs of every link in an HTTP Link
// header whose rel attribute contains the given relation token.
func parseLinkHeader(header, rel string) []string {
	var urls []string
	for _, link := range strings.Split(header, ",") {
		link = strings.TrimSpace(link)
		if !strings.HasPrefix(link, "<") {
			continue
		}
		end := strings.Index(link, ">")
		if end < 0 {
			continue
		}
		target := link[1:end]

		matched := false
		for _, param := range strings.Split(link[end+1:], ";") {
			param = strings.TrimSpace(param)
			key, value, ok := strings.Cut(param, "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(key), "rel") {
				continue
			}
			value = strings.Trim(strings.TrimSpace(value), `"`)
			for _, token := range strings.Fields(value) {
				if token == rel {
					matched = true
				}
			}
		}
		if matched && target != "" {
			urls = append(urls, target)
		}
	}
	return urls
}

// parseJSONMetadata merges a JSON client metadata document into meta. A
// body that fails to decode is treated as carrying no metadata.
func parseJSONMetadata(body []byte, meta *clientMetadata) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return
	}

	switch uris := doc["redirect_uris"].(type) {
	case []any:
		for _, entry := range uris {
			if uri, ok := entry.(string); ok {
				meta.redirectURIs = append(meta.redirectURIs, uri)
			}
		}
	case string:
		meta.redirectURIs = append(meta.redirectURIs, uris)
	}

	for _, key := range []string{"client_name", "name"} {
		if name, ok := doc[key].(string); ok && name != "" {
			meta.name = name
			break
		}
	}

	for _, key := range []string{"logo_uri", "logo"} {
		if logo, ok := doc[key].(string); ok && logo != "" {
			meta.logoURL = logo
			break
		}
	}
}

// parseHTMLMetadata scans an HTML page for <link rel="redirect_uri">
// elements, an icon or logo link, and the page title. The first matching
// icon and the first non-empty title win.
func parseHTMLMetadata(body []byte, meta *clientMetadata) {
	tokenizer := html.NewTokenizer(bytes.NewReader(body))

	var htmlLogo string
	var title string
	inTitle := false

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			if htmlLogo != "" {
				meta.logoURL = htmlLogo
			}
			if title != "" {
				meta.name = title
			}
			return

		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			switch token.Data {
			case "link":
				var rel, href string
				for _, attr := range token.Attr {
					switch attr.Key {
					case "rel":
						rel = attr.Val
					case "href":
						href = attr.Val
					}
				}
				if href == "" {
					continue
				}
				for _, relToken := range strings.Fields(rel) {
					switch relToken {
					case "redirect_uri":
						meta.redirectURIs = append(meta.redirectURIs, href)
					case "icon", "logo":
						if htmlLogo == "" {
							htmlLogo = href
						}
					}
				}
			case "title":
				inTitle = true
			}

		case html.TextToken:
			if inTitle && title == "" {
				title = strings.TrimSpace(string(tokenizer.Text()))
			}

		case html.EndTagToken:
			if token := tokenizer.Token(); token.Data == "title" {
				inTitle = false
			}
		}
	}
}

// resolveReference resolves ref against base, returning "" for empty or
// unparseable references.
func resolveReference(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}

// cleanRedirectURIs resolves each discovered redirect URI against the
// client_id URL, drops anything that is not an absolute http/https URL
// without a fragment, and returns the survivors deduplicated and sorted.
func cleanRedirectURIs(base *url.URL, uris []string) []string {
	seen := make(map[string]struct{})
	var clean []string
	for _, raw := range uris {
		resolved := resolveReference(base, raw)
		if resolved == "" {
			continue
		}
		u, err := url.Parse(resolved)
		if err != nil {
			continue
		}
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			continue
		}
		if u.Host == "" || u.Fragment != "" {
			continue
		}
		if _, dup := seen[resolved]; dup {
			continue
		}
		seen[resolved] = struct{}{}
		clean = append(clean, resolved)
	}
	sort.Strings(clean)
	return clean
}

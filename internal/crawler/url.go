package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// CoerceScheme prepends https:// when the raw input carries no scheme, so
// users can submit bare hostnames.
func CoerceScheme(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return "https://" + raw
}

// NormalizeURL produces the canonical form used for frontier and visited-set
// membership.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	// Lowercase scheme and host
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	// Remove default ports
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	// Remove fragment
	u.Fragment = ""

	// Empty path and root path are the same page
	if u.Host != "" && u.Path == "" {
		u.Path = "/"
	}

	// Sort query parameters
	q := u.Query()
	u.RawQuery = q.Encode()
	if u.RawQuery == "" {
		u.ForceQuery = false
	}

	return u.String(), nil
}

// inScope reports whether candidate belongs to the crawled site: same host,
// http or https only.
func inScope(candidate *url.URL, site string) bool {
	if candidate.Scheme != "http" && candidate.Scheme != "https" {
		return false
	}
	return strings.EqualFold(candidate.Host, site)
}

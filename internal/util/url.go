package util

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"
)

// NormaliseDomain removes http/https prefix and www. from domain
func NormaliseDomain(domain string) string {
	domain = strings.TrimPrefix(domain, "http://")
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "www.")
	domain = strings.TrimSuffix(domain, "/")
	return strings.ToLower(domain)
}

// CanonicaliseURL trims the input, adds a missing scheme, lowercases the host,
// drops default ports and strips fragments. Hash routes ("#/" and "#!") are kept
// because single page repositories address records through them.
func CanonicaliseURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("empty URL")
	}

	if strings.HasPrefix(rawURL, "//") {
		rawURL = "http:" + rawURL
	} else if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", rawURL, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid URL format: %s", rawURL)
	}

	u.Host = normaliseHostPort(strings.ToLower(u.Host), u.Scheme)
	if u.Path == "" {
		u.Path = "/"
	}
	if !isHashRoute(u.Fragment) {
		u.Fragment = ""
		u.RawFragment = ""
	}

	return u.String(), nil
}

func isHashRoute(fragment string) bool {
	return strings.HasPrefix(fragment, "/") || strings.HasPrefix(fragment, "!")
}

// temporalParams are query keys that carry per-visit state rather than identity.
var temporalParams = map[string]struct{}{
	"jsessionid": {},
	"sid":        {},
	"sessionid":  {},
	"session_id": {},
	"phpsessid":  {},
	"cfid":       {},
	"cftoken":    {},
	"token":      {},
	"timestamp":  {},
	"_":          {},
}

var matrixSessionRe = regexp.MustCompile(`(?i);(jsessionid|sessionid|sid)=[^/?#]*`)

// StripTemporalParams removes session ids and tokens from a URL so the same
// resource maps to one key across visits. Unparseable input is returned unchanged.
func StripTemporalParams(rawURL string) string {
	stripped := matrixSessionRe.ReplaceAllString(rawURL, "")

	u, err := url.Parse(stripped)
	if err != nil {
		log.Debug().Str("url", rawURL).Err(err).Msg("Could not parse URL for parameter stripping")
		return rawURL
	}
	if u.RawQuery == "" {
		return u.String()
	}

	q := u.Query()
	changed := false
	for key := range q {
		if _, ok := temporalParams[strings.ToLower(key)]; ok {
			q.Del(key)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Hostname returns the lowercased host of rawURL without its port.
func Hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// TopDomain returns the registrable domain for host (e.g. "repo.univ.ac.uk" -> "univ.ac.uk").
// IP addresses and single label hosts are returned as-is.
func TopDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" || net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return host
	}

	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

// DomainOf returns the registrable domain of rawURL.
func DomainOf(rawURL string) string {
	return TopDomain(Hostname(rawURL))
}

// PathDirectory returns the directory part of a URL path ("/a/b/c.pdf" -> "/a/b/").
func PathDirectory(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "/"
	}
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return "/"
	}
	return p[:idx+1]
}

// StructureKey identifies pages that share a layout: the host plus the directory
// of the path, so "/article/123" and "/article/456" on one host share a key.
func StructureKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	dir := path.Dir(u.Path)
	if dir == "." || dir == "" {
		dir = "/"
	}
	return strings.ToLower(u.Hostname()) + dir
}

// ResolveReference makes href absolute against base. Fragments are removed unless
// they are hash routes.
func ResolveReference(base *url.URL, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", err
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", abs.Scheme)
	}
	if !isHashRoute(abs.Fragment) {
		abs.Fragment = ""
		abs.RawFragment = ""
	}
	return abs.String(), nil
}

// normaliseHostPort removes default ports (80 for HTTP, 443 for HTTPS) from host.
func normaliseHostPort(host, scheme string) string {
	if scheme == "http" && strings.HasSuffix(host, ":80") {
		return strings.TrimSuffix(host, ":80")
	}
	if scheme == "https" && strings.HasSuffix(host, ":443") {
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

// IsSignificantRedirect checks if a redirect URL is meaningfully different from the original.
// Only the host and path are compared; query parameters and fragments are ignored.
// Returns false for trivial redirects like:
//   - HTTP to HTTPS on same domain/path
//   - www to non-www (or vice versa) on same path
//   - Trailing slash differences
//   - Default port differences (e.g., :443 for HTTPS, :80 for HTTP)
func IsSignificantRedirect(originalURL, redirectURL string) bool {
	if redirectURL == "" {
		return false
	}

	origParsed, origErr := url.Parse(originalURL)
	redirParsed, redirErr := url.Parse(redirectURL)
	if origErr != nil || redirErr != nil {
		return true
	}

	origHost := normaliseHostPort(origParsed.Host, origParsed.Scheme)
	origHost = strings.ToLower(strings.TrimPrefix(origHost, "www."))
	redirHost := normaliseHostPort(redirParsed.Host, redirParsed.Scheme)
	redirHost = strings.ToLower(strings.TrimPrefix(redirHost, "www."))
	if origHost != redirHost {
		return true
	}

	origPath := origParsed.Path
	redirPath := redirParsed.Path
	if origPath == "" {
		origPath = "/"
	}
	if redirPath == "" {
		redirPath = "/"
	}
	if len(origPath) > 1 {
		origPath = strings.TrimSuffix(origPath, "/")
	}
	if len(redirPath) > 1 {
		redirPath = strings.TrimSuffix(redirPath, "/")
	}

	return origPath != redirPath
}

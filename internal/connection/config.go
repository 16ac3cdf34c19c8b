package connection

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
)

// Config holds the settings for a Resolver
type Config struct {
	MaxPageRedirects  int           // Redirect budget for landing pages (DOI chains need 3-5 hops)
	MaxLinkRedirects  int           // Redirect budget for inner links
	HeadTimeout       time.Duration // Per-attempt timeout for HEAD probes
	GetTimeout        time.Duration // Per-attempt timeout for GET, including the body read
	UserAgent         string        // User agent string for requests
	RequestsPerSecond float64       // Global request rate cap, 0 disables it
	Burst             int           // Burst size for the global rate cap
}

// DefaultConfig returns a Config with default values and RESOLVER_* overrides applied
func DefaultConfig() Config {
	cfg := Config{
		MaxPageRedirects: 7,
		MaxLinkRedirects: 2,
		HeadTimeout:      15 * time.Second,
		GetTimeout:       20 * time.Second,
		UserAgent:        "DocResolver/1.0 (+https://github.com/Harvey-AU/doc-resolver)",
		Burst:            10,
	}

	if v, ok := os.LookupEnv("RESOLVER_MAX_PAGE_REDIRECTS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxPageRedirects = n
		}
	}
	if v, ok := os.LookupEnv("RESOLVER_MAX_LINK_REDIRECTS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxLinkRedirects = n
		}
	}
	if v, ok := os.LookupEnv("RESOLVER_HEAD_TIMEOUT_SECONDS"); ok {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			cfg.HeadTimeout = time.Duration(sec) * time.Second
		}
	}
	if v, ok := os.LookupEnv("RESOLVER_GET_TIMEOUT_SECONDS"); ok {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			cfg.GetTimeout = time.Duration(sec) * time.Second
		}
	}
	if v, ok := os.LookupEnv("RESOLVER_REQUESTS_PER_SECOND"); ok {
		if rps, err := strconv.ParseFloat(v, 64); err == nil && rps >= 0 {
			cfg.RequestsPerSecond = rps
		}
	}

	return cfg
}

func (c Config) redirectCap(p retrieval.Purpose) int {
	if p == retrieval.PurposeInnerLink {
		return c.MaxLinkRedirects
	}
	return c.MaxPageRedirects
}

// NewTransport returns the shared transport used by both resolver clients.
// Compression is handled by the resolver so Content-Encoding stays visible.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 25,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     120 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
	}
}

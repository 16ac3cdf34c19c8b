package domainhealth

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Harvey-AU/doc-resolver/internal/util"
)

// Config controls when domains and paths are blocked and how requests are paced.
type Config struct {
	Max5XX          int // 5XX responses (503 excluded) before the domain is blocked
	MaxTimeouts     int // Timeouts before the domain is blocked
	MaxNoType       int // Responses without a Content-Type before the domain is blocked
	MaxNoDocOrPage  int // Responses that were neither a target nor a page
	MaxPath403      int // 403s on a single path before the whole domain is blocked
	MaxBlockedPaths int // Distinct 403-blocked paths before the whole domain is blocked

	// GoodDomainBuffer caps how far successful resolutions raise a domain's thresholds.
	GoodDomainBuffer int

	PolitenessMin time.Duration
	PolitenessMax time.Duration

	// AllowList holds registrable domains that are never blocked.
	AllowList []string
}

// DefaultConfig returns the default thresholds with RESOLVER_* environment overrides applied.
func DefaultConfig() Config {
	cfg := Config{
		Max5XX:           10,
		MaxTimeouts:      25,
		MaxNoType:        10,
		MaxNoDocOrPage:   10,
		MaxPath403:       10,
		MaxBlockedPaths:  50,
		GoodDomainBuffer: 100,
		PolitenessMin:    3 * time.Second,
		PolitenessMax:    7 * time.Second,
		AllowList:        []string{"doi.org", "handle.net", "hdl.handle.net", "purl.org", "n2t.net", "identifiers.org"},
	}

	envInt("RESOLVER_5XX_THRESHOLD", &cfg.Max5XX)
	envInt("RESOLVER_TIMEOUT_THRESHOLD", &cfg.MaxTimeouts)
	envInt("RESOLVER_NO_TYPE_THRESHOLD", &cfg.MaxNoType)
	envInt("RESOLVER_NEITHER_THRESHOLD", &cfg.MaxNoDocOrPage)
	envInt("RESOLVER_PATH_403_THRESHOLD", &cfg.MaxPath403)
	envInt("RESOLVER_BLOCKED_PATHS_THRESHOLD", &cfg.MaxBlockedPaths)
	envInt("RESOLVER_GOOD_DOMAIN_BUFFER", &cfg.GoodDomainBuffer)

	if v, ok := os.LookupEnv("RESOLVER_POLITENESS_MIN_MS"); ok {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			cfg.PolitenessMin = time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok := os.LookupEnv("RESOLVER_POLITENESS_MAX_MS"); ok {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			cfg.PolitenessMax = time.Duration(ms) * time.Millisecond
		}
	}
	if cfg.PolitenessMax < cfg.PolitenessMin {
		cfg.PolitenessMax = cfg.PolitenessMin
	}
	if v, ok := os.LookupEnv("RESOLVER_ALLOW_DOMAINS"); ok {
		cfg.AllowList = nil
		for _, d := range strings.Split(v, ",") {
			if d = util.NormaliseDomain(strings.TrimSpace(d)); d != "" {
				cfg.AllowList = append(cfg.AllowList, d)
			}
		}
	}

	return cfg
}

func envInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = n
	}
}

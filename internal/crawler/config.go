package crawler

import (
	"os"
	"strconv"

	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
)

// Config holds the search budget for a PageCrawler
type Config struct {
	FastScanLimit      int     // Max document-looking links to connect to
	SlowScanLimit      int     // Max remaining same-domain links to connect to
	SlowScanFloor      float64 // Hit rate below which slow scan is disabled for the run
	SlowScanMinSamples int     // Pages sampled before the floor applies
	SlowScanNoGet      bool    // Forbid GET fallback for uncategorised slow-scan links
	WantDocuments      bool    // Accept documents as targets
	WantDatasets       bool    // Accept datasets as targets
}

// DefaultConfig returns a Config instance with default values
func DefaultConfig() Config {
	cfg := Config{
		FastScanLimit:      5,
		SlowScanLimit:      10,
		SlowScanFloor:      0.2,
		SlowScanMinSamples: 20,
		SlowScanNoGet:      true,
		WantDocuments:      true,
		WantDatasets:       true,
	}

	if m, ok := retrieval.EnvMode(); ok {
		cfg.WantDocuments, cfg.WantDatasets = m.Documents, m.Datasets
	}
	if v, ok := os.LookupEnv("RESOLVER_FAST_SCAN_LIMIT"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.FastScanLimit = n
		}
	}
	if v, ok := os.LookupEnv("RESOLVER_SLOW_SCAN_LIMIT"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.SlowScanLimit = n
		}
	}
	if v, ok := os.LookupEnv("RESOLVER_SLOW_SCAN_GET_FALLBACK"); ok {
		cfg.SlowScanNoGet = !(v == "1" || v == "true" || v == "TRUE")
	}

	return cfg
}

package engine

import (
	"os"
	"strconv"
	"time"

	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
)

// Config controls what the engine does with a resolved target.
type Config struct {
	WantDocuments bool          // Accept documents as targets
	WantDatasets  bool          // Accept datasets as targets
	Download      bool          // Store targets through the FileStore
	MaxPageBytes  int64         // Cap on landing page bodies
	RecordTimeout time.Duration // Deadline per record, detached from run shutdown
}

// DefaultConfig returns a Config instance with default values
func DefaultConfig() Config {
	cfg := Config{
		WantDocuments: true,
		WantDatasets:  true,
		Download:      false,
		MaxPageBytes:  5 << 20,
		RecordTimeout: 3 * time.Minute,
	}

	if m, ok := retrieval.EnvMode(); ok {
		cfg.WantDocuments, cfg.WantDatasets = m.Documents, m.Datasets
	}
	if v, ok := os.LookupEnv("RESOLVER_DOWNLOAD"); ok {
		cfg.Download = v == "1" || v == "true" || v == "TRUE"
	}
	if v, ok := os.LookupEnv("RESOLVER_MAX_PAGE_BYTES"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxPageBytes = n
		}
	}
	if v, ok := os.LookupEnv("RESOLVER_RECORD_TIMEOUT_SECONDS"); ok {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			cfg.RecordTimeout = time.Duration(sec) * time.Second
		}
	}

	return cfg
}

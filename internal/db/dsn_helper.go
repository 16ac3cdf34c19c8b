package db

import (
	"fmt"
	"strings"
)

// database/sql driver names
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

// ParseDatabaseURL picks the driver from the URL scheme and returns the DSN
// that driver expects. sqlite://path and file:path select SQLite.
func ParseDatabaseURL(raw string) (driver, dsn string, err error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return "", "", ErrNotConfigured
	case strings.HasPrefix(raw, "postgresql://"), strings.HasPrefix(raw, "postgres://"):
		return DriverPostgres, raw, nil
	case strings.HasPrefix(raw, "sqlite://"):
		path := strings.TrimPrefix(raw, "sqlite://")
		if path == "" {
			return "", "", fmt.Errorf("sqlite URL has no path: %q", raw)
		}
		return DriverSQLite, "file:" + path + sqliteOptions(path), nil
	case strings.HasPrefix(raw, "file:"):
		return DriverSQLite, raw, nil
	case strings.Contains(raw, "host=") || strings.Contains(raw, "dbname="):
		return DriverPostgres, raw, nil
	default:
		return "", "", fmt.Errorf("unsupported DATABASE_URL scheme: %q", redact(raw))
	}
}

func sqliteOptions(path string) string {
	if strings.Contains(path, "?") {
		return "&_busy_timeout=5000&_journal_mode=WAL"
	}
	return "?_busy_timeout=5000&_journal_mode=WAL"
}

// redact drops everything before the host so credentials never reach logs.
func redact(raw string) string {
	if i := strings.LastIndex(raw, "@"); i >= 0 {
		return "***" + raw[i:]
	}
	return raw
}

// AugmentDSNWithTimeout adds statement_timeout to a DSN if not already present
// Supports both URL format (postgresql://...) and key=value format
func AugmentDSNWithTimeout(dsn string, timeoutMs int) string {
	if dsn == "" || strings.Contains(dsn, "statement_timeout") {
		return dsn
	}

	if timeoutMs <= 0 {
		timeoutMs = 60000 // Default 60 seconds
	}
	timeoutStr := fmt.Sprintf("%d", timeoutMs)

	// URL format
	if strings.HasPrefix(dsn, "postgresql://") || strings.HasPrefix(dsn, "postgres://") {
		separator := "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
		return dsn + separator + "statement_timeout=" + timeoutStr
	}

	// Key=value format
	return dsn + " statement_timeout=" + timeoutStr
}

// Package testutil holds helpers for tests that need external services.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
)

// DatabaseURL returns the database to run integration tests against and
// skips the test when none is configured or -short is set. TEST_DATABASE_URL
// from the environment or from a .env.test file wins over DATABASE_URL.
func DatabaseURL(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}

	if v := os.Getenv("TEST_DATABASE_URL"); v != "" {
		return v
	}

	if envPath := findEnvTestFile(); envPath != "" {
		envMap, err := godotenv.Read(envPath)
		if err != nil {
			t.Logf("Warning: Failed to read %s: %v", envPath, err)
		} else if v := envMap["TEST_DATABASE_URL"]; v != "" {
			t.Logf("TEST_DATABASE_URL read from %s", envPath)
			return v
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}

	t.Skip("no TEST_DATABASE_URL or DATABASE_URL configured")
	return ""
}

// findEnvTestFile searches for .env.test in current and parent directories
func findEnvTestFile() string {
	dir, _ := os.Getwd()

	// Search up to 5 levels up
	for range 5 {
		envPath := filepath.Join(dir, ".env.test")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

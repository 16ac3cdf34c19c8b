package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// RetryConfig holds configuration for retry behaviour
type RetryConfig struct {
	MaxAttempts     int           // Maximum number of attempts
	InitialInterval time.Duration // Initial retry interval
	MaxInterval     time.Duration // Maximum retry interval (cap for exponential backoff)
	Multiplier      float64       // Backoff multiplier (typically 2.0)
	Jitter          bool          // Add randomness to prevent thundering herd
}

// DefaultRetryConfig returns sensible defaults for connection retries
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     10,               // Try up to 10 times
		InitialInterval: 1 * time.Second,  // Start with 1 second
		MaxInterval:     30 * time.Second, // Cap at 30 seconds
		Multiplier:      2.0,              // Double each time
		Jitter:          true,             // Add randomness
	}
}

// writeRetryConfig is used for individual writes during a run.
func writeRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

// isRetryableError reports whether err looks transient: connection loss,
// resource exhaustion or a locked SQLite database.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		class := pgErr.Code
		if len(class) > 2 {
			class = class[:2]
		}
		switch class {
		case "08": // Connection exceptions
			return true
		case "53": // Insufficient resources
			return true
		case "57": // Operator intervention
			return true
		case "58": // System errors
			return true
		case "40": // Serialisation failure, deadlock
			return true
		default:
			return false
		}
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrNotConfigured) || errors.Is(err, context.Canceled) {
		return false
	}

	errMsg := strings.ToLower(err.Error())
	for _, connErr := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"too many clients",
	} {
		if strings.Contains(errMsg, connErr) {
			return true
		}
	}
	return false
}

// retry runs fn until it succeeds, fails with a non-retryable error, or the
// attempts run out.
func retry(ctx context.Context, rc RetryConfig, op string, fn func() error) error {
	var lastErr error
	backoff := rc.InitialInterval
	startTime := time.Now()

	for attempt := 1; attempt <= rc.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("op", op).
					Int("attempts", attempt).
					Dur("elapsed", time.Since(startTime)).
					Msg("Database operation succeeded after retries")
			}
			return nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return err
		}
		if attempt >= rc.MaxAttempts {
			break
		}

		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", rc.MaxAttempts).
			Dur("retry_in", backoff).
			Msg("Database operation failed, retrying...")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s retry cancelled: %w", op, ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * rc.Multiplier)
		if backoff > rc.MaxInterval {
			backoff = rc.MaxInterval
		}
		if rc.Jitter {
			jitter := time.Duration(float64(backoff) * 0.1 * (2.0*float64(time.Now().UnixNano()%100)/100.0 - 1.0))
			backoff += jitter
		}
	}

	log.Error().
		Err(lastErr).
		Str("op", op).
		Int("max_attempts", rc.MaxAttempts).
		Msg("Database operation failed after all retry attempts")

	return fmt.Errorf("%s failed after %d attempts: %w", op, rc.MaxAttempts, lastErr)
}

// InitFromEnvWithRetry connects using DATABASE_URL, retrying while the
// database is unavailable.
func InitFromEnvWithRetry(ctx context.Context) (*DB, error) {
	return InitFromEnvWithRetryConfig(ctx, DefaultRetryConfig())
}

// InitFromEnvWithRetryConfig is InitFromEnvWithRetry with a custom policy.
func InitFromEnvWithRetryConfig(ctx context.Context, rc RetryConfig) (*DB, error) {
	var db *DB
	err := retry(ctx, rc, "connect", func() error {
		var err error
		db, err = InitFromEnv(ctx)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return nil, err
		}
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, nil
}

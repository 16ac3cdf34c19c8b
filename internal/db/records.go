package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Harvey-AU/doc-resolver/internal/cache"
	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
	"github.com/Harvey-AU/doc-resolver/internal/structure"
	"github.com/rs/zerolog/log"
)

// RecordSink writes every output record of one run to resolution_records.
type RecordSink struct {
	db    *DB
	runID string
	retry RetryConfig
}

// RecordSink returns a sink tagging rows with runID.
func (db *DB) RecordSink(runID string) *RecordSink {
	return &RecordSink{db: db, runID: runID, retry: writeRetryConfig()}
}

// Emit inserts rec, retrying transient failures.
func (s *RecordSink) Emit(ctx context.Context, rec retrieval.Record) error {
	resolvedAt := rec.ResolvedAt
	if resolvedAt.IsZero() {
		resolvedAt = time.Now().UTC()
	}

	return retry(ctx, s.retry, "insert record", func() error {
		_, err := s.db.client.ExecContext(ctx, `
			INSERT INTO resolution_records (
				run_id, record_id, source_url, page_url, resolved_url, outcome,
				was_checked, was_valid, was_accessible, was_direct_link, could_retry,
				hash, size, mime_type, file_path, error, platform, original_id, resolved_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
			s.runID, rec.ID, rec.SourceURL, rec.PageURL, rec.ResolvedURL, string(rec.Outcome),
			rec.WasChecked, rec.WasValid, rec.WasAccessible, rec.WasDirectLink, rec.CouldRetry,
			rec.Hash, rec.Size, rec.MimeType, rec.FilePath, rec.Error,
			strings.Join(rec.Platform, ","), rec.OriginalID, resolvedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert record %q: %w", rec.SourceURL, err)
		}
		return nil
	})
}

// LoadTargets claims every persisted target into idx and returns how many
// were added.
func (db *DB) LoadTargets(ctx context.Context, idx *cache.TargetIndex) (int, error) {
	rows, err := db.client.QueryContext(ctx,
		`SELECT url, record_id, source_url, mime_type FROM resolved_targets`)
	if err != nil {
		return 0, fmt.Errorf("failed to query resolved targets: %w", err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var url, sourceURL string
		var recordID, mimeType sql.NullString
		if err := rows.Scan(&url, &recordID, &sourceURL, &mimeType); err != nil {
			return loaded, fmt.Errorf("failed to scan resolved target: %w", err)
		}
		entry := retrieval.TargetEntry{ID: recordID.String, SourceURL: sourceURL, MimeType: mimeType.String}
		if _, won := idx.Claim(url, entry); won {
			loaded++
		}
	}
	if err := rows.Err(); err != nil {
		return loaded, fmt.Errorf("failed to read resolved targets: %w", err)
	}
	return loaded, nil
}

// SaveTargets upserts the whole index in one transaction. Existing rows keep
// their original provenance.
func (db *DB) SaveTargets(ctx context.Context, idx *cache.TargetIndex) error {
	entries := idx.Entries()
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC()

	return db.Execute(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO resolved_targets (url, record_id, source_url, mime_type, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (url) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("failed to prepare target insert: %w", err)
		}
		defer stmt.Close()

		for url, e := range entries {
			if _, err := stmt.ExecContext(ctx, url, e.ID, e.SourceURL, e.MimeType, now); err != nil {
				return fmt.Errorf("failed to save target %q: %w", url, err)
			}
		}
		log.Debug().Int("targets", len(entries)).Msg("Saved resolved targets")
		return nil
	})
}

// LoadSignatures merges persisted structural signatures into p.
func (db *DB) LoadSignatures(ctx context.Context, p *structure.Predictor) (int, error) {
	rows, err := db.client.QueryContext(ctx,
		`SELECT path_key, signature, hits FROM structure_signatures`)
	if err != nil {
		return 0, fmt.Errorf("failed to query signatures: %w", err)
	}
	defer rows.Close()

	snapshot := make(map[string][]structure.Entry)
	n := 0
	for rows.Next() {
		var (
			pathKey, raw string
			hits         int
		)
		if err := rows.Scan(&pathKey, &raw, &hits); err != nil {
			return n, fmt.Errorf("failed to scan signature: %w", err)
		}
		var sig structure.Signature
		if err := json.Unmarshal([]byte(raw), &sig); err != nil {
			log.Warn().Err(err).Str("path_key", pathKey).Msg("Skipping malformed signature")
			continue
		}
		snapshot[pathKey] = append(snapshot[pathKey], structure.Entry{Signature: sig, Count: hits})
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("failed to read signatures: %w", err)
	}

	p.Load(snapshot)
	return n, nil
}

// SaveSignatures upserts the predictor snapshot. hits takes the larger of
// the stored and in-memory counts, since the in-memory count already
// includes what was loaded.
func (db *DB) SaveSignatures(ctx context.Context, p *structure.Predictor) error {
	snapshot := p.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}
	now := time.Now().UTC()

	return db.Execute(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO structure_signatures (path_key, signature_key, signature, hits, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (path_key, signature_key) DO UPDATE SET
				hits = CASE WHEN excluded.hits > structure_signatures.hits
					THEN excluded.hits ELSE structure_signatures.hits END,
				updated_at = excluded.updated_at`)
		if err != nil {
			return fmt.Errorf("failed to prepare signature upsert: %w", err)
		}
		defer stmt.Close()

		saved := 0
		for pathKey, entries := range snapshot {
			for _, e := range entries {
				raw, err := json.Marshal(e.Signature)
				if err != nil {
					return fmt.Errorf("failed to encode signature: %w", err)
				}
				if _, err := stmt.ExecContext(ctx, pathKey, e.Signature.Key(), string(raw), e.Count, now); err != nil {
					return fmt.Errorf("failed to save signature for %q: %w", pathKey, err)
				}
				saved++
			}
		}
		log.Debug().Int("signatures", saved).Msg("Saved structural signatures")
		return nil
	})
}

// SaveBlockedDomains records the domains blocked during a run.
func (db *DB) SaveBlockedDomains(ctx context.Context, runID string, blocked map[string]string) error {
	if len(blocked) == 0 {
		return nil
	}
	now := time.Now().UTC()

	return db.Execute(ctx, func(tx *sql.Tx) error {
		for domain, reason := range blocked {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO blocked_domains (run_id, domain, reason, blocked_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (run_id, domain) DO UPDATE SET reason = excluded.reason`,
				runID, domain, reason, now); err != nil {
				return fmt.Errorf("failed to save blocked domain %q: %w", domain, err)
			}
		}
		return nil
	})
}

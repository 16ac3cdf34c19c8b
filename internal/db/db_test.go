package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Harvey-AU/doc-resolver/internal/cache"
	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
	"github.com/Harvey-AU/doc-resolver/internal/structure"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	client, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, DriverPostgres), mock
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}
}

func TestSetupSchema(t *testing.T) {
	tests := []struct {
		name      string
		failTable string
	}{
		{name: "all tables created"},
		{name: "records table fails", failTable: "resolution_records"},
		{name: "signatures table fails", failTable: "structure_signatures"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer client.Close()

			for _, s := range schema {
				exp := mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + s.table)
				if s.table == tt.failTable {
					exp.WillReturnError(sql.ErrConnDone)
					break
				}
				exp.WillReturnResult(sqlmock.NewResult(0, 0))
			}
			if tt.failTable == "" {
				mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_resolution_records_run").
					WillReturnResult(sqlmock.NewResult(0, 0))
			}

			err = setupSchema(context.Background(), client)
			if tt.failTable != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.failTable)
			} else {
				require.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(context.Background(), &Config{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	t.Setenv("DATABASE_URL", "")
	_, err = InitFromEnv(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestRecordSinkEmit(t *testing.T) {
	db, mock := newMock(t)
	sink := db.RecordSink("run-1")

	rec := retrieval.Record{
		ID:            "7",
		SourceURL:     "https://pub.example/item/7",
		PageURL:       "https://pub.example/item/7",
		ResolvedURL:   "https://pub.example/item/7.pdf",
		Outcome:       retrieval.OutcomeTarget,
		WasChecked:    true,
		WasValid:      true,
		WasAccessible: true,
		MimeType:      "application/pdf",
		Platform:      []string{"DSpace", "Java"},
		ResolvedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	mock.ExpectExec("INSERT INTO resolution_records").
		WithArgs("run-1", "7", rec.SourceURL, rec.PageURL, rec.ResolvedURL, "target",
			true, true, true, false, false,
			"", int64(0), "application/pdf", "", "",
			"DSpace,Java", "", rec.ResolvedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, sink.Emit(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSinkRetriesTransientErrors(t *testing.T) {
	db, mock := newMock(t)
	sink := db.RecordSink("run-1")
	sink.retry = fastRetry()

	mock.ExpectExec("INSERT INTO resolution_records").WillReturnError(errors.New("read: connection reset by peer"))
	mock.ExpectExec("INSERT INTO resolution_records").WillReturnResult(sqlmock.NewResult(1, 1))

	err := sink.Emit(context.Background(), retrieval.Record{SourceURL: "https://a.example/", Outcome: retrieval.OutcomeUnreachable})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSinkFailsFastOnBadData(t *testing.T) {
	db, mock := newMock(t)
	sink := db.RecordSink("run-1")
	sink.retry = fastRetry()

	mock.ExpectExec("INSERT INTO resolution_records").WillReturnError(&pgconn.PgError{Code: "22001", Message: "value too long"})

	err := sink.Emit(context.Background(), retrieval.Record{SourceURL: "https://a.example/", Outcome: retrieval.OutcomeUnreachable})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert record")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadTargets(t *testing.T) {
	db, mock := newMock(t)
	idx := cache.NewTargetIndex()
	idx.Claim("https://b.example/b.pdf", retrieval.TargetEntry{ID: "in-memory", SourceURL: "https://b.example/"})

	rows := sqlmock.NewRows([]string{"url", "record_id", "source_url", "mime_type"}).
		AddRow("https://a.example/a.pdf", "1", "https://a.example/", "application/pdf").
		AddRow("https://b.example/b.pdf", nil, "https://b.example/old", nil)
	mock.ExpectQuery("SELECT url, record_id, source_url, mime_type FROM resolved_targets").WillReturnRows(rows)

	n, err := db.LoadTargets(context.Background(), idx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, idx.Len())

	entry, ok := idx.Lookup("https://a.example/a.pdf")
	require.True(t, ok)
	assert.Equal(t, retrieval.TargetEntry{ID: "1", SourceURL: "https://a.example/", MimeType: "application/pdf"}, entry)

	entry, _ = idx.Lookup("https://b.example/b.pdf")
	assert.Equal(t, "in-memory", entry.ID, "an existing claim is kept")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTargets(t *testing.T) {
	db, mock := newMock(t)
	idx := cache.NewTargetIndex()
	idx.Claim("https://a.example/a.pdf", retrieval.TargetEntry{ID: "1", SourceURL: "https://a.example/", MimeType: "application/pdf"})

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO resolved_targets").
		ExpectExec().
		WithArgs("https://a.example/a.pdf", "1", "https://a.example/", "application/pdf", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, db.SaveTargets(context.Background(), idx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTargetsRollsBackOnError(t *testing.T) {
	db, mock := newMock(t)
	idx := cache.NewTargetIndex()
	idx.Claim("https://a.example/a.pdf", retrieval.TargetEntry{SourceURL: "https://a.example/"})

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO resolved_targets").
		ExpectExec().
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := db.SaveTargets(context.Background(), idx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save target")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTargetsEmptyIsNoop(t *testing.T) {
	db, mock := newMock(t)
	require.NoError(t, db.SaveTargets(context.Background(), cache.NewTargetIndex()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSignaturesRoundTrip(t *testing.T) {
	db, mock := newMock(t)
	sig := structure.Signature{{Tag: "a", Class: "download"}, {Tag: "div", Class: "article-tools"}, {Tag: "body"}}

	src := structure.New(0)
	src.Record("pub.example/article/", sig)
	src.Record("pub.example/article/", sig)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO structure_signatures").
		ExpectExec().
		WithArgs("pub.example/article/", sig.Key(), sqlmock.AnyArg(), 2, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	require.NoError(t, db.SaveSignatures(context.Background(), src))

	raw := `[{"tag":"a","class":"download"},{"tag":"div","class":"article-tools"},{"tag":"body"}]`
	mock.ExpectQuery("SELECT path_key, signature, hits FROM structure_signatures").
		WillReturnRows(sqlmock.NewRows([]string{"path_key", "signature", "hits"}).
			AddRow("pub.example/article/", raw, 2).
			AddRow("pub.example/broken/", "{not json", 1))

	dst := structure.New(0)
	n, err := db.LoadSignatures(context.Background(), dst)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, dst.Known("pub.example/article/"))
	assert.False(t, dst.Known("pub.example/broken/"))
	assert.Equal(t, src.Snapshot(), dst.Snapshot())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBlockedDomains(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO blocked_domains").
		WithArgs("run-1", "slow.example", "timeouts", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, db.SaveBlockedDomains(context.Background(), "run-1", map[string]string{"slow.example": "timeouts"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pg connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"pg too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"pg deadlock", fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"sqlite constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"conn done", sql.ErrConnDone, true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"not configured", ErrNotConfigured, false},
		{"refused", errors.New("dial tcp 10.0.0.1:5432: connection refused"), true},
		{"other", errors.New("syntax error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	err := retry(context.Background(), fastRetry(), "op", func() error {
		calls++
		return sql.ErrConnDone
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rc := fastRetry()
	rc.InitialInterval = time.Hour
	err := retry(ctx, rc, "op", func() error { return sql.ErrConnDone })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSQLiteRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("opens a real SQLite database")
	}
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "resolver.db")

	db, err := New(ctx, &Config{DatabaseURL: "sqlite://" + path})
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, DriverSQLite, db.Driver())

	idx := cache.NewTargetIndex()
	idx.Claim("https://a.example/a.pdf", retrieval.TargetEntry{ID: "1", SourceURL: "https://a.example/"})
	require.NoError(t, db.SaveTargets(ctx, idx))
	require.NoError(t, db.SaveTargets(ctx, idx), "saving twice is idempotent")

	require.NoError(t, db.RecordSink("run").Emit(ctx, retrieval.Record{SourceURL: "https://a.example/", Outcome: retrieval.OutcomeTarget}))

	loaded := cache.NewTargetIndex()
	n, err := db.LoadTargets(ctx, loaded)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var count int
	require.NoError(t, db.GetDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM resolution_records`).Scan(&count))
	assert.Equal(t, 1, count)
}

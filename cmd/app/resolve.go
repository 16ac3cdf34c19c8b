package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Harvey-AU/doc-resolver/internal/batch"
	"github.com/Harvey-AU/doc-resolver/internal/cache"
	"github.com/Harvey-AU/doc-resolver/internal/config"
	"github.com/Harvey-AU/doc-resolver/internal/connection"
	"github.com/Harvey-AU/doc-resolver/internal/crawler"
	"github.com/Harvey-AU/doc-resolver/internal/db"
	"github.com/Harvey-AU/doc-resolver/internal/domainhealth"
	"github.com/Harvey-AU/doc-resolver/internal/engine"
	"github.com/Harvey-AU/doc-resolver/internal/notifications"
	"github.com/Harvey-AU/doc-resolver/internal/observability"
	"github.com/Harvey-AU/doc-resolver/internal/rewrite"
	"github.com/Harvey-AU/doc-resolver/internal/storage"
	"github.com/Harvey-AU/doc-resolver/internal/structure"
	"github.com/Harvey-AU/doc-resolver/internal/techdetect"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// resolveOptions are the command-line settings for one run.
type resolveOptions struct {
	Input       string
	Output      string
	ConfigPath  string
	Workers     int // 0 means config file, then WORKERS
	DownloadDir string
	Download    bool
	DownloadSet bool // --download was given explicitly
	Mode        string
	LogLevel    string
	NoDB        bool
	NoNotify    bool
}

// persistTimeout bounds the end-of-run database writes, which run even after
// the run context was cancelled.
const persistTimeout = 30 * time.Second

// run resolves one batch from input to output and returns the run summary.
func run(ctx context.Context, appCfg *Config, opts resolveOptions, stdin io.Reader, stdout io.Writer, prov *observability.Providers) (engine.Summary, error) {
	runID := uuid.NewString()

	span := sentry.StartSpan(ctx, "resolver.run")
	span.SetTag("run_id", runID)
	defer span.Finish()
	ctx = span.Context()

	file := &config.File{}
	if opts.ConfigPath != "" {
		var err error
		if file, err = config.Load(opts.ConfigPath); err != nil {
			return engine.Summary{RunID: runID}, err
		}
	}
	if opts.Mode != "" {
		mode := strings.ToLower(strings.TrimSpace(opts.Mode))
		file.Engine.Mode = &mode
		if err := file.Validate(); err != nil {
			return engine.Summary{RunID: runID}, err
		}
	}

	connCfg := connection.DefaultConfig()
	file.ApplyConnection(&connCfg)
	healthCfg := domainhealth.DefaultConfig()
	file.ApplyHealth(&healthCfg)
	crawlCfg := crawler.DefaultConfig()
	file.ApplyCrawler(&crawlCfg)
	engCfg := engine.DefaultConfig()
	file.ApplyEngine(&engCfg)

	if opts.DownloadSet {
		engCfg.Download = opts.Download
	} else if opts.DownloadDir != "" {
		engCfg.Download = true
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = file.WorkerCount(appCfg.Workers)
	}

	in, closeIn, err := openInput(opts.Input, stdin)
	if err != nil {
		return engine.Summary{RunID: runID}, err
	}
	defer closeIn()

	out, err := openOutput(opts.Output, stdout)
	if err != nil {
		return engine.Summary{RunID: runID}, err
	}
	sink := batch.NewSink(out)
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close output")
		}
	}()

	health := domainhealth.New(healthCfg)
	health.OnBlock = func(domain, reason string) {
		observability.RecordDomainBlocked(ctx, reason)
		log.Warn().Str("run_id", runID).Str("domain", domain).Str("reason", reason).Msg("Domain blocked")
	}

	targets := cache.NewTargetIndex()
	predictor := structure.New(structure.DefaultDepth)

	var store *db.DB
	if !opts.NoDB {
		store, err = openDatabase(ctx, targets, predictor)
		if err != nil {
			return engine.Summary{RunID: runID}, err
		}
	}
	if store != nil {
		defer store.Close()
	}

	resolver := connection.New(connCfg, health,
		connection.WithTransport(observability.WrapTransport(connection.NewTransport(), prov)),
		connection.WithTargetIndex(targets),
		connection.WithAttemptHook(func(method string, status int) {
			observability.RecordConnection(ctx, method, status)
		}),
	)
	pages := crawler.New(crawlCfg, resolver, health, predictor, cache.NewURLSet(0))

	engOpts := []engine.Option{
		engine.WithRunID(runID),
		engine.WithRewriter(rewrite.New(file.RewriteRules()...)),
	}
	if engCfg.Download {
		fs, err := fileStore(appCfg, opts, file.MaxFileBytes(storage.DefaultMaxFileBytes))
		if err != nil {
			return engine.Summary{RunID: runID}, err
		}
		if fs == nil {
			log.Warn().Msg("Download requested without --download-dir or SUPABASE_URL, resolving only")
			engCfg.Download = false
		} else {
			engOpts = append(engOpts, engine.WithFileStore(fs))
		}
	}
	if detector, err := techdetect.New(); err != nil {
		log.Warn().Err(err).Msg("Platform detection disabled")
	} else {
		engOpts = append(engOpts, engine.WithPlatformDetector(detector))
	}

	eng := engine.New(engCfg, resolver, pages, health, targets, engOpts...)

	var emit engine.Sink = sink
	if store != nil {
		emit = engine.Tee(sink, store.RecordSink(runID))
	}

	log.Info().
		Str("run_id", runID).
		Int("workers", workers).
		Bool("download", engCfg.Download).
		Bool("documents", engCfg.WantDocuments).
		Bool("datasets", engCfg.WantDatasets).
		Bool("persistence", store != nil).
		Msg("Starting resolver run")

	summary, runErr := eng.Run(ctx, batch.NewSource(in, 0), emit, workers)

	if store != nil {
		persist(store, runID, targets, predictor, health)
	}

	if !opts.NoNotify {
		notify(summary, opts.Input, health.Blocked(), runErr)
	}

	return summary, runErr
}

// openDatabase connects when DATABASE_URL is set and warms the run caches
// from earlier runs. A nil DB with a nil error means persistence is off.
func openDatabase(ctx context.Context, targets *cache.TargetIndex, predictor *structure.Predictor) (*db.DB, error) {
	store, err := db.InitFromEnvWithRetry(ctx)
	if errors.Is(err, db.ErrNotConfigured) {
		log.Debug().Msg("DATABASE_URL not set, persistence disabled")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	n, err := store.LoadTargets(ctx, targets)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load resolved targets: %w", err)
	}
	sigs, err := store.LoadSignatures(ctx, predictor)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load structure signatures: %w", err)
	}
	log.Info().Str("driver", store.Driver()).Int("targets", n).Int("signatures", sigs).Msg("Loaded state from earlier runs")
	return store, nil
}

// persist saves run state on a context detached from the run, so an
// interrupted run still keeps what it learned.
func persist(store *db.DB, runID string, targets *cache.TargetIndex, predictor *structure.Predictor, health *domainhealth.Tracker) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := store.SaveTargets(ctx, targets); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Failed to save resolved targets")
	}
	if err := store.SaveSignatures(ctx, predictor); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Failed to save structure signatures")
	}
	if err := store.SaveBlockedDomains(ctx, runID, health.Blocked()); err != nil {
		log.Error().Err(err).Msg("Failed to save blocked domains")
	}
}

func notify(summary engine.Summary, input string, blocked map[string]string, runErr error) {
	svc := notifications.NewService()
	if ch := notifications.SlackChannelFromEnv(); ch != nil {
		svc.AddChannel(ch)
	}
	if !svc.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := svc.NotifyRunComplete(ctx, notifications.RunReport{
		Summary: summary,
		Input:   input,
		Blocked: blocked,
		Err:     runErr,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to send run summary")
	}
}

// fileStore picks the local directory when given, then Supabase Storage.
// It returns nil when neither is configured.
func fileStore(appCfg *Config, opts resolveOptions, maxBytes int64) (engine.FileStore, error) {
	if opts.DownloadDir != "" {
		ds, err := storage.NewDiskStore(opts.DownloadDir, maxBytes)
		if err != nil {
			return nil, fmt.Errorf("download dir: %w", err)
		}
		return ds, nil
	}
	if appCfg.SupabaseURL != "" && appCfg.SupabaseServiceKey != "" {
		return storage.New(appCfg.SupabaseURL, appCfg.SupabaseServiceKey, appCfg.StorageBucket, maxBytes), nil
	}
	return nil, nil
}

func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return stdin, func() {}, nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	// Source closes the file at end of input; this covers early returns.
	return fh, func() { _ = fh.Close() }, nil
}

func openOutput(path string, stdout io.Writer) (io.Writer, error) {
	if path == "" || path == "-" {
		return stdout, nil
	}
	fh, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	return fh, nil
}

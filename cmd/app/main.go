package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Harvey-AU/doc-resolver/internal/observability"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const serviceName = "doc-resolver"

// Config holds the application configuration loaded from environment variables
type Config struct {
	Env                  string // Environment (development/production)
	SentryDSN            string // Sentry DSN for error tracking
	LogLevel             string // Log level (debug, info, warn, error)
	Workers              int    // Concurrent records in flight
	ObservabilityEnabled bool   // Toggle OpenTelemetry + Prometheus exporters
	MetricsAddr          string // Address for Prometheus metrics endpoint (":9464" style)
	OTLPEndpoint         string // OTLP HTTP endpoint for trace export
	OTLPHeaders          string // Comma separated headers for OTLP exporter
	OTLPInsecure         bool   // Disable TLS verification for OTLP exporter
	SupabaseURL          string // Remote file store, used when no download dir is given
	SupabaseServiceKey   string
	StorageBucket        string
}

func loadConfig() *Config {
	return &Config{
		Env:                  getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		LogLevel:             getEnvWithDefault("LOG_LEVEL", "info"),
		Workers:              getEnvInt("WORKERS", 20),
		ObservabilityEnabled: getEnvWithDefault("OBSERVABILITY_ENABLED", "true") == "true",
		MetricsAddr:          getEnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:          os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:         getEnvWithDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
		SupabaseURL:          os.Getenv("SUPABASE_URL"),
		SupabaseServiceKey:   os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		StorageBucket:        getEnvWithDefault("STORAGE_BUCKET", "resolved-files"),
	}
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := loadConfig()
	if err := newRootCmd(config).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(config *Config) *cobra.Command {
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Resolve landing pages to full-text documents and datasets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newResolveCmd(config))
	return root
}

func newResolveCmd(config *Config) *cobra.Command {
	opts := resolveOptions{Input: "-", Output: "-"}

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a JSONL batch of URLs",
		Long: `Reads one URL per line (or {"id": ..., "url": ...} objects), resolves each to
the document or dataset it leads to and writes one JSON record per input.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("log-level") {
				config.LogLevel = opts.LogLevel
			}
			if !cmd.Flags().Changed("workers") {
				opts.Workers = 0
			}
			opts.DownloadSet = cmd.Flags().Changed("download")

			setupLogging(config)
			return execute(cmd.Context(), config, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.Input, "input", "i", opts.Input, "JSONL input file, - for stdin")
	f.StringVarP(&opts.Output, "output", "o", opts.Output, "JSONL output file, - for stdout")
	f.StringVar(&opts.ConfigPath, "config", "", "Optional YAML file overlaying defaults")
	f.IntVarP(&opts.Workers, "workers", "w", config.Workers, "Concurrent records in flight")
	f.StringVar(&opts.DownloadDir, "download-dir", "", "Keep resolved files under this directory")
	f.BoolVar(&opts.Download, "download", false, "Download resolved targets")
	f.StringVar(&opts.Mode, "mode", "", "Retrieval mode: documents, datasets or both")
	f.StringVar(&opts.LogLevel, "log-level", config.LogLevel, "Log level (debug, info, warn, error)")
	f.BoolVar(&opts.NoDB, "no-db", false, "Skip DATABASE_URL persistence for this run")
	f.BoolVar(&opts.NoNotify, "no-notify", false, "Skip the Slack run summary")
	return cmd
}

// execute owns the process-level concerns around a run: Sentry, telemetry,
// the metrics server and signal handling.
func execute(parent context.Context, config *Config, opts resolveOptions) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialise Sentry for error tracking and performance monitoring
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1 // 10% sampling in production
				}
				return 1.0 // 100% sampling in development
			}(),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			// Ensure Sentry flushes before application exits
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Debug().Msg("Sentry DSN not configured, error tracking disabled")
	}

	var prov *observability.Providers
	if config.ObservabilityEnabled {
		var err error
		prov, err = observability.Init(ctx, observability.Config{
			Enabled:        true,
			ServiceName:    serviceName,
			Environment:    config.Env,
			OTLPEndpoint:   strings.TrimSpace(config.OTLPEndpoint),
			OTLPHeaders:    parseOTLPHeaders(config.OTLPHeaders),
			OTLPInsecure:   config.OTLPInsecure,
			MetricsAddress: config.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
			prov = nil
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := prov.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	runDone := make(chan struct{})

	if prov != nil && prov.MetricsHandler != nil && config.MetricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:              config.MetricsAddr,
			Handler:           metricsMux(prov.MetricsHandler),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sentry.CaptureException(err)
				log.Error().Err(err).Msg("Metrics server failed")
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-runDone:
			case <-gctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(runDone)
		summary, err := run(gctx, config, opts, os.Stdin, stdoutWriter{os.Stdout}, prov)
		if err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Str("run_id", summary.RunID).Msg("Resolver run failed")
			return err
		}
		return nil
	})

	return g.Wait()
}

// stdoutWriter hides Close so the sink never closes the process's stdout.
type stdoutWriter struct {
	w *os.File
}

func (s stdoutWriter) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func metricsMux(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics)
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result int
	if _, err := fmt.Sscanf(value, "%d", &result); err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}

	return result
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}

		headers[key] = value
	}

	return headers
}

// setupLogging configures the logging system. Logs go to stderr because
// stdout may carry the JSONL output.
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).
			With().
			Timestamp().
			Str("service", serviceName).
			Logger()
	}
}

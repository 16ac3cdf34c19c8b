// Package engine resolves one input record at a time: normalise, rewrite,
// connect, classify, crawl when needed, then claim and optionally store the target.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Harvey-AU/doc-resolver/internal/cache"
	"github.com/Harvey-AU/doc-resolver/internal/connection"
	"github.com/Harvey-AU/doc-resolver/internal/crawler"
	"github.com/Harvey-AU/doc-resolver/internal/domainhealth"
	"github.com/Harvey-AU/doc-resolver/internal/mimetype"
	"github.com/Harvey-AU/doc-resolver/internal/observability"
	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
	"github.com/Harvey-AU/doc-resolver/internal/sniff"
	"github.com/Harvey-AU/doc-resolver/internal/storage"
	"github.com/Harvey-AU/doc-resolver/internal/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Connector opens connections. *connection.Resolver satisfies it.
type Connector interface {
	Resolve(ctx context.Context, req connection.Request) (*connection.Connection, error)
}

// PageCrawler searches a fetched landing page. *crawler.Crawler satisfies it.
type PageCrawler interface {
	Crawl(ctx context.Context, page crawler.Page) (*crawler.Found, error)
	SlowScan() *crawler.SlowScanStats
}

// Rewriter maps a URL to a known shortcut, or returns it unchanged.
type Rewriter interface {
	Rewrite(u string) string
}

// FileStore keeps downloaded targets.
type FileStore interface {
	Store(ctx context.Context, body io.Reader, name string, expectedSize int64) (storage.Stored, error)
}

// PlatformDetector fingerprints landing pages.
type PlatformDetector interface {
	Platform(domain string, headers http.Header, body []byte) []string
}

// Engine is the RetrievalEngine. One Engine serves a whole run; Process is
// safe for concurrent use.
type Engine struct {
	cfg     Config
	runID   string
	conn    Connector
	pages   PageCrawler
	health  *domainhealth.Tracker
	targets *cache.TargetIndex

	inputs *cache.URLSet        // Canonical inputs already taken
	landed *cache.InMemoryCache // Canonical input -> claimed target URL

	rewriter Rewriter
	store    FileStore
	detector PlatformDetector

	stats   Stats
	started time.Time
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRewriter sets the per-publisher rewrite step.
func WithRewriter(r Rewriter) Option {
	return func(e *Engine) { e.rewriter = r }
}

// WithFileStore sets where downloaded targets go. It has no effect unless
// Config.Download is set.
func WithFileStore(s FileStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithPlatformDetector enables landing page fingerprinting.
func WithPlatformDetector(d PlatformDetector) Option {
	return func(e *Engine) { e.detector = d }
}

// WithRunID sets the run identifier used in telemetry.
func WithRunID(id string) Option {
	return func(e *Engine) { e.runID = id }
}

// New creates an Engine. targets must be the same index the Connector checks
// for re-crosses.
func New(cfg Config, conn Connector, pages PageCrawler, health *domainhealth.Tracker, targets *cache.TargetIndex, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		runID:   uuid.NewString(),
		conn:    conn,
		pages:   pages,
		health:  health,
		targets: targets,
		inputs:  cache.NewURLSet(0),
		landed:  cache.NewInMemoryCache(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.started = e.now()
	return e
}

// RunID returns the run identifier.
func (e *Engine) RunID() string {
	return e.runID
}

// Targets returns the resolved target index.
func (e *Engine) Targets() *cache.TargetIndex {
	return e.targets
}

// Process resolves one input and returns its single output record. It runs
// under Config.RecordTimeout, detached from ctx cancellation so a shutdown
// lets in-flight connections finish.
func (e *Engine) Process(ctx context.Context, in retrieval.Input) retrieval.Record {
	start := e.now()

	ctx = context.WithoutCancel(ctx)
	if e.cfg.RecordTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RecordTimeout)
		defer cancel()
	}

	ctx, span := observability.StartRecordSpan(ctx, observability.RecordSpanInfo{
		RunID:    e.runID,
		RecordID: in.ID,
		URL:      in.URL,
	})
	defer span.End()

	rec := e.process(ctx, in)
	rec.ResolvedAt = e.now().UTC()
	e.stats.observe(rec)

	duration := e.now().Sub(start)
	observability.RecordOutcome(ctx, observability.RecordMetrics{
		RunID:    e.runID,
		Outcome:  string(rec.Outcome),
		Duration: duration,
	})

	event := log.Debug()
	if rec.Outcome == retrieval.OutcomeUnreachable {
		event = log.Warn()
	}
	event.
		Str("id", rec.ID).
		Str("url", rec.SourceURL).
		Str("outcome", string(rec.Outcome)).
		Str("resolved_url", rec.ResolvedURL).
		Str("error", rec.Error).
		Dur("duration", duration).
		Msg("Record processed")

	return rec
}

func (e *Engine) process(ctx context.Context, in retrieval.Input) retrieval.Record {
	rec := retrieval.Record{ID: in.ID, SourceURL: in.URL}

	canonical, err := util.CanonicaliseURL(in.URL)
	if err != nil {
		return e.fail(rec, retrieval.Unreachable("invalid URL: %v", err))
	}
	canonical = util.StripTemporalParams(canonical)
	rec.WasValid = true

	if !e.inputs.Add(canonical) {
		return e.duplicate(rec, canonical)
	}

	target := canonical
	if e.rewriter != nil {
		target = e.rewriter.Rewrite(canonical)
	}
	if entry, ok := e.targets.Lookup(target); ok {
		rec.WasDirectLink = true
		return e.recross(rec, target, entry)
	}

	rec.WasChecked = true
	conn, err := e.conn.Resolve(ctx, connection.Request{URL: target, Purpose: retrieval.PurposePage})
	if err != nil {
		return e.fail(rec, err)
	}
	defer conn.Close()

	if conn.ContentType == "" {
		e.health.RecordFailure(conn.Domain, domainhealth.FailureNoType)
	}

	var sniffed *sniff.Result
	kind := mimetype.Classify(mimetype.Input{
		URL:                conn.URL,
		ContentType:        conn.ContentType,
		ContentDisposition: conn.ContentDisposition,
		Sniff: func() (sniff.Kind, error) {
			res, err := sniff.Sniff(conn.Body())
			if err != nil {
				return sniff.Undefined, err
			}
			sniffed = &res
			return res.Kind, nil
		},
	})

	switch {
	case e.wanted(kind):
		found := crawler.Found{
			URL:           conn.URL,
			Kind:          kind,
			MimeType:      mimetype.StripParams(conn.ContentType),
			ContentLength: conn.ContentLength,
		}
		if found.MimeType == "" && sniffed != nil && sniffed.Kind == sniff.PDF {
			found.MimeType = "application/pdf"
		}
		rec.WasDirectLink = true
		e.health.RecordSuccess(conn.Domain)
		var body io.Reader
		if sniffed == nil {
			body = conn.Body()
		}
		return e.finalize(ctx, rec, canonical, found, body)

	case kind == retrieval.KindPage:
		return e.crawlPage(ctx, rec, canonical, conn, sniffed)

	default:
		if e.health.RecordFailure(conn.Domain, domainhealth.FailureNoDocOrPage) {
			return e.fail(rec, &retrieval.BlockedError{Domain: conn.Domain})
		}
		return e.fail(rec, retrieval.Unreachable("neither document nor page (%s)", kindDetail(kind, conn.ContentType)))
	}
}

func (e *Engine) crawlPage(ctx context.Context, rec retrieval.Record, canonical string, conn *connection.Connection, sniffed *sniff.Result) retrieval.Record {
	r := conn.Body()
	if sniffed != nil {
		r = sniffed.Body()
	}
	if r == nil {
		return e.fail(rec, retrieval.Unreachable("page body unavailable"))
	}

	body, err := io.ReadAll(io.LimitReader(r, e.cfg.MaxPageBytes))
	conn.Close()
	if err != nil {
		return e.fail(rec, retrieval.Unreachable("read page: %v", err))
	}
	rec.PageURL = conn.URL

	if e.detector != nil {
		rec.Platform = e.detector.Platform(conn.Domain, conn.Header, body)
	}

	found, err := e.pages.Crawl(ctx, crawler.Page{URL: conn.URL, Domain: conn.Domain, Body: body})
	if err != nil {
		return e.fail(rec, err)
	}

	log.Debug().
		Str("page", conn.URL).
		Str("target", found.URL).
		Str("strategy", string(found.Strategy)).
		Msg("Found target on page")

	return e.finalize(ctx, rec, canonical, *found, nil)
}

// finalize claims the target and, when downloads are on, stores it. body may
// hold an unread response for the target; nil means reconnect.
func (e *Engine) finalize(ctx context.Context, rec retrieval.Record, canonical string, found crawler.Found, body io.Reader) retrieval.Record {
	rec.WasAccessible = true
	entry := retrieval.TargetEntry{ID: rec.ID, SourceURL: rec.SourceURL, MimeType: found.MimeType}
	holder, won := e.targets.Claim(found.URL, entry)
	if !won {
		return e.recross(rec, found.URL, holder)
	}
	e.landed.Set(canonical, found.URL)

	rec.Outcome = retrieval.OutcomeTarget
	rec.ResolvedURL = found.URL
	rec.MimeType = found.MimeType

	if !e.cfg.Download || e.store == nil {
		return rec
	}
	return e.download(ctx, rec, found, body)
}

func (e *Engine) download(ctx context.Context, rec retrieval.Record, found crawler.Found, body io.Reader) retrieval.Record {
	expected := found.ContentLength
	if body == nil {
		conn, err := e.conn.Resolve(ctx, connection.Request{
			URL:       found.URL,
			Purpose:   retrieval.PurposeInnerLink,
			WantsBody: true,
			SkipIndex: true,
			Referer:   rec.PageURL,
		})
		if err != nil {
			rec.Error = fmt.Sprintf("%v: %s", storage.ErrNotRetrieved, retrieval.Reason(err))
			rec.CouldRetry = couldRetry(err)
			return rec
		}
		defer conn.Close()
		body = conn.Body()
		expected = conn.ContentLength
	}
	if expected < 0 {
		expected = 0
	}

	stored, err := e.store.Store(ctx, body, storage.FileName(found.URL, found.MimeType), expected)
	if err != nil {
		rec.Error = err.Error()
		rec.CouldRetry = !errors.Is(err, storage.ErrNotRetrieved) || ctx.Err() != nil
		log.Warn().
			Err(err).
			Str("url", found.URL).
			Msg("Target resolved but not stored")
		return rec
	}

	rec.FilePath = stored.Path
	rec.Hash = stored.Hash
	rec.Size = stored.Size
	return rec
}

func (e *Engine) duplicate(rec retrieval.Record, canonical string) retrieval.Record {
	if v, ok := e.landed.Get(canonical); ok {
		target := v.(string)
		if entry, ok := e.targets.Lookup(target); ok {
			return e.recross(rec, target, entry)
		}
	}
	rec.Outcome = retrieval.OutcomeDuplicate
	return rec
}

func (e *Engine) recross(rec retrieval.Record, target string, holder retrieval.TargetEntry) retrieval.Record {
	log.Info().
		Str("id", rec.ID).
		Str("url", rec.SourceURL).
		Str("target", target).
		Str("original_id", holder.ID).
		Str("original_url", holder.SourceURL).
		Msg("Re-crossed a resolved target")

	rec.Outcome = retrieval.OutcomeRecross
	rec.ResolvedURL = target
	rec.OriginalID = holder.ID
	if rec.MimeType == "" {
		rec.MimeType = holder.MimeType
	}
	return rec
}

func (e *Engine) fail(rec retrieval.Record, err error) retrieval.Record {
	if ar, ok := retrieval.IsAlreadyResolved(err); ok {
		return e.recross(rec, ar.URL, ar.Entry)
	}
	rec.Outcome = retrieval.OutcomeUnreachable
	rec.Error = retrieval.Reason(err)
	rec.CouldRetry = couldRetry(err)
	return rec
}

func (e *Engine) wanted(kind retrieval.Kind) bool {
	switch kind {
	case retrieval.KindDocument:
		return e.cfg.WantDocuments
	case retrieval.KindDataset:
		return e.cfg.WantDatasets
	default:
		return false
	}
}

// Summary returns the aggregate counts so far.
func (e *Engine) Summary() Summary {
	s := Summary{
		RunID:        e.runID,
		Checked:      e.stats.checked.Load(),
		Found:        e.stats.found.Load(),
		Direct:       e.stats.direct.Load(),
		Problematic:  e.stats.problematic.Load(),
		Duplicate:    e.stats.duplicate.Load(),
		Recross:      e.stats.recross.Load(),
		Downloaded:   e.stats.downloaded.Load(),
		NotRetrieved: e.stats.notRetrieved.Load(),
		Duration:     e.now().Sub(e.started),
	}
	s.Records = s.Found + s.Problematic + s.Duplicate + s.Recross
	if e.health != nil {
		s.BlockedDomains = len(e.health.Blocked())
	}
	if e.pages != nil {
		if slow := e.pages.SlowScan(); slow != nil {
			s.SlowScanRuns, s.SlowScanHits = slow.Counts()
			s.SlowScanOn = slow.Enabled()
		}
	}
	return s
}

func couldRetry(err error) bool {
	if errors.Is(err, retrieval.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *retrieval.UnreachableError
	if errors.As(err, &ue) {
		return strings.HasPrefix(ue.Reason, "HTTP 5") ||
			strings.HasPrefix(ue.Reason, "cancelled") ||
			strings.HasPrefix(ue.Reason, "connection failed")
	}
	return false
}

func kindDetail(kind retrieval.Kind, contentType string) string {
	if kind.IsTarget() {
		return kind.String() + " not wanted"
	}
	if contentType == "" {
		return "no content type"
	}
	return mimetype.StripParams(contentType)
}

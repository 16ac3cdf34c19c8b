package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Harvey-AU/doc-resolver/internal/cache"
	"github.com/Harvey-AU/doc-resolver/internal/connection"
	"github.com/Harvey-AU/doc-resolver/internal/crawler"
	"github.com/Harvey-AU/doc-resolver/internal/domainhealth"
	"github.com/Harvey-AU/doc-resolver/internal/mocks"
	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
	"github.com/Harvey-AU/doc-resolver/internal/storage"
	"github.com/Harvey-AU/doc-resolver/internal/structure"
	"github.com/Harvey-AU/doc-resolver/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type hits struct {
	mu sync.Mutex
	m  map[string]int
}

func (h *hits) add(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.m == nil {
		h.m = make(map[string]int)
	}
	h.m[key]++
}

func (h *hits) get(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.m[key]
}

type memorySink struct {
	mu      sync.Mutex
	records []retrieval.Record
}

func (s *memorySink) Emit(_ context.Context, rec retrieval.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

type sliceSource struct {
	batches [][]retrieval.Input
}

func (s *sliceSource) NextBatch(context.Context) ([]retrieval.Input, error) {
	if len(s.batches) == 0 {
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

type fixture struct {
	server  *httptest.Server
	hits    *hits
	health  *domainhealth.Tracker
	targets *cache.TargetIndex
	conn    *connection.Resolver
	engine  *Engine
}

// newFixture serves routes keyed by path; every request is counted as "METHOD /path".
func newFixture(t *testing.T, cfg Config, routes map[string]http.HandlerFunc, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{hits: &hits{}}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.add(r.Method + " " + r.URL.Path)
		if h, ok := routes[r.URL.Path]; ok {
			h(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(f.server.Close)

	f.health = domainhealth.New(domainhealth.Config{
		Max5XX:          10,
		MaxTimeouts:     10,
		MaxNoType:       10,
		MaxNoDocOrPage:  10,
		MaxPath403:      10,
		MaxBlockedPaths: 50,
	})
	f.targets = cache.NewTargetIndex()

	connCfg := connection.DefaultConfig()
	connCfg.HeadTimeout = 2 * time.Second
	connCfg.GetTimeout = 2 * time.Second
	f.conn = connection.New(connCfg, f.health, connection.WithTargetIndex(f.targets))

	crawlCfg := crawler.DefaultConfig()
	crawlCfg.WantDocuments = cfg.WantDocuments
	crawlCfg.WantDatasets = cfg.WantDatasets
	pages := crawler.New(crawlCfg, f.conn, f.health, structure.New(structure.DefaultDepth), cache.NewURLSet(0))

	f.engine = New(cfg, f.conn, pages, f.health, f.targets, opts...)
	return f
}

func (f *fixture) url(path string) string {
	return f.server.URL + path
}

func serve(contentType, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		} else {
			w.Header()["Content-Type"] = nil
		}
		_, _ = w.Write([]byte(body))
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RecordTimeout = 10 * time.Second
	return cfg
}

const pdfBody = "%PDF-1.4\nbinary"

func metaPage(target string) string {
	return `<html><head><meta name="citation_pdf_url" content="` + target + `"></head>
	<body>
		<a href="/download/other">Download PDF</a>
		<a href="/fulltext/7">Full text</a>
		<a href="/related/8">Related</a>
	</body></html>`
}

func TestEndToEndMetaTag(t *testing.T) {
	var f *fixture
	routes := map[string]http.HandlerFunc{
		"/item/7": func(w http.ResponseWriter, r *http.Request) {
			serve("text/html", metaPage(f.url("/item/7.pdf")))(w, r)
		},
		"/item/7.pdf": serve("application/pdf", pdfBody),
	}
	f = newFixture(t, testConfig(), routes)

	sink := &memorySink{}
	src := &sliceSource{batches: [][]retrieval.Input{{{ID: "1", URL: f.url("/item/7")}}}}

	summary, err := f.engine.Run(context.Background(), src, sink, 2)
	require.NoError(t, err)
	require.Len(t, sink.records, 1, "exactly one output record")

	rec := sink.records[0]
	assert.Equal(t, "1", rec.ID)
	assert.Equal(t, retrieval.OutcomeTarget, rec.Outcome)
	assert.Equal(t, f.url("/item/7.pdf"), rec.ResolvedURL)
	assert.Equal(t, f.url("/item/7"), rec.PageURL)
	assert.False(t, rec.WasDirectLink)
	assert.True(t, rec.WasAccessible)
	assert.True(t, rec.WasChecked)
	assert.True(t, rec.WasValid)
	assert.Equal(t, "application/pdf", rec.MimeType)
	assert.False(t, rec.ResolvedAt.IsZero())

	for _, path := range []string{"/download/other", "/fulltext/7", "/related/8"} {
		assert.Zero(t, f.hits.get("HEAD "+path)+f.hits.get("GET "+path), "no link scan for %s", path)
	}

	assert.Equal(t, int64(1), summary.Found)
	assert.Equal(t, int64(1), summary.Records)
	assert.Equal(t, 1, f.targets.Len())
}

func TestProcessSameURLTwiceIsRecross(t *testing.T) {
	var f *fixture
	routes := map[string]http.HandlerFunc{
		"/item/7": func(w http.ResponseWriter, r *http.Request) {
			serve("text/html", metaPage(f.url("/item/7.pdf")))(w, r)
		},
		"/item/7.pdf": serve("application/pdf", pdfBody),
	}
	cfg := testConfig()
	cfg.Download = true
	store, err := storage.NewDiskStore(t.TempDir(), 0)
	require.NoError(t, err)
	f = newFixture(t, cfg, routes, WithFileStore(store))

	first := f.engine.Process(context.Background(), retrieval.Input{ID: "1", URL: f.url("/item/7")})
	require.Equal(t, retrieval.OutcomeTarget, first.Outcome, first.Error)
	require.NotEmpty(t, first.FilePath)
	assert.Equal(t, 1, f.hits.get("GET /item/7.pdf"), "downloaded once")

	second := f.engine.Process(context.Background(), retrieval.Input{ID: "2", URL: f.url("/item/7")})
	assert.Equal(t, retrieval.OutcomeRecross, second.Outcome)
	assert.Equal(t, f.url("/item/7.pdf"), second.ResolvedURL)
	assert.Equal(t, "1", second.OriginalID)
	assert.Empty(t, second.FilePath)

	assert.Equal(t, 1, f.hits.get("GET /item/7"), "landing page fetched once")
	assert.Equal(t, 1, f.hits.get("GET /item/7.pdf"), "never a second download")
}

func TestProcessDirectLinkDownload(t *testing.T) {
	routes := map[string]http.HandlerFunc{
		"/files/paper.pdf": serve("application/pdf", pdfBody),
	}
	cfg := testConfig()
	cfg.Download = true
	dir := t.TempDir()
	store, err := storage.NewDiskStore(dir, 0)
	require.NoError(t, err)
	f := newFixture(t, cfg, routes, WithFileStore(store))

	rec := f.engine.Process(context.Background(), retrieval.Input{ID: "9", URL: f.url("/files/paper.pdf")})
	require.Equal(t, retrieval.OutcomeTarget, rec.Outcome, rec.Error)
	assert.True(t, rec.WasDirectLink)
	assert.True(t, rec.WasAccessible)
	assert.Empty(t, rec.PageURL)
	assert.Equal(t, 1, f.hits.get("GET /files/paper.pdf"), "the open response is stored")
	assert.Equal(t, 1, f.health.GoodCount(util.DomainOf(f.server.URL)), "a direct link counts as a good resolution")

	sum := sha256.Sum256([]byte(pdfBody))
	assert.Equal(t, hex.EncodeToString(sum[:]), rec.Hash)
	assert.Equal(t, int64(len(pdfBody)), rec.Size)
	data, err := os.ReadFile(rec.FilePath)
	require.NoError(t, err)
	assert.Equal(t, pdfBody, string(data))
}

func TestProcessSniffedDirectLinkReconnects(t *testing.T) {
	routes := map[string]http.HandlerFunc{
		"/get": serve("", "\n"+pdfBody),
	}
	cfg := testConfig()
	cfg.Download = true
	store, err := storage.NewDiskStore(t.TempDir(), 0)
	require.NoError(t, err)
	f := newFixture(t, cfg, routes, WithFileStore(store))

	rec := f.engine.Process(context.Background(), retrieval.Input{URL: f.url("/get")})
	require.Equal(t, retrieval.OutcomeTarget, rec.Outcome, rec.Error)
	assert.Equal(t, "application/pdf", rec.MimeType)
	assert.Equal(t, 2, f.hits.get("GET /get"), "a sniffed PDF is fetched again from byte 0")
	assert.Equal(t, int64(len(pdfBody)+1), rec.Size)
	assert.Equal(t, 1, f.health.FailureCount(util.DomainOf(f.server.URL), domainhealth.FailureNoType))
}

func TestProcessDownloadDisabled(t *testing.T) {
	routes := map[string]http.HandlerFunc{
		"/files/paper.pdf": serve("application/pdf", pdfBody),
	}
	store, err := storage.NewDiskStore(t.TempDir(), 0)
	require.NoError(t, err)
	f := newFixture(t, testConfig(), routes, WithFileStore(store))

	rec := f.engine.Process(context.Background(), retrieval.Input{URL: f.url("/files/paper.pdf")})
	assert.Equal(t, retrieval.OutcomeTarget, rec.Outcome)
	assert.Empty(t, rec.FilePath)
	assert.Empty(t, rec.Error)
}

func TestProcessOversizeTargetKeepsURL(t *testing.T) {
	routes := map[string]http.HandlerFunc{
		"/files/big.pdf": serve("application/pdf", pdfBody+strings.Repeat("x", 100)),
	}
	cfg := testConfig()
	cfg.Download = true
	store, err := storage.NewDiskStore(t.TempDir(), 16)
	require.NoError(t, err)
	f := newFixture(t, cfg, routes, WithFileStore(store))

	rec := f.engine.Process(context.Background(), retrieval.Input{URL: f.url("/files/big.pdf")})
	assert.Equal(t, retrieval.OutcomeTarget, rec.Outcome)
	assert.Equal(t, f.url("/files/big.pdf"), rec.ResolvedURL)
	assert.Contains(t, rec.Error, "not retrieved")
	assert.False(t, rec.CouldRetry)
	assert.Equal(t, int64(1), f.engine.Summary().NotRetrieved)
}

func TestProcessUnreachable(t *testing.T) {
	routes := map[string]http.HandlerFunc{
		"/busy": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		},
		"/image": serve("image/png", "\x89PNG"),
	}
	f := newFixture(t, testConfig(), routes)

	tests := []struct {
		name       string
		path       string
		reason     string
		couldRetry bool
	}{
		{"not found", "/missing", "HTTP 404", false},
		{"unavailable", "/busy", "HTTP 503", true},
		{"neither", "/image", "neither document nor page (image/png)", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.engine.Process(context.Background(), retrieval.Input{URL: f.url(tt.path)})
			assert.Equal(t, retrieval.OutcomeUnreachable, rec.Outcome)
			assert.Equal(t, tt.reason, rec.Error)
			assert.Equal(t, tt.couldRetry, rec.CouldRetry)
			assert.True(t, rec.WasChecked)
			assert.False(t, rec.WasAccessible)
		})
	}
}

func TestProcessDeadEndPageIsNotAccessible(t *testing.T) {
	routes := map[string]http.HandlerFunc{
		"/landing": serve("text/html; charset=utf-8", "<html><body><p>Abstract only.</p></body></html>"),
	}
	f := newFixture(t, testConfig(), routes)

	rec := f.engine.Process(context.Background(), retrieval.Input{ID: "d", URL: f.url("/landing")})
	assert.Equal(t, retrieval.OutcomeUnreachable, rec.Outcome)
	assert.Equal(t, "no links found", rec.Error)
	assert.True(t, rec.WasChecked)
	assert.False(t, rec.WasAccessible, "a landing page without a target is not accessible")
	assert.Equal(t, f.url("/landing"), rec.PageURL)
	assert.Zero(t, f.health.GoodCount(util.DomainOf(f.server.URL)))
}

func TestProcessInvalidURL(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	rec := f.engine.Process(context.Background(), retrieval.Input{ID: "x", URL: "ftp://files.example/a.pdf"})
	assert.Equal(t, retrieval.OutcomeUnreachable, rec.Outcome)
	assert.False(t, rec.WasValid)
	assert.False(t, rec.WasChecked)
	assert.Contains(t, rec.Error, "invalid URL")
}

func TestProcessDuplicateInput(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	first := f.engine.Process(context.Background(), retrieval.Input{URL: f.url("/missing")})
	assert.Equal(t, retrieval.OutcomeUnreachable, first.Outcome)

	second := f.engine.Process(context.Background(), retrieval.Input{URL: f.url("/missing") + "?jsessionid=abc"})
	assert.Equal(t, retrieval.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, 1, f.hits.get("GET /missing"))
}

func TestProcessRecrossFromDifferentPage(t *testing.T) {
	var f *fixture
	page := func(w http.ResponseWriter, r *http.Request) {
		serve("text/html", metaPage(f.url("/shared.pdf")))(w, r)
	}
	routes := map[string]http.HandlerFunc{
		"/a":          page,
		"/b":          page,
		"/shared.pdf": serve("application/pdf", pdfBody),
	}
	f = newFixture(t, testConfig(), routes)

	first := f.engine.Process(context.Background(), retrieval.Input{ID: "a", URL: f.url("/a")})
	require.Equal(t, retrieval.OutcomeTarget, first.Outcome)

	second := f.engine.Process(context.Background(), retrieval.Input{ID: "b", URL: f.url("/b")})
	assert.Equal(t, retrieval.OutcomeRecross, second.Outcome)
	assert.Equal(t, "a", second.OriginalID)
	assert.Equal(t, 1, f.hits.get("HEAD /shared.pdf"), "a known target is never fetched again")
}

type mapRewriter map[string]string

func (m mapRewriter) Rewrite(u string) string {
	if out, ok := m[u]; ok {
		return out
	}
	return u
}

type fixedPlatform []string

func (p fixedPlatform) Platform(string, http.Header, []byte) []string {
	return p
}

func TestProcessRewriteAndPlatform(t *testing.T) {
	var f *fixture
	routes := map[string]http.HandlerFunc{
		"/landing": func(w http.ResponseWriter, r *http.Request) {
			serve("text/html", `<html><body><a href="/files/x">PDF</a></body></html>`)(w, r)
		},
		"/files/x": serve("application/pdf", pdfBody),
	}
	rw := mapRewriter{}
	f = newFixture(t, testConfig(), routes, WithRewriter(rw), WithPlatformDetector(fixedPlatform{"DSpace"}))
	rw[f.url("/old")] = f.url("/landing")

	rec := f.engine.Process(context.Background(), retrieval.Input{URL: f.url("/old")})
	require.Equal(t, retrieval.OutcomeTarget, rec.Outcome, rec.Error)
	assert.Equal(t, f.url("/files/x"), rec.ResolvedURL)
	assert.Equal(t, []string{"DSpace"}, rec.Platform)
	assert.Zero(t, f.hits.get("GET /old"))
}

func TestProcessUnwantedKind(t *testing.T) {
	routes := map[string]http.HandlerFunc{
		"/files/paper.pdf": serve("application/pdf", pdfBody),
	}
	cfg := testConfig()
	cfg.WantDocuments = false
	f := newFixture(t, cfg, routes)

	rec := f.engine.Process(context.Background(), retrieval.Input{URL: f.url("/files/paper.pdf")})
	assert.Equal(t, retrieval.OutcomeUnreachable, rec.Outcome)
	assert.Equal(t, "neither document nor page (document not wanted)", rec.Error)
}

func TestProcessDetachedFromCancellation(t *testing.T) {
	routes := map[string]http.HandlerFunc{
		"/files/paper.pdf": serve("application/pdf", pdfBody),
	}
	f := newFixture(t, testConfig(), routes)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := f.engine.Process(ctx, retrieval.Input{URL: f.url("/files/paper.pdf")})
	assert.Equal(t, retrieval.OutcomeTarget, rec.Outcome)
}

type panickyCrawler struct{}

func (panickyCrawler) Crawl(context.Context, crawler.Page) (*crawler.Found, error) {
	panic("unexpected markup")
}

func (panickyCrawler) SlowScan() *crawler.SlowScanStats {
	return &crawler.SlowScanStats{}
}

func TestRunRecoversPanicsWithOneRecord(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>page</body></html>"))
	}))
	defer server.Close()

	health := domainhealth.New(domainhealth.Config{Max5XX: 10, MaxTimeouts: 10, MaxNoType: 10, MaxNoDocOrPage: 10, MaxPath403: 10, MaxBlockedPaths: 50})
	targets := cache.NewTargetIndex()
	resolver := connection.New(connection.DefaultConfig(), health, connection.WithTargetIndex(targets))
	e := New(testConfig(), resolver, panickyCrawler{}, health, targets)

	sink := &memorySink{}
	src := &sliceSource{batches: [][]retrieval.Input{{{ID: "p", URL: server.URL + "/page"}}}}
	summary, err := e.Run(context.Background(), src, sink, 1)
	require.NoError(t, err)

	require.Len(t, sink.records, 1)
	assert.Equal(t, retrieval.OutcomeUnreachable, sink.records[0].Outcome)
	assert.Contains(t, sink.records[0].Error, "unexpected markup")
	assert.Equal(t, int64(1), summary.Problematic)
}

func TestRunWithoutInput(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	_, err := f.engine.Run(context.Background(), &sliceSource{}, &memorySink{}, 2)
	assert.ErrorIs(t, err, ErrNoInput)
}

func TestRunEmitsOneRecordPerInput(t *testing.T) {
	routes := map[string]http.HandlerFunc{
		"/a.pdf": serve("application/pdf", pdfBody),
		"/b.pdf": serve("application/pdf", pdfBody),
	}
	f := newFixture(t, testConfig(), routes)

	src := &sliceSource{batches: [][]retrieval.Input{
		{{ID: "1", URL: f.url("/a.pdf")}, {ID: "2", URL: f.url("/missing")}},
		{{ID: "3", URL: f.url("/a.pdf")}, {ID: "4", URL: f.url("/b.pdf")}, {ID: "5", URL: "not a url at all://"}},
	}}
	sink := &memorySink{}

	summary, err := f.engine.Run(context.Background(), src, sink, 3)
	require.NoError(t, err)
	assert.Len(t, sink.records, 5)

	ids := make(map[string]bool)
	for _, rec := range sink.records {
		ids[rec.ID] = true
	}
	assert.Len(t, ids, 5)

	assert.Equal(t, int64(5), summary.Records)
	assert.Equal(t, int64(2), summary.Found)
	assert.Equal(t, int64(2), summary.Direct)
	assert.Equal(t, int64(2), summary.Problematic)
	assert.Equal(t, int64(1), summary.Duplicate+summary.Recross)
	assert.InDelta(t, 2.0/3.0, summary.HitRate(), 0.01)
}

func TestDefaultConfigEnv(t *testing.T) {
	t.Setenv("RESOLVER_MODE", "datasets")
	t.Setenv("RESOLVER_DOWNLOAD", "true")
	t.Setenv("RESOLVER_RECORD_TIMEOUT_SECONDS", "30")

	cfg := DefaultConfig()
	assert.False(t, cfg.WantDocuments)
	assert.True(t, cfg.WantDatasets)
	assert.True(t, cfg.Download)
	assert.Equal(t, 30*time.Second, cfg.RecordTimeout)
	assert.Equal(t, int64(5<<20), cfg.MaxPageBytes)

	crawl := crawler.DefaultConfig()
	assert.Equal(t, cfg.WantDocuments, crawl.WantDocuments, "crawler follows the same mode")
	assert.Equal(t, cfg.WantDatasets, crawl.WantDatasets)
}

func TestProcessStoreFailureIsRetryable(t *testing.T) {
	routes := map[string]http.HandlerFunc{
		"/files/paper.pdf": serve("application/pdf", pdfBody),
	}
	cfg := testConfig()
	cfg.Download = true
	store := &mocks.MockFileStore{}
	store.On("Store", mock.Anything, "paper.pdf", int64(len(pdfBody))).
		Return(storage.Stored{}, errors.New("upload failed: HTTP 502"))
	f := newFixture(t, cfg, routes, WithFileStore(store))

	rec := f.engine.Process(context.Background(), retrieval.Input{URL: f.url("/files/paper.pdf")})
	assert.Equal(t, retrieval.OutcomeTarget, rec.Outcome)
	assert.Equal(t, "upload failed: HTTP 502", rec.Error)
	assert.True(t, rec.CouldRetry)
	assert.Empty(t, rec.FilePath)
	store.AssertExpectations(t)
}

func TestProcessPageCrawlerFailure(t *testing.T) {
	routes := map[string]http.HandlerFunc{
		"/landing": serve("text/html; charset=utf-8", "<html><body>landing</body></html>"),
	}
	f := newFixture(t, testConfig(), routes)

	pages := &mocks.MockPageCrawler{}
	pages.On("Crawl", mock.Anything, mock.MatchedBy(func(p crawler.Page) bool {
		return p.URL == f.url("/landing") && strings.Contains(string(p.Body), "landing")
	})).Return(nil, retrieval.Unreachable("no links found"))

	detector := &mocks.MockPlatformDetector{}
	detector.On("Platform", util.DomainOf(f.server.URL), mock.Anything, mock.Anything).
		Return([]string{"Open Journal Systems"}).Once()

	e := New(testConfig(), f.conn, pages, f.health, f.targets, WithPlatformDetector(detector))
	rec := e.Process(context.Background(), retrieval.Input{URL: f.url("/landing")})

	assert.Equal(t, retrieval.OutcomeUnreachable, rec.Outcome)
	assert.Equal(t, "no links found", rec.Error)
	assert.Equal(t, f.url("/landing"), rec.PageURL)
	assert.Equal(t, []string{"Open Journal Systems"}, rec.Platform)
	pages.AssertExpectations(t)
	detector.AssertExpectations(t)
}

func TestRunContinuesPastSinkErrors(t *testing.T) {
	routes := map[string]http.HandlerFunc{
		"/a.pdf": serve("application/pdf", pdfBody),
	}
	f := newFixture(t, testConfig(), routes)

	sink := &mocks.MockSink{}
	sink.On("Emit", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	src := &sliceSource{batches: [][]retrieval.Input{{{URL: f.url("/a.pdf")}, {URL: f.url("/missing")}}}}
	summary, err := f.engine.Run(context.Background(), src, sink, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Records)
	sink.AssertNumberOfCalls(t, "Emit", 2)
}

func TestTeeTriesEverySink(t *testing.T) {
	broken := &mocks.MockSink{}
	broken.On("Emit", mock.Anything, mock.Anything).Return(errors.New("db down"))
	mem := &memorySink{}

	err := Tee(broken, mem).Emit(context.Background(), retrieval.Record{ID: "1"})
	assert.EqualError(t, err, "db down")
	assert.Len(t, mem.records, 1)
}

type cancellingSource struct {
	cancel context.CancelFunc
	batch  []retrieval.Input
}

func (s *cancellingSource) NextBatch(context.Context) ([]retrieval.Input, error) {
	b := s.batch
	s.batch = nil
	s.cancel()
	return b, nil
}

func TestRunRecordsUnsubmittedInputsOnShutdown(t *testing.T) {
	routes := map[string]http.HandlerFunc{
		"/slow.pdf": func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(50 * time.Millisecond)
			serve("application/pdf", pdfBody)(w, r)
		},
	}
	f := newFixture(t, testConfig(), routes)

	batch := make([]retrieval.Input, 40)
	for i := range batch {
		batch[i] = retrieval.Input{ID: fmt.Sprint(i), URL: f.url("/slow.pdf") + "?n=" + fmt.Sprint(i)}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &memorySink{}
	summary, err := f.engine.Run(ctx, &cancellingSource{cancel: cancel, batch: batch}, sink, 1)
	require.NoError(t, err)

	require.Len(t, sink.records, len(batch), "every input gets exactly one record")
	ids := make(map[string]bool)
	shutdown := 0
	for _, rec := range sink.records {
		ids[rec.ID] = true
		if rec.Error == "shutdown" {
			shutdown++
			assert.Equal(t, retrieval.OutcomeUnreachable, rec.Outcome)
			assert.True(t, rec.CouldRetry)
		}
	}
	assert.Len(t, ids, len(batch))
	assert.Positive(t, shutdown)
	assert.Equal(t, int64(len(batch)), summary.Records)
}

type panickySink struct {
	mu    sync.Mutex
	calls int
}

func (s *panickySink) Emit(context.Context, retrieval.Record) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	panic("sink closed")
}

func TestRunSinkPanicEmitsOnce(t *testing.T) {
	routes := map[string]http.HandlerFunc{
		"/a.pdf": serve("application/pdf", pdfBody),
	}
	f := newFixture(t, testConfig(), routes)

	sink := &panickySink{}
	src := &sliceSource{batches: [][]retrieval.Input{{{ID: "1", URL: f.url("/a.pdf")}}}}
	summary, err := f.engine.Run(context.Background(), src, sink, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, sink.calls, "the panic handler does not emit a second record")
	assert.Equal(t, int64(1), summary.Records)
	assert.Equal(t, int64(1), summary.Found)
}

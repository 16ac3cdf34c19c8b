// Package crawler searches an already fetched landing page for its target:
// meta tag, structural prediction, fast scan, slow scan, then give up.
package crawler

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"sync/atomic"

	"github.com/Harvey-AU/doc-resolver/internal/connection"
	"github.com/Harvey-AU/doc-resolver/internal/domainhealth"
	"github.com/Harvey-AU/doc-resolver/internal/links"
	"github.com/Harvey-AU/doc-resolver/internal/mimetype"
	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
	"github.com/Harvey-AU/doc-resolver/internal/sniff"
	"github.com/Harvey-AU/doc-resolver/internal/structure"
	"github.com/Harvey-AU/doc-resolver/internal/util"
	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
)

// Crawler is the PageCrawler. It is safe for concurrent use; per-page state
// lives in a pageVisit.
type Crawler struct {
	cfg       Config
	conn      Connector
	health    *domainhealth.Tracker
	predictor *structure.Predictor
	rejected  URLSet

	slow SlowScanStats
}

// New creates a Crawler. rejected may be nil.
func New(cfg Config, conn Connector, health *domainhealth.Tracker, predictor *structure.Predictor, rejected URLSet) *Crawler {
	if predictor == nil {
		predictor = structure.New(structure.DefaultDepth)
	}
	return &Crawler{
		cfg:       cfg,
		conn:      conn,
		health:    health,
		predictor: predictor,
		rejected:  rejected,
	}
}

// SlowScan returns the shared slow-scan statistics.
func (c *Crawler) SlowScan() *SlowScanStats {
	return &c.slow
}

// Crawl runs the state machine on page. It returns the verified target, or an
// error: *retrieval.AlreadyResolvedError for a re-cross, *retrieval.BlockedError
// when the page's domain got blocked, *retrieval.UnreachableError otherwise.
func (c *Crawler) Crawl(ctx context.Context, page Page) (*Found, error) {
	base, err := url.Parse(page.URL)
	if err != nil {
		return nil, retrieval.Unreachable("invalid page URL: %s", page.URL)
	}
	if page.Domain == "" {
		page.Domain = util.DomainOf(page.URL)
	}

	v := &pageVisit{crawler: c, page: page, tried: make(map[string]struct{})}
	pathKey := util.StructureKey(page.URL)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, c.deadEnd(page, "unparseable page")
	}

	// Meta tag: authoritative, one attempt, never superseded.
	if raw, ok := links.MetaTarget(page.Body); ok {
		return c.fromMeta(ctx, v, doc, base, pathKey, raw)
	}

	// Structure prediction: only elements matching a known signature, no recording.
	if c.predictor.Known(pathKey) {
		if found, err := c.predicted(ctx, v, doc, base, pathKey); found != nil || err != nil {
			return found, err
		}
	}

	res := links.Extract(doc, base, v.seen)
	switch res.Kind {
	case links.Dynamic:
		c.health.Block(page.Domain, "dynamic_links")
		return nil, &retrieval.BlockedError{Domain: page.Domain}

	case links.Found:
		if v.ShouldVisit(res.Found.URL) {
			found, err := c.try(ctx, v, res.Found, false)
			if err != nil {
				return nil, err
			}
			if found != nil {
				found.Strategy = StrategyShortcut
				c.remember(pathKey, res.Found)
				return found, nil
			}
		}
		res = links.Collect(doc, base, v.seen)
		if res.Kind == links.Dynamic {
			c.health.Block(page.Domain, "dynamic_links")
			return nil, &retrieval.BlockedError{Domain: page.Domain}
		}
	}

	if len(res.Links) == 0 {
		return nil, c.deadEnd(page, "no links found")
	}

	// Fast scan: links that look like documents, at most FastScanLimit connections.
	attempts := 0
	for _, cand := range res.Links {
		if attempts >= c.cfg.FastScanLimit {
			break
		}
		if !links.LooksLikeDocURL(cand.URL) || !v.ShouldVisit(cand.URL) {
			continue
		}
		attempts++
		found, err := c.try(ctx, v, cand, false)
		if err != nil {
			return nil, err
		}
		if found != nil {
			found.Strategy = StrategyFastScan
			c.remember(pathKey, cand)
			return found, nil
		}
	}

	// Slow scan: remaining same-domain links, one at a time.
	if !c.slow.Enabled() {
		return nil, c.deadEnd(page, "no document link found")
	}
	attempts = 0
	for _, cand := range res.Links {
		if attempts >= c.cfg.SlowScanLimit {
			break
		}
		if util.DomainOf(cand.URL) != page.Domain || !v.ShouldVisit(cand.URL) {
			continue
		}
		attempts++
		found, err := c.try(ctx, v, cand, c.cfg.SlowScanNoGet)
		if err != nil {
			c.observeSlow(attempts > 0, false)
			return nil, err
		}
		if found != nil {
			found.Strategy = StrategySlowScan
			c.remember(pathKey, cand)
			c.observeSlow(true, true)
			return found, nil
		}
	}
	c.observeSlow(attempts > 0, false)

	return nil, c.deadEnd(page, "no document link found")
}

func (c *Crawler) fromMeta(ctx context.Context, v *pageVisit, doc *goquery.Document, base *url.URL, pathKey, raw string) (*Found, error) {
	target, err := util.ResolveReference(base, raw)
	if err != nil {
		return nil, c.deadEnd(v.page, "invalid meta tag target")
	}

	log.Debug().
		Str("page", v.page.URL).
		Str("target", target).
		Msg("Following meta tag target")

	found, err := v.Visit(ctx, links.Candidate{URL: target}, false)
	if err != nil {
		var ar *retrieval.AlreadyResolvedError
		if errors.As(err, &ar) || retrieval.IsBlocked(err) {
			return nil, err
		}
		c.health.RecordFailure(v.page.Domain, domainhealth.FailureNoDocOrPage)
		return nil, retrieval.Unreachable("meta tag target failed: %s", retrieval.Reason(err))
	}
	if found == nil {
		return nil, c.deadEnd(v.page, "meta tag target is not a document")
	}

	found.Strategy = StrategyMeta
	// Remember the anchor pointing at the same target, if the page has one.
	doc.Find(links.Selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, err := util.ResolveReference(base, s.AttrOr("href", ""))
		if err == nil && (href == target || href == found.URL) {
			c.remember(pathKey, links.Candidate{URL: href, Element: s})
			return false
		}
		return true
	})
	return found, nil
}

func (c *Crawler) predicted(ctx context.Context, v *pageVisit, doc *goquery.Document, base *url.URL, pathKey string) (*Found, error) {
	matches := c.predictor.Matches(pathKey, doc.Find(links.Selector).Nodes)
	attempts := 0
	for _, n := range matches {
		if attempts >= c.cfg.FastScanLimit {
			break
		}
		sel := doc.FindNodes(n)
		abs, err := util.ResolveReference(base, sel.AttrOr("href", ""))
		if err != nil || !v.ShouldVisit(abs) {
			continue
		}
		attempts++
		found, err := c.try(ctx, v, links.Candidate{URL: abs, Element: sel}, false)
		if err != nil {
			return nil, err
		}
		if found != nil {
			found.Strategy = StrategyPredicted
			return found, nil
		}
	}
	return nil, nil
}

// try visits one candidate. A nil, nil return means "move on".
func (c *Crawler) try(ctx context.Context, v *pageVisit, cand links.Candidate, noGet bool) (*Found, error) {
	found, err := v.Visit(ctx, cand, noGet)
	if err != nil {
		if ctx.Err() != nil {
			return nil, retrieval.Unreachable("cancelled: %v", ctx.Err())
		}
		return nil, v.OnError(cand.URL, err)
	}
	if found == nil && c.rejected != nil {
		c.rejected.Add(cand.URL)
	}
	return found, nil
}

func (c *Crawler) remember(pathKey string, cand links.Candidate) {
	if cand.Element == nil || cand.Element.Length() == 0 {
		return
	}
	c.predictor.RecordNode(pathKey, cand.Element.Get(0))
}

func (c *Crawler) observeSlow(ran, hit bool) {
	if !ran {
		return
	}
	if c.slow.Observe(hit, c.cfg.SlowScanFloor, c.cfg.SlowScanMinSamples) {
		samples, hits := c.slow.Counts()
		log.Warn().
			Int64("samples", samples).
			Int64("hits", hits).
			Float64("floor", c.cfg.SlowScanFloor).
			Msg("Slow scan disabled for the rest of the run")
	}
}

// deadEnd records a page that yielded neither a document nor a followable page.
func (c *Crawler) deadEnd(page Page, reason string) error {
	if c.health.RecordFailure(page.Domain, domainhealth.FailureNoDocOrPage) {
		return &retrieval.BlockedError{Domain: page.Domain}
	}
	return retrieval.Unreachable("%s", reason)
}

func (c *Crawler) wanted(kind retrieval.Kind) bool {
	switch kind {
	case retrieval.KindDocument:
		return c.cfg.WantDocuments
	case retrieval.KindDataset:
		return c.cfg.WantDatasets
	default:
		return false
	}
}

// pageVisit implements Visitor for one page.
type pageVisit struct {
	crawler *Crawler
	page    Page
	tried   map[string]struct{}
}

func (v *pageVisit) seen(link string) bool {
	if link == v.page.URL {
		return true
	}
	return v.crawler.rejected != nil && v.crawler.rejected.Contains(link)
}

func (v *pageVisit) ShouldVisit(link string) bool {
	if _, ok := v.tried[link]; ok {
		return false
	}
	if v.seen(link) {
		return false
	}
	return !v.crawler.health.IsBlocked(util.DomainOf(link))
}

func (v *pageVisit) Visit(ctx context.Context, cand links.Candidate, noGet bool) (*Found, error) {
	v.tried[cand.URL] = struct{}{}
	c := v.crawler

	conn, err := c.conn.Resolve(ctx, connection.Request{
		URL:     cand.URL,
		Purpose: retrieval.PurposeInnerLink,
		NoGet:   noGet,
		Referer: v.page.URL,
	})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if conn.ContentType == "" {
		c.health.RecordFailure(conn.Domain, domainhealth.FailureNoType)
	}

	kind := mimetype.Classify(mimetype.Input{
		URL:                conn.URL,
		ContentType:        conn.ContentType,
		ContentDisposition: conn.ContentDisposition,
		Sniff:              v.sniffer(ctx, conn, noGet),
	})
	if !c.wanted(kind) {
		log.Debug().
			Str("page", v.page.URL).
			Str("link", cand.URL).
			Str("kind", kind.String()).
			Msg("Candidate is not a target")
		return nil, nil
	}

	c.health.RecordSuccess(conn.Domain)
	return &Found{
		URL:           conn.URL,
		Kind:          kind,
		MimeType:      mimetype.StripParams(conn.ContentType),
		ContentLength: conn.ContentLength,
	}, nil
}

// sniffer returns a body sniff for conn. HEAD connections have no body, so a
// GET is made unless GET is forbidden for this candidate.
func (v *pageVisit) sniffer(ctx context.Context, conn *connection.Connection, noGet bool) func() (sniff.Kind, error) {
	return func() (sniff.Kind, error) {
		body := conn.Body()
		if conn.Method == "HEAD" {
			if noGet {
				return sniff.Undefined, nil
			}
			getConn, err := v.crawler.conn.Resolve(ctx, connection.Request{
				URL:       conn.URL,
				Purpose:   retrieval.PurposeInnerLink,
				WantsBody: true,
				Referer:   v.page.URL,
			})
			if err != nil {
				return sniff.Undefined, err
			}
			defer getConn.Close()
			body = getConn.Body()
		}
		res, err := sniff.Sniff(body)
		if err != nil {
			return sniff.Undefined, err
		}
		if b := res.Body(); b != nil {
			b.Close()
		}
		return res.Kind, nil
	}
}

func (v *pageVisit) OnError(link string, err error) error {
	var ar *retrieval.AlreadyResolvedError
	if errors.As(err, &ar) {
		return err
	}
	var be *retrieval.BlockedError
	if errors.As(err, &be) && be.Domain == v.page.Domain {
		return err
	}

	log.Debug().
		Err(err).
		Str("page", v.page.URL).
		Str("link", link).
		Msg("Candidate link failed")

	if v.crawler.rejected != nil {
		v.crawler.rejected.Add(link)
	}
	return nil
}

// SlowScanStats tracks the run-wide slow-scan hit rate.
type SlowScanStats struct {
	samples  atomic.Int64
	hits     atomic.Int64
	disabled atomic.Bool
}

// Enabled reports whether slow scan is still allowed.
func (s *SlowScanStats) Enabled() bool {
	return !s.disabled.Load()
}

// Observe adds a sample and returns true when this sample disabled slow scan.
func (s *SlowScanStats) Observe(hit bool, floor float64, minSamples int) bool {
	n := s.samples.Add(1)
	h := s.hits.Load()
	if hit {
		h = s.hits.Add(1)
	}
	if n < int64(minSamples) {
		return false
	}
	if float64(h)/float64(n) < floor {
		return s.disabled.CompareAndSwap(false, true)
	}
	return false
}

// Counts returns samples and hits so far.
func (s *SlowScanStats) Counts() (samples, hits int64) {
	return s.samples.Load(), s.hits.Load()
}

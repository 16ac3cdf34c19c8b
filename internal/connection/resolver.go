// Package connection opens HTTP connections and owns the redirect state machine.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/Harvey-AU/doc-resolver/internal/domainhealth"
	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
	"github.com/Harvey-AU/doc-resolver/internal/util"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// TargetIndex answers whether a URL is already a resolved target.
type TargetIndex interface {
	Lookup(url string) (retrieval.TargetEntry, bool)
}

// Request describes one resolution.
type Request struct {
	URL       string
	Purpose   retrieval.Purpose
	WantsBody bool   // Force GET for an inner link, e.g. to download it
	NoGet     bool   // Do not fall back to GET when HEAD is rejected
	SkipIndex bool   // Do not consult the target index, e.g. to download a claimed target
	Referer   string // Optional Referer header
}

// Hop is one followed redirect. Significant is false for trivial hops such as
// http to https, www or a trailing slash.
type Hop struct {
	URL         string
	Status      int
	Significant bool
}

// Connection is an open successful response. Callers must Close it.
type Connection struct {
	URL                string
	Domain             string
	Method             string
	StatusCode         int
	ContentType        string
	ContentDisposition string
	ContentLength      int64
	Header             http.Header
	Hops               []Hop

	body io.ReadCloser
}

// Body returns the decoded response body. It is empty for HEAD connections.
func (c *Connection) Body() io.ReadCloser {
	return c.body
}

// Close releases the underlying connection.
func (c *Connection) Close() error {
	if c == nil || c.body == nil {
		return nil
	}
	err := c.body.Close()
	c.body = nil
	return err
}

// Redirected reports whether at least one redirect was followed.
func (c *Connection) Redirected() bool {
	return len(c.Hops) > 0
}

// AttemptFunc observes every HTTP attempt; status is 0 when no response arrived.
type AttemptFunc func(method string, status int)

// Resolver opens connections, consulting a domainhealth.Tracker before and after
// every attempt.
type Resolver struct {
	cfg     Config
	health  *domainhealth.Tracker
	index   TargetIndex
	limiter *rate.Limiter

	headClient *http.Client
	getClient  *http.Client

	onAttempt AttemptFunc
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTransport replaces the default transport, e.g. with an instrumented one.
func WithTransport(rt http.RoundTripper) Option {
	return func(r *Resolver) {
		r.headClient.Transport = rt
		r.getClient.Transport = rt
	}
}

// WithTargetIndex enables re-cross detection on every hop.
func WithTargetIndex(idx TargetIndex) Option {
	return func(r *Resolver) { r.index = idx }
}

// WithAttemptHook registers an observer for HTTP attempts.
func WithAttemptHook(fn AttemptFunc) Option {
	return func(r *Resolver) { r.onAttempt = fn }
}

// New creates a Resolver.
func New(cfg Config, health *domainhealth.Tracker, opts ...Option) *Resolver {
	transport := NewTransport()
	noFollow := func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	r := &Resolver{
		cfg:    cfg,
		health: health,
		headClient: &http.Client{
			Timeout:       cfg.HeadTimeout,
			Transport:     transport,
			CheckRedirect: noFollow,
		},
		getClient: &http.Client{
			Timeout:       cfg.GetTimeout,
			Transport:     transport,
			CheckRedirect: noFollow,
		},
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Health returns the tracker the resolver reports to.
func (r *Resolver) Health() *domainhealth.Tracker {
	return r.health
}

var (
	sharedSessionRe = regexp.MustCompile(`(?i)sharedsitesession`)
	errorPageRe     = regexp.MustCompile(`(?i)(/error([/._?-]|$)|errorpage|error\.html?|/404([/._?]|$)|notfound|not-found|page-not-found|cookieabsent|/login([/._?]|$)|/signin|/sso/)`)
)

// isRedirect reports 3XX codes followed by the resolver: 300-308 except 304 and 306.
func isRedirect(status int) bool {
	return status >= 300 && status <= 308 && status != http.StatusNotModified && status != 306
}

func (r *Resolver) chooseMethod(req Request, domain string) string {
	if req.Purpose == retrieval.PurposePage || req.WantsBody {
		return http.MethodGet
	}
	if r.health.HeadUnsupported(domain, req.Purpose) {
		return http.MethodGet
	}
	return http.MethodHead
}

// Resolve opens rawURL, following redirects up to the cap for req.Purpose.
// Errors are *retrieval.BlockedError, retrieval.ErrTimeout,
// retrieval.ErrHeadUnsupported, *retrieval.UnreachableError or
// *retrieval.AlreadyResolvedError.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Connection, error) {
	current := req.URL
	domain := util.DomainOf(current)
	if domain == "" {
		return nil, retrieval.Unreachable("invalid URL: %s", current)
	}

	method := r.chooseMethod(req, domain)
	limit := r.cfg.redirectCap(req.Purpose)
	fellBack := false
	var hops []Hop

	for {
		domain = util.DomainOf(current)
		if err := r.health.Check(domain, current); err != nil {
			return nil, err
		}
		if r.index != nil && !req.SkipIndex {
			if entry, ok := r.index.Lookup(current); ok {
				return nil, &retrieval.AlreadyResolvedError{URL: current, Entry: entry}
			}
		}

		resp, err := r.attempt(ctx, method, current, req.Referer, domain)
		if err != nil {
			return nil, err
		}

		switch status := resp.StatusCode; {
		case status >= 200 && status < 300:
			return r.newConnection(resp, current, domain, method, hops)

		case isRedirect(status):
			location := resp.Header.Get("Location")
			release(resp)

			next, err := r.nextHop(current, location, domain)
			if err != nil {
				return nil, err
			}
			hop := Hop{URL: current, Status: status, Significant: util.IsSignificantRedirect(current, next)}
			hops = append(hops, hop)
			log.Debug().
				Str("from", current).
				Str("to", next).
				Int("status", status).
				Bool("significant", hop.Significant).
				Msg("Following redirect")
			if len(hops) > limit {
				log.Debug().
					Str("url", req.URL).
					Int("redirects", len(hops)).
					Int("cap", limit).
					Msg("Redirect cap exceeded")
				return nil, retrieval.Unreachable("too many redirects (%d)", len(hops))
			}
			if status == http.StatusSeeOther && method != http.MethodHead {
				method = http.MethodGet
			}
			current = next

		case (status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented) && method == http.MethodHead:
			release(resp)
			r.health.MarkHeadUnsupported(domain, req.Purpose)
			if req.NoGet || fellBack {
				return nil, retrieval.ErrHeadUnsupported
			}
			method = http.MethodGet
			fellBack = true

		default:
			release(resp)
			return nil, r.health.ClassifyStatus(domain, current, status)
		}
	}
}

func (r *Resolver) attempt(ctx context.Context, method, target, referer, domain string) (*http.Response, error) {
	if err := r.health.ApplyPolitenessDelay(ctx, domain); err != nil {
		return nil, retrieval.Unreachable("cancelled: %v", err)
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, retrieval.Unreachable("cancelled: %v", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, retrieval.Unreachable("build request: %v", err)
	}
	httpReq.Header.Set("User-Agent", r.cfg.UserAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,application/pdf,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if referer != "" {
		httpReq.Header.Set("Referer", referer)
	}

	client := r.getClient
	if method == http.MethodHead {
		client = r.headClient
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		r.observe(method, 0)
		return nil, r.classifyTransportError(ctx, domain, target, err)
	}
	r.observe(method, resp.StatusCode)

	log.Debug().
		Str("method", method).
		Str("url", target).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Connection attempt")

	return resp, nil
}

func (r *Resolver) observe(method string, status int) {
	if r.onAttempt != nil {
		r.onAttempt(method, status)
	}
}

func (r *Resolver) classifyTransportError(ctx context.Context, domain, target string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return retrieval.Unreachable("cancelled: %v", ctxErr)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		if r.health.RecordFailure(domain, domainhealth.FailureTimeout) {
			return &retrieval.BlockedError{Domain: domain}
		}
		return fmt.Errorf("%s: %w", target, retrieval.ErrTimeout)
	}

	return retrieval.Unreachable("connection failed: %v", unwrapURLError(err))
}

func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

// nextHop validates a Location header against trap patterns.
func (r *Resolver) nextHop(current, location, domain string) (string, error) {
	if strings.TrimSpace(location) == "" {
		return "", retrieval.Unreachable("redirect without Location")
	}

	base, err := url.Parse(current)
	if err != nil {
		return "", retrieval.Unreachable("invalid URL: %s", current)
	}
	next, err := util.ResolveReference(base, location)
	if err != nil {
		return "", retrieval.Unreachable("invalid redirect target %q", location)
	}

	if sharedSessionRe.MatchString(next) {
		target := util.DomainOf(next)
		r.health.Block(domain, "shared_site_session")
		r.health.Block(target, "shared_site_session")
		return "", &retrieval.BlockedError{Domain: domain}
	}
	if errorPageRe.MatchString(next) {
		return "", retrieval.Unreachable("redirect to error page: %s", next)
	}

	return next, nil
}

func (r *Resolver) newConnection(resp *http.Response, finalURL, domain, method string, hops []Hop) (*Connection, error) {
	conn := &Connection{
		URL:                finalURL,
		Domain:             domain,
		Method:             method,
		StatusCode:         resp.StatusCode,
		ContentType:        resp.Header.Get("Content-Type"),
		ContentDisposition: resp.Header.Get("Content-Disposition"),
		ContentLength:      resp.ContentLength,
		Header:             resp.Header,
		Hops:               hops,
	}

	if method == http.MethodHead {
		release(resp)
		conn.body = io.NopCloser(strings.NewReader(""))
		return conn, nil
	}

	encoding := resp.Header.Get("Content-Encoding")
	body, err := decodeBody(resp.Body, encoding)
	if err != nil {
		release(resp)
		return nil, retrieval.Unreachable("decode body: %v", err)
	}
	if encoding != "" && !strings.EqualFold(encoding, "identity") {
		conn.ContentLength = -1 // Decoded length is unknown
	}
	conn.body = body
	return conn, nil
}

// release drains a little of the body so the connection can be reused, then closes it.
func release(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, resp.Body, 4096)
	resp.Body.Close()
}

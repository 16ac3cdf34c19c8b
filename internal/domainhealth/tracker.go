package domainhealth

import (
	"context"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
	"github.com/Harvey-AU/doc-resolver/internal/util"
	"github.com/rs/zerolog/log"
)

// FailureKind is a count-based failure category.
type FailureKind int

const (
	Failure5XX FailureKind = iota
	FailureTimeout
	FailureNoType
	FailureNoDocOrPage
)

func (k FailureKind) String() string {
	switch k {
	case Failure5XX:
		return "5xx"
	case FailureTimeout:
		return "timeout"
	case FailureNoType:
		return "no_type"
	case FailureNoDocOrPage:
		return "no_doc_or_page"
	default:
		return "unknown"
	}
}

// Tracker holds per-domain failure counters, the block set, path blocks,
// HEAD support flags and politeness state for one run.
type Tracker struct {
	cfg   Config
	allow map[string]struct{}

	mu      sync.Mutex
	domains map[string]*domainRecord
	good    map[string]int

	blocked sync.Map // domain -> reason

	headUnsupported sync.Map // headKey -> struct{}

	politeness sync.Map // domain -> *politenessState

	// OnBlock is invoked once per newly blocked domain.
	OnBlock func(domain, reason string)

	now   func() time.Time
	float func() float64
}

type domainRecord struct {
	failures     [4]int
	pathHits     map[string]int
	blockedPaths map[string]struct{}
}

type headKey struct {
	domain  string
	purpose retrieval.Purpose
}

type politenessState struct {
	mu          sync.Mutex
	lastContact time.Time
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	allow := make(map[string]struct{}, len(cfg.AllowList))
	for _, d := range cfg.AllowList {
		allow[util.TopDomain(util.NormaliseDomain(d))] = struct{}{}
	}
	return &Tracker{
		cfg:     cfg,
		allow:   allow,
		domains: make(map[string]*domainRecord),
		good:    make(map[string]int),
		now:     time.Now,
		float:   rand.Float64,
	}
}

// Config returns the tracker configuration.
func (t *Tracker) Config() Config {
	return t.cfg
}

// IsAllowListed reports whether domain is exempt from blocking.
func (t *Tracker) IsAllowListed(domain string) bool {
	_, ok := t.allow[domain]
	return ok
}

// IsBlocked reports whether domain is in the block set.
func (t *Tracker) IsBlocked(domain string) bool {
	_, ok := t.blocked.Load(domain)
	return ok
}

// Check returns an error when a request to rawURL on domain must not be made.
func (t *Tracker) Check(domain, rawURL string) error {
	if t.IsBlocked(domain) {
		return &retrieval.BlockedError{Domain: domain}
	}
	if t.IsPathBlocked(domain, util.PathDirectory(rawURL)) {
		return retrieval.Unreachable("path blocked after HTTP 403: %s", util.PathDirectory(rawURL))
	}
	return nil
}

// Block adds domain to the block set and frees its counters. It returns false
// when the domain was already blocked or is allow-listed.
func (t *Tracker) Block(domain, reason string) bool {
	if domain == "" || t.IsAllowListed(domain) {
		return false
	}
	if _, loaded := t.blocked.LoadOrStore(domain, reason); loaded {
		return false
	}

	t.mu.Lock()
	delete(t.domains, domain)
	t.mu.Unlock()

	log.Warn().
		Str("domain", domain).
		Str("reason", reason).
		Msg("Blocked domain")

	if t.OnBlock != nil {
		t.OnBlock(domain, reason)
	}
	return true
}

// Blocked returns a copy of the block set.
func (t *Tracker) Blocked() map[string]string {
	out := make(map[string]string)
	t.blocked.Range(func(k, v any) bool {
		out[k.(string)] = v.(string)
		return true
	})
	return out
}

// RecordSuccess adds one good resolution to the domain's tally.
func (t *Tracker) RecordSuccess(domain string) {
	if domain == "" {
		return
	}
	t.mu.Lock()
	t.good[domain]++
	t.mu.Unlock()
}

// GoodCount returns the number of good resolutions for domain.
func (t *Tracker) GoodCount(domain string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.good[domain]
}

func (t *Tracker) threshold(kind FailureKind) int {
	switch kind {
	case Failure5XX:
		return t.cfg.Max5XX
	case FailureTimeout:
		return t.cfg.MaxTimeouts
	case FailureNoType:
		return t.cfg.MaxNoType
	default:
		return t.cfg.MaxNoDocOrPage
	}
}

// allowance is the number of failures tolerated above the base threshold.
// Lifetime good resolutions count, capped at GoodDomainBuffer. Caller holds t.mu.
func (t *Tracker) allowance(domain string) int {
	return min(t.good[domain], t.cfg.GoodDomainBuffer)
}

func (t *Tracker) recordLocked(domain string) *domainRecord {
	rec, ok := t.domains[domain]
	if !ok {
		rec = &domainRecord{
			pathHits:     make(map[string]int),
			blockedPaths: make(map[string]struct{}),
		}
		t.domains[domain] = rec
	}
	return rec
}

// RecordFailure increments a failure counter and blocks the domain once the
// count exceeds its threshold. It returns true if the domain is blocked afterwards.
func (t *Tracker) RecordFailure(domain string, kind FailureKind) bool {
	if domain == "" {
		return false
	}
	if t.IsBlocked(domain) {
		return true
	}

	t.mu.Lock()
	if t.IsBlocked(domain) {
		t.mu.Unlock()
		return true
	}
	rec := t.recordLocked(domain)
	rec.failures[kind]++
	count := rec.failures[kind]
	limit := t.threshold(kind) + t.allowance(domain)
	t.mu.Unlock()

	log.Debug().
		Str("domain", domain).
		Str("kind", kind.String()).
		Int("count", count).
		Int("limit", limit).
		Msg("Recorded domain failure")

	if count > limit {
		return t.Block(domain, kind.String())
	}
	return false
}

// FailureCount returns the current counter for domain and kind.
func (t *Tracker) FailureCount(domain string, kind FailureKind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.domains[domain]; ok {
		return rec.failures[kind]
	}
	return 0
}

// RecordPathFailure records an HTTP 403 on a path. The path is blocked once
// its 403s exceed MaxPath403; the domain is blocked once more than
// MaxBlockedPaths distinct paths are blocked.
func (t *Tracker) RecordPathFailure(domain, path string) bool {
	if domain == "" {
		return false
	}
	if t.IsBlocked(domain) {
		return true
	}

	t.mu.Lock()
	if t.IsBlocked(domain) {
		t.mu.Unlock()
		return true
	}
	rec := t.recordLocked(domain)
	rec.pathHits[path]++
	hits := rec.pathHits[path]
	if hits > t.cfg.MaxPath403 {
		rec.blockedPaths[path] = struct{}{}
	}
	paths := len(rec.blockedPaths)
	t.mu.Unlock()

	log.Debug().
		Str("domain", domain).
		Str("path", path).
		Int("path_hits", hits).
		Int("blocked_paths", paths).
		Msg("Recorded path 403")

	if paths > t.cfg.MaxBlockedPaths {
		return t.Block(domain, "path_403")
	}
	return false
}

// IsPathBlocked reports whether path on domain has been blocked by a 403.
func (t *Tracker) IsPathBlocked(domain, path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.domains[domain]
	if !ok {
		return false
	}
	_, blocked := rec.blockedPaths[path]
	return blocked
}

// MarkHeadUnsupported records that domain rejects HEAD for this caller class.
func (t *Tracker) MarkHeadUnsupported(domain string, purpose retrieval.Purpose) {
	if _, loaded := t.headUnsupported.LoadOrStore(headKey{domain, purpose}, struct{}{}); !loaded {
		log.Debug().
			Str("domain", domain).
			Str("purpose", purpose.String()).
			Msg("Domain does not support HEAD")
	}
}

// HeadUnsupported reports whether a HEAD probe to domain is known to fail.
func (t *Tracker) HeadUnsupported(domain string, purpose retrieval.Purpose) bool {
	_, ok := t.headUnsupported.Load(headKey{domain, purpose})
	return ok
}

// ClassifyStatus converts a non-success, non-redirect status into an error,
// updating counters on the way. It returns a BlockedError if the response
// pushed the domain over a threshold.
func (t *Tracker) ClassifyStatus(domain, rawURL string, status int) error {
	switch {
	case status == http.StatusForbidden:
		if t.RecordPathFailure(domain, util.PathDirectory(rawURL)) {
			return &retrieval.BlockedError{Domain: domain}
		}
		return retrieval.Unreachable("HTTP 403")
	case status == http.StatusServiceUnavailable:
		// 503 is treated as transient and never counts towards blocking.
		return retrieval.Unreachable("HTTP 503")
	case status >= 500 && status <= 599:
		if t.RecordFailure(domain, Failure5XX) {
			return &retrieval.BlockedError{Domain: domain}
		}
		return retrieval.Unreachable("HTTP %d", status)
	default:
		return retrieval.Unreachable("HTTP %d", status)
	}
}

// ApplyPolitenessDelay waits until the domain may be contacted again. Calls for
// the same domain are serialised so concurrent callers queue their delays.
func (t *Tracker) ApplyPolitenessDelay(ctx context.Context, domain string) error {
	if domain == "" || t.cfg.PolitenessMax <= 0 {
		return nil
	}

	v, _ := t.politeness.LoadOrStore(domain, &politenessState{})
	ps := v.(*politenessState)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.lastContact.IsZero() {
		delay := t.jitter()
		wait := delay - t.now().Sub(ps.lastContact)
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	ps.lastContact = t.now()
	return nil
}

// LastContact returns when domain was last contacted.
func (t *Tracker) LastContact(domain string) time.Time {
	v, ok := t.politeness.Load(domain)
	if !ok {
		return time.Time{}
	}
	ps := v.(*politenessState)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.lastContact
}

func (t *Tracker) jitter() time.Duration {
	span := t.cfg.PolitenessMax - t.cfg.PolitenessMin
	if span <= 0 {
		return t.cfg.PolitenessMin
	}
	return t.cfg.PolitenessMin + time.Duration(t.float()*float64(span))
}

package crawler

import (
	"context"

	"github.com/Harvey-AU/doc-resolver/internal/connection"
	"github.com/Harvey-AU/doc-resolver/internal/links"
	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
)

// Strategy names the state that produced a target.
type Strategy string

const (
	StrategyMeta      Strategy = "meta_tag"
	StrategyPredicted Strategy = "predicted"
	StrategyShortcut  Strategy = "shortcut"
	StrategyFastScan  Strategy = "fast_scan"
	StrategySlowScan  Strategy = "slow_scan"
)

// Page is a landing page that has already been fetched.
type Page struct {
	URL    string // Final URL after redirects
	Domain string
	Body   []byte
}

// Found is a verified target discovered on a page.
type Found struct {
	URL           string
	Kind          retrieval.Kind
	MimeType      string
	ContentLength int64
	Strategy      Strategy
}

// Connector opens connections. *connection.Resolver satisfies it.
type Connector interface {
	Resolve(ctx context.Context, req connection.Request) (*connection.Connection, error)
}

// URLSet is a shared set of URLs, used to skip links already rejected in this run.
type URLSet interface {
	Contains(url string) bool
	Add(url string) bool
}

// Visitor is driven by the crawl state machine for each candidate link.
type Visitor interface {
	// ShouldVisit reports whether a connection to link is worth making.
	ShouldVisit(link string) bool
	// Visit connects to the candidate and returns a Found when it is a target.
	Visit(ctx context.Context, cand links.Candidate, noGet bool) (*Found, error)
	// OnError handles a failed visit. It returns a non-nil error when the page must be abandoned.
	OnError(link string, err error) error
}

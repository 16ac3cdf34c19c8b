// Package links extracts candidate target links from HTML pages.
package links

import (
	"net/url"
	"strings"

	"github.com/Harvey-AU/doc-resolver/internal/util"
	"github.com/PuerkitoBio/goquery"
)

// Kind is the extraction outcome.
type Kind int

const (
	// Continue means no shortcut fired; Links holds the filtered candidates.
	Continue Kind = iota
	// Found means an element unambiguously denotes the target.
	Found
	// Dynamic means hrefs contain template placeholders and cannot be trusted.
	Dynamic
)

func (k Kind) String() string {
	switch k {
	case Found:
		return "found"
	case Dynamic:
		return "dynamic"
	default:
		return "continue"
	}
}

// Candidate is an absolute link and the element it came from.
type Candidate struct {
	URL     string
	Text    string
	Element *goquery.Selection
}

// Result is the outcome of Extract.
type Result struct {
	Kind  Kind
	Found Candidate
	Links []Candidate
}

// SeenFunc reports URLs that must not be offered again (duplicates, known targets).
type SeenFunc func(url string) bool

// Selector matches the elements considered as links.
const Selector = "a[href], area[href], link[href][type*='pdf']"

// Extract walks link elements in document order. A shortcut match returns Found
// immediately; a placeholder href returns Dynamic. Otherwise Links holds the
// absolute, filtered, de-duplicated candidates.
func Extract(doc *goquery.Document, base *url.URL, seen SeenFunc) Result {
	return extract(doc, base, seen, true)
}

// Collect is Extract without shortcuts, used once a shortcut candidate failed.
func Collect(doc *goquery.Document, base *url.URL, seen SeenFunc) Result {
	return extract(doc, base, seen, false)
}

func extract(doc *goquery.Document, base *url.URL, seen SeenFunc, shortcuts bool) Result {
	res := Result{Kind: Continue}
	local := make(map[string]struct{})

	doc.Find(Selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || href == "#" || hasSkippedScheme(href) {
			return true
		}
		if HasPlaceholder(href) {
			res = Result{Kind: Dynamic}
			return false
		}

		abs, err := util.ResolveReference(base, href)
		if err != nil {
			return true
		}

		text := anchorText(s)
		if shortcuts && isShortcut(s, text) {
			res = Result{Kind: Found, Found: Candidate{URL: abs, Text: text, Element: s}}
			return false
		}

		if _, dup := local[abs]; dup {
			return true
		}
		local[abs] = struct{}{}

		u, err := url.Parse(abs)
		if err != nil || Rejected(u) {
			return true
		}
		if seen != nil && seen(abs) {
			return true
		}

		res.Links = append(res.Links, Candidate{URL: abs, Text: text, Element: s})
		return true
	})

	return res
}

// anchorText is the visible text, falling back to title and aria-label.
func anchorText(s *goquery.Selection) string {
	parts := []string{strings.Join(strings.Fields(s.Text()), " ")}
	if title, ok := s.Attr("title"); ok {
		parts = append(parts, strings.TrimSpace(title))
	}
	if label, ok := s.Attr("aria-label"); ok {
		parts = append(parts, strings.TrimSpace(label))
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func isShortcut(s *goquery.Selection, text string) bool {
	if isElementHidden(s) {
		return false
	}
	if t, ok := s.Attr("type"); ok && strings.Contains(strings.ToLower(t), "pdf") {
		return true
	}
	if goquery.NodeName(s) == "link" {
		return false
	}
	return mentionsDocument(text)
}

// isElementHidden checks if an element is hidden based on common inline styles,
// accessibility attributes, and conventional CSS classes.
// This is a best-effort check based on raw HTML attributes, as it does not
// evaluate external or internal CSS stylesheets.
func isElementHidden(s *goquery.Selection) bool {
	hidingClasses := []string{
		"hide",
		"hidden",
		"display-none",
		"d-none",
		"invisible",
		"is-hidden",
		"sr-only",
		"visually-hidden",
	}

	for n := s; n.Length() > 0 && !n.Is("body"); n = n.Parent() {
		if _, exists := n.Attr("data-hidden"); exists {
			return true
		}
		if ariaHidden, exists := n.Attr("aria-hidden"); exists && ariaHidden == "true" {
			return true
		}
		if style, exists := n.Attr("style"); exists {
			compact := strings.ReplaceAll(style, " ", "")
			if strings.Contains(compact, "display:none") || strings.Contains(compact, "visibility:hidden") {
				return true
			}
		}
		for _, class := range hidingClasses {
			if n.HasClass(class) {
				return true
			}
		}
	}

	return false
}

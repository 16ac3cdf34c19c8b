package links

import (
	"net/url"
	"regexp"
	"strings"
)

// Filter tables, compiled once.
var (
	skippedFileRe = regexp.MustCompile(`(?i)\.(jpe?g|png|gif|svg|webp|ico|bmp|tiff?|css|js|json|rss|atom|mp3|mp4|m4a|avi|mov|wmv|webm|woff2?|ttf|eot|otf|ris|bib|enw|nbib|bibtex|endnote)([?#;]|$)`)

	nonContentHostRe = regexp.MustCompile(`(?i)(^|\.)(facebook\.com|twitter\.com|x\.com|t\.co|linkedin\.com|instagram\.com|youtube\.com|youtu\.be|pinterest\.com|reddit\.com|tumblr\.com|weibo\.com|wechat\.com|mendeley\.com|citeulike\.org|addthis\.com|sharethis\.com|addtoany\.com|google-analytics\.com|googletagmanager\.com|doubleclick\.net|googlesyndication\.com|adservice\.google\.com|scorecardresearch\.com|hotjar\.com|altmetric\.com|plumx\.com|creativecommons\.org|orcid\.org|wikipedia\.org|apple\.com|microsoft\.com|adobe\.com|get\.adobe\.com)$`)

	deniedSegmentRe = regexp.MustCompile(`(?i)/(login|logon|log-in|signin|sign-in|signup|sign-up|register|registration|logout|account|myaccount|my-account|profile|search|advanced-search|help|faq|faqs|about|about-us|contact|contact-us|policy|policies|privacy|privacy-policy|terms|terms-of-use|cookies?|cookie-policy|accessibility|subscribe|subscriptions?|cart|basket|checkout|feeds?|rss|share|print|showcitformats|citation-export|export-citation|sitemap|careers|advertis(e|ing)|newsletter)([/?#.;]|$)`)

	skippedSchemes = []string{"javascript:", "mailto:", "tel:", "data:", "ftp:", "file:", "about:"}

	docURLRe = regexp.MustCompile(`(?i)(pdf|download|/doc|fulltext|full-text|full_text|/bitstreams?/|viewcontent\.cgi|/getfile|/retrieve/|/stamp/|/epdf)`)

	dynamicRe = regexp.MustCompile(`\{\{|\$\{|%7[bB]%7[bB]|\$%7[bB]`)
)

// docKeywords mark anchor text or titles that name the full text.
var docKeywords = []string{"pdf"}

// falsePositiveWords disqualify an otherwise matching anchor.
var falsePositiveWords = []string{
	"manual", "guide", "preview", "instruction", "template", "policy", "policies",
	"terms", "licen", "privacy", "cookie", "sample", "supplement", "appendix",
	"reader", "acrobat", "help", "faq", "brochure", "flyer", "catalog",
}

// LooksLikeDocURL reports whether the URL string suggests a document.
func LooksLikeDocURL(u string) bool {
	return docURLRe.MatchString(u)
}

// HasPlaceholder reports whether href contains template placeholder tokens.
func HasPlaceholder(href string) bool {
	return dynamicRe.MatchString(href)
}

func hasSkippedScheme(href string) bool {
	lower := strings.ToLower(href)
	for _, s := range skippedSchemes {
		if strings.HasPrefix(lower, s) {
			return true
		}
	}
	return false
}

// Rejected reports whether an absolute URL fails the link policy: non-HTML
// file extensions, non-content hosts and login/search/help/policy segments.
func Rejected(u *url.URL) bool {
	if nonContentHostRe.MatchString(u.Hostname()) {
		return true
	}
	p := u.EscapedPath()
	if skippedFileRe.MatchString(p) {
		return true
	}
	return deniedSegmentRe.MatchString(p)
}

// mentionsDocument reports whether text names a document and is not a known false positive.
func mentionsDocument(text string) bool {
	text = strings.ToLower(text)
	found := false
	for _, kw := range docKeywords {
		if strings.Contains(text, kw) {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	for _, w := range falsePositiveWords {
		if strings.Contains(text, w) {
			return false
		}
	}
	return true
}

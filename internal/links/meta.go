package links

import (
	"html"
	"regexp"
	"strings"
)

const metaNames = `citation_pdf_url|eprints\.document_url|bepress_citation_pdf_url|dc\.identifier\.pdf|wkhealth_pdf_url`

var (
	metaNameFirstRe    = regexp.MustCompile(`(?is)<meta\s[^>]*?(?:name|property)\s*=\s*["']?(?:` + metaNames + `)["']?[^>]*?\scontent\s*=\s*(?:"([^"]*)"|'([^']*)')`)
	metaContentFirstRe = regexp.MustCompile(`(?is)<meta\s[^>]*?content\s*=\s*(?:"([^"]*)"|'([^']*)')[^>]*?\s(?:name|property)\s*=\s*["']?(?:` + metaNames + `)["'\s/>]`)
)

// MetaTarget scans raw HTML for a full-text meta tag such as citation_pdf_url
// and returns its unescaped value. Attribute order does not matter.
func MetaTarget(rawHTML []byte) (string, bool) {
	for _, re := range []*regexp.Regexp{metaNameFirstRe, metaContentFirstRe} {
		m := re.FindSubmatch(rawHTML)
		if m == nil {
			continue
		}
		value := string(m[1])
		if value == "" {
			value = string(m[2])
		}
		value = strings.TrimSpace(html.UnescapeString(value))
		if value != "" {
			return value, true
		}
	}
	return "", false
}

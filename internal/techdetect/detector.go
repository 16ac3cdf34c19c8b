// Package techdetect fingerprints landing pages with wappalyzergo so records can
// carry the repository platform that served them (DSpace, EPrints, OJS...).
package techdetect

import (
	"net/http"
	"sort"
	"sync"

	wappalyzer "github.com/projectdiscovery/wappalyzergo"
	"github.com/rs/zerolog/log"
)

// MaxBodySample is the number of body bytes handed to the fingerprinter.
const MaxBodySample = 256 * 1024

// Result holds the detected technologies for one page.
type Result struct {
	// Technologies maps technology name to its categories, e.g. {"DSpace": ["Document management systems"]}
	Technologies map[string][]string `json:"technologies"`
}

// Names returns the detected technology names, sorted.
func (r *Result) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Technologies))
	for name := range r.Technologies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Detector runs detection at most once per domain for the life of a run.
type Detector struct {
	client *wappalyzer.Wappalyze

	byDomain sync.Map // domain -> *Result
}

// categoryNames maps wappalyzer category IDs to human-readable names
var categoryNames map[int]string
var categoryNamesOnce sync.Once

// New creates a new technology detector
func New() (*Detector, error) {
	client, err := wappalyzer.New()
	if err != nil {
		return nil, err
	}

	categoryNamesOnce.Do(func() {
		categoryNames = make(map[int]string)
		for id, cat := range wappalyzer.GetCategoriesMapping() {
			categoryNames[id] = cat.Name
		}
	})

	return &Detector{client: client}, nil
}

// Detect identifies technologies from HTTP headers and body.
func (d *Detector) Detect(headers http.Header, body []byte) *Result {
	if len(body) > MaxBodySample {
		body = body[:MaxBodySample]
	}
	if headers == nil {
		headers = make(http.Header)
	}

	result := &Result{Technologies: make(map[string][]string)}
	for tech, info := range d.client.FingerprintWithCats(headers, body) {
		categories := make([]string, 0, len(info.Cats))
		for _, id := range info.Cats {
			if name, ok := categoryNames[id]; ok {
				categories = append(categories, name)
			}
		}
		result.Technologies[tech] = categories
	}
	return result
}

// Platform returns the technology names for domain, fingerprinting the given
// page only the first time the domain is seen.
func (d *Detector) Platform(domain string, headers http.Header, body []byte) []string {
	if cached, ok := d.byDomain.Load(domain); ok {
		return cached.(*Result).Names()
	}

	result := d.Detect(headers, body)
	actual, loaded := d.byDomain.LoadOrStore(domain, result)
	names := actual.(*Result).Names()
	if !loaded && len(names) > 0 {
		log.Debug().
			Str("domain", domain).
			Strs("platform", names).
			Msg("Detected landing page platform")
	}
	return names
}

// Domains returns how many domains have been fingerprinted.
func (d *Detector) Domains() int {
	n := 0
	d.byDomain.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

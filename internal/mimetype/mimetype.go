// Package mimetype classifies successful responses as documents, datasets or pages.
package mimetype

import (
	"mime"
	"regexp"
	"strings"

	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
	"github.com/Harvey-AU/doc-resolver/internal/sniff"
	"github.com/rs/zerolog/log"
)

var documentTypes = map[string]struct{}{
	"application/pdf":     {},
	"application/x-pdf":   {},
	"application/acrobat": {},
	"application/vnd.pdf": {},
	"applications/pdf":    {},
	"text/pdf":            {},
	"text/x-pdf":          {},
}

var datasetTypes = map[string]struct{}{
	"text/csv":                  {},
	"application/csv":           {},
	"text/tab-separated-values": {},
	"application/vnd.ms-excel":  {},

	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": {},
	"application/vnd.oasis.opendocument.spreadsheet":                    {},

	"application/zip":              {},
	"application/x-zip-compressed": {},
	"application/gzip":             {},
	"application/x-gzip":           {},
	"application/x-tar":            {},
	"application/x-bzip2":          {},
	"application/x-7z-compressed":  {},

	"application/x-netcdf":           {},
	"application/x-hdf":              {},
	"application/x-hdf5":             {},
	"application/vnd.apache.parquet": {},
}

var genericTypes = map[string]struct{}{
	"application/octet-stream":   {},
	"binary/octet-stream":        {},
	"application/force-download": {},
	"application/x-download":     {},
	"application/download":       {},
	"application/binary":         {},
	"application/unknown":        {},
	"application/x-unknown":      {},
	"unknown/unknown":            {},
}

var pageTypes = map[string]struct{}{
	"text/html":             {},
	"application/xhtml+xml": {},
	"text/plain":            {},
}

var (
	documentURLRe = regexp.MustCompile(`(?i)pdf`)
	datasetURLRe  = regexp.MustCompile(`(?i)(\.(csv|tsv|xlsx?|ods|zip|tar|tgz|gz|bz2|7z|nc|h5|hdf5?|sav|dta|rdata|parquet)([?#;]|$))|/api/access/datafile/|/datafile/|/dataset/.+/download`)
	parensRe      = regexp.MustCompile(`\([^)]*\)`)
)

// Input carries what is known about a successful response.
type Input struct {
	URL                string
	ContentType        string
	ContentDisposition string

	// Sniff inspects the body. It is called at most once and only when the
	// headers cannot decide.
	Sniff func() (sniff.Kind, error)
}

// StripParams removes parenthetical notes and parameters from a declared type:
// "application/pdf; charset=binary" -> "application/pdf".
func StripParams(contentType string) string {
	ct := parensRe.ReplaceAllString(contentType, "")
	if idx := strings.IndexAny(ct, ";,"); idx >= 0 {
		ct = ct[:idx]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// IsDocumentType reports whether contentType is a known document type.
func IsDocumentType(contentType string) bool {
	_, ok := documentTypes[StripParams(contentType)]
	return ok
}

// IsGeneric reports whether contentType is an octet-stream style placeholder.
func IsGeneric(contentType string) bool {
	_, ok := genericTypes[StripParams(contentType)]
	return ok
}

// Classify decides what a successful response holds. Rules apply in order:
// exact document/dataset types, generic types confirmed by disposition or URL,
// body sniffing when nothing is declared, and finally HTML/text as a page.
func Classify(in Input) retrieval.Kind {
	ct := StripParams(in.ContentType)

	if IsDocumentType(ct) {
		return retrieval.KindDocument
	}
	if _, ok := datasetTypes[ct]; ok {
		return retrieval.KindDataset
	}

	if IsGeneric(ct) {
		if kind := fromName(dispositionFilename(in.ContentDisposition)); kind != retrieval.KindUnknown {
			return kind
		}
		if kind := fromName(in.URL); kind != retrieval.KindUnknown {
			return kind
		}
		return sniffed(in)
	}

	if ct == "" {
		if kind := fromName(dispositionFilename(in.ContentDisposition)); kind != retrieval.KindUnknown {
			return kind
		}
		return sniffed(in)
	}

	if _, ok := pageTypes[ct]; ok || strings.HasPrefix(ct, "text/") {
		return retrieval.KindPage
	}

	log.Debug().
		Str("url", in.URL).
		Str("content_type", ct).
		Msg("Unrecognised content type")
	return retrieval.KindUnknown
}

func fromName(name string) retrieval.Kind {
	if name == "" {
		return retrieval.KindUnknown
	}
	if documentURLRe.MatchString(name) {
		return retrieval.KindDocument
	}
	if datasetURLRe.MatchString(name) {
		return retrieval.KindDataset
	}
	return retrieval.KindUnknown
}

func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(header); err == nil {
		if name := params["filename"]; name != "" {
			return name
		}
	}
	// Malformed headers are common; fall back to the raw value.
	return header
}

func sniffed(in Input) retrieval.Kind {
	if in.Sniff == nil {
		return retrieval.KindUnknown
	}
	kind, err := in.Sniff()
	if err != nil {
		log.Debug().Err(err).Str("url", in.URL).Msg("Body sniff failed")
		return retrieval.KindUnknown
	}
	switch kind {
	case sniff.HTML:
		return retrieval.KindPage
	case sniff.PDF:
		return retrieval.KindDocument
	default:
		return retrieval.KindUnknown
	}
}

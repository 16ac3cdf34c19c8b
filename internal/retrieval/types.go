package retrieval

import "time"

// Input is one (optional id, url) pair from the batch source.
type Input struct {
	ID  string `json:"id,omitempty"`
	URL string `json:"url"`
}

// Outcome is the terminal state of one input record.
type Outcome string

const (
	OutcomeTarget      Outcome = "target"
	OutcomeUnreachable Outcome = "unreachable"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeRecross     Outcome = "recross"
)

// Kind is the classification of a successful response.
type Kind int

const (
	KindUnknown Kind = iota
	KindDocument
	KindDataset
	KindPage
)

func (k Kind) String() string {
	switch k {
	case KindDocument:
		return "document"
	case KindDataset:
		return "dataset"
	case KindPage:
		return "page"
	default:
		return "unknown"
	}
}

// IsTarget reports whether the kind is a downloadable target.
func (k Kind) IsTarget() bool {
	return k == KindDocument || k == KindDataset
}

// TargetEntry is the provenance stored in the resolved target index.
type TargetEntry struct {
	ID        string `json:"id,omitempty"`
	SourceURL string `json:"source_url"`
	MimeType  string `json:"mime_type,omitempty"`
}

// Record is one output row. Exactly one is emitted per input record; re-cross
// notifications are additional rows with Outcome set to OutcomeRecross.
type Record struct {
	ID            string    `json:"id,omitempty"`
	SourceURL     string    `json:"source_url"`
	PageURL       string    `json:"page_url,omitempty"`
	ResolvedURL   string    `json:"resolved_url,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	WasChecked    bool      `json:"was_checked"`
	WasValid      bool      `json:"was_valid"`
	WasAccessible bool      `json:"was_accessible"`
	WasDirectLink bool      `json:"was_direct_link"`
	CouldRetry    bool      `json:"could_retry"`
	Hash          string    `json:"hash,omitempty"`
	Size          int64     `json:"size,omitempty"`
	MimeType      string    `json:"mime_type,omitempty"`
	FilePath      string    `json:"file_path,omitempty"`
	Error         string    `json:"error,omitempty"`
	Platform      []string  `json:"platform,omitempty"`
	OriginalID    string    `json:"original_id,omitempty"`
	ResolvedAt    time.Time `json:"resolved_at"`
}

// Purpose is the caller class of a connection: landing pages need a body and a
// longer redirect budget, inner links are probes.
type Purpose int

const (
	PurposePage Purpose = iota
	PurposeInnerLink
)

func (p Purpose) String() string {
	if p == PurposeInnerLink {
		return "inner_link"
	}
	return "page"
}

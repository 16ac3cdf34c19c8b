package engine

import (
	"sync/atomic"
	"time"

	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
)

// Stats counts record outcomes for the run summary.
type Stats struct {
	checked      atomic.Int64
	found        atomic.Int64
	direct       atomic.Int64
	problematic  atomic.Int64
	duplicate    atomic.Int64
	recross      atomic.Int64
	downloaded   atomic.Int64
	notRetrieved atomic.Int64
}

func (s *Stats) observe(rec retrieval.Record) {
	if rec.WasChecked {
		s.checked.Add(1)
	}
	switch rec.Outcome {
	case retrieval.OutcomeTarget:
		s.found.Add(1)
		if rec.WasDirectLink {
			s.direct.Add(1)
		}
		if rec.FilePath != "" {
			s.downloaded.Add(1)
		} else if rec.Error != "" {
			s.notRetrieved.Add(1)
		}
	case retrieval.OutcomeUnreachable:
		s.problematic.Add(1)
	case retrieval.OutcomeDuplicate:
		s.duplicate.Add(1)
	case retrieval.OutcomeRecross:
		s.recross.Add(1)
	}
}

// Summary is the aggregate report for one run.
type Summary struct {
	RunID          string        `json:"run_id"`
	Records        int64         `json:"records"`
	Checked        int64         `json:"checked"`
	Found          int64         `json:"found"`
	Direct         int64         `json:"direct"`
	Problematic    int64         `json:"problematic"`
	Duplicate      int64         `json:"duplicate"`
	Recross        int64         `json:"recross"`
	Downloaded     int64         `json:"downloaded"`
	NotRetrieved   int64         `json:"not_retrieved"`
	BlockedDomains int           `json:"blocked_domains"`
	SlowScanRuns   int64         `json:"slow_scan_runs"`
	SlowScanHits   int64         `json:"slow_scan_hits"`
	SlowScanOn     bool          `json:"slow_scan_enabled"`
	Duration       time.Duration `json:"duration"`
}

// HitRate returns found / checked, or 0 with nothing checked.
func (s Summary) HitRate() float64 {
	if s.Checked == 0 {
		return 0
	}
	return float64(s.Found) / float64(s.Checked)
}

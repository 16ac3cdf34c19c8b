// Package batch reads input records from and writes output records to JSON Lines files.
package batch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
	"github.com/rs/zerolog/log"
)

// DefaultBatchSize is the number of inputs returned per NextBatch call.
const DefaultBatchSize = 500

const maxLineBytes = 1 << 20

// Source yields inputs from a JSONL stream. Each line is either an object
// {"id": "...", "url": "..."} or a bare URL. Blank lines and lines starting
// with '#' are skipped.
type Source struct {
	mu        sync.Mutex
	scanner   *bufio.Scanner
	closer    io.Closer
	batchSize int
	line      int
	done      bool
}

// NewSource wraps r. If r is an io.Closer it is closed at end of input.
func NewSource(r io.Reader, batchSize int) *Source {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	s := &Source{scanner: sc, batchSize: batchSize}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// NextBatch returns up to batchSize inputs; an empty slice means end of input.
// Malformed lines are logged and skipped.
func (s *Source) NextBatch(ctx context.Context) ([]retrieval.Input, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return nil, nil
	}

	batch := make([]retrieval.Input, 0, s.batchSize)
	for len(batch) < s.batchSize {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		if !s.scanner.Scan() {
			s.done = true
			if s.closer != nil {
				s.closer.Close()
			}
			if err := s.scanner.Err(); err != nil {
				return batch, fmt.Errorf("read input line %d: %w", s.line+1, err)
			}
			break
		}
		s.line++

		in, ok, err := parseLine(s.scanner.Text())
		if err != nil {
			log.Warn().Err(err).Int("line", s.line).Msg("Skipping malformed input line")
			continue
		}
		if ok {
			batch = append(batch, in)
		}
	}
	return batch, nil
}

func parseLine(line string) (retrieval.Input, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return retrieval.Input{}, false, nil
	}
	if !strings.HasPrefix(line, "{") {
		return retrieval.Input{URL: line}, true, nil
	}

	var in retrieval.Input
	if err := json.Unmarshal([]byte(line), &in); err != nil {
		return retrieval.Input{}, false, fmt.Errorf("decode input: %w", err)
	}
	in.URL = strings.TrimSpace(in.URL)
	if in.URL == "" {
		return retrieval.Input{}, false, fmt.Errorf("input without url")
	}
	return in, true, nil
}

package batch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
)

// Sink writes one JSON object per record. It is safe for concurrent use.
type Sink struct {
	mu      sync.Mutex
	w       *bufio.Writer
	closer  io.Closer
	enc     *json.Encoder
	written int
}

// NewSink wraps w. If w is an io.Closer, Close closes it.
func NewSink(w io.Writer) *Sink {
	bw := bufio.NewWriter(w)
	s := &Sink{w: bw, enc: json.NewEncoder(bw)}
	s.enc.SetEscapeHTML(false)
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Emit writes rec and flushes so a crash loses at most the current line.
func (s *Sink) Emit(_ context.Context, rec retrieval.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush record: %w", err)
	}
	s.written++
	return nil
}

// Written returns the number of records emitted.
func (s *Sink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Close flushes and closes the underlying writer.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

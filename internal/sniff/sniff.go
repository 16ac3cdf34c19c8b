// Package sniff decides what an undeclared response body holds by looking at
// its first non-blank line.
package sniff

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
)

// Kind is the sniffed content class.
type Kind int

const (
	Undefined Kind = iota
	HTML
	PDF
)

func (k Kind) String() string {
	switch k {
	case HTML:
		return "html"
	case PDF:
		return "pdf"
	default:
		return "undefined"
	}
}

const (
	bufferSize    = 64 * 1024
	maxLeadingGap = 32 * 1024
	maxLineProbe  = 4 * 1024
)

var (
	htmlStartRe = regexp.MustCompile(`(?i)^\s*<(!doctype\s)?html`)
	pdfMagic    = []byte("%PDF-")
	bom         = []byte{0xEF, 0xBB, 0xBF}
)

// Result is the outcome of Sniff. For HTML the body is still open and Body
// replays it from the start of FirstLine. For PDF and Undefined the body has
// been closed; a PDF must be fetched again from byte 0.
type Result struct {
	Kind      Kind
	FirstLine string

	body io.ReadCloser
}

// Body returns the resumable reader for HTML results, nil otherwise.
func (r Result) Body() io.ReadCloser {
	return r.body
}

type replayBody struct {
	*bufio.Reader
	closer io.Closer
}

func (b *replayBody) Close() error {
	return b.closer.Close()
}

// Sniff inspects body. Leading whitespace-only lines and a UTF-8 BOM are discarded.
func Sniff(body io.ReadCloser) (Result, error) {
	if body == nil {
		return Result{}, errors.New("nil body")
	}

	br := bufio.NewReaderSize(body, bufferSize)
	if err := skipLeadingBlank(br); err != nil {
		body.Close()
		if errors.Is(err, io.EOF) {
			return Result{Kind: Undefined}, nil
		}
		return Result{}, err
	}

	head, err := br.Peek(maxLineProbe)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		body.Close()
		return Result{}, fmt.Errorf("peek body: %w", err)
	}

	line := head
	if idx := bytes.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = bytes.TrimRight(line, "\r")

	switch {
	case htmlStartRe.Match(line):
		return Result{
			Kind:      HTML,
			FirstLine: string(line),
			body:      &replayBody{Reader: br, closer: body},
		}, nil
	case bytes.HasPrefix(line, pdfMagic):
		body.Close()
		return Result{Kind: PDF, FirstLine: string(line)}, nil
	default:
		body.Close()
		return Result{Kind: Undefined, FirstLine: string(line)}, nil
	}
}

// skipLeadingBlank consumes whitespace and byte order marks before the first
// meaningful byte. It returns io.EOF if nothing else follows.
func skipLeadingBlank(br *bufio.Reader) error {
	skipped := 0
	for skipped < maxLeadingGap {
		if p, err := br.Peek(len(bom)); err == nil && bytes.Equal(p, bom) {
			if _, err := br.Discard(len(bom)); err != nil {
				return err
			}
			skipped += len(bom)
			continue
		}

		b, err := br.ReadByte()
		if err != nil {
			return err
		}
		switch b {
		case ' ', '\t', '\r', '\n', '\f', '\v', 0:
			skipped++
			continue
		}
		return br.UnreadByte()
	}
	return io.EOF
}

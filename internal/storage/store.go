package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/kennygrant/sanitize"
)

// DefaultMaxFileBytes caps a single download.
const DefaultMaxFileBytes = 200 << 20

// ErrNotRetrieved means the target was resolved but its bytes were not kept.
var ErrNotRetrieved = errors.New("not retrieved")

// Stored describes a persisted file.
type Stored struct {
	Path string
	Hash string // Hex SHA-256 of the content
	Size int64
}

var extensionByType = map[string]string{
	"application/pdf":          ".pdf",
	"text/csv":                 ".csv",
	"application/zip":          ".zip",
	"application/gzip":         ".gz",
	"application/vnd.ms-excel": ".xls",

	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": ".xlsx",
}

// FileName derives a safe file name from the target URL, adding an extension
// for mimeType when the URL has none.
func FileName(target, mimeType string) string {
	base := "download"
	if u, err := url.Parse(target); err == nil {
		if b := path.Base(u.Path); b != "" && b != "/" && b != "." {
			base = b
		}
	}
	name := sanitize.Name(base)
	if name == "" || name == "." {
		name = "download"
	}
	if path.Ext(name) == "" {
		if ext, ok := extensionByType[strings.ToLower(mimeType)]; ok {
			name += ext
		}
	}
	return name
}

// copyHashed copies at most limit bytes of src into dst and returns the size
// and hex SHA-256. It fails with ErrNotRetrieved when src is longer than limit.
func copyHashed(dst io.Writer, src io.Reader, limit int64) (int64, string, error) {
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, h), io.LimitReader(src, limit+1))
	if err != nil {
		return n, "", fmt.Errorf("%w: read body: %v", ErrNotRetrieved, err)
	}
	if n > limit {
		return n, "", fmt.Errorf("%w: larger than %d bytes", ErrNotRetrieved, limit)
	}
	if n == 0 {
		return 0, "", fmt.Errorf("%w: empty body", ErrNotRetrieved)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func checkExpected(expected, limit int64) error {
	if expected > limit {
		return fmt.Errorf("%w: declared size %d exceeds %d bytes", ErrNotRetrieved, expected, limit)
	}
	return nil
}

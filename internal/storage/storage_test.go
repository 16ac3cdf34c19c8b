package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func TestFileName(t *testing.T) {
	tests := []struct {
		target   string
		mimeType string
		want     string
	}{
		{"https://repo.example/files/report.pdf", "application/pdf", "report.pdf"},
		{"https://repo.example/download?id=3", "application/pdf", "download.pdf"},
		{"https://repo.example/", "text/csv", "download.csv"},
		{"https://repo.example/data/table", "application/x-unknown", "table"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			assert.Equal(t, tt.want, FileName(tt.target, tt.mimeType))
		})
	}
}

func TestDiskStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir, 1024)
	require.NoError(t, err)

	content := "%PDF-1.7 body"
	stored, err := store.Store(context.Background(), strings.NewReader(content), "paper.pdf", int64(len(content)))
	require.NoError(t, err)

	assert.Equal(t, sum(content), stored.Hash)
	assert.Equal(t, int64(len(content)), stored.Size)
	assert.Equal(t, filepath.Join(dir, sum(content)[:16]+"-paper.pdf"), stored.Path)

	data, err := os.ReadFile(stored.Path)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))

	// Same content stored again maps to the same file.
	again, err := store.Store(context.Background(), strings.NewReader(content), "paper.pdf", 0)
	require.NoError(t, err)
	assert.Equal(t, stored.Path, again.Path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestDiskStoreNotRetrieved(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir, 8)
	require.NoError(t, err)

	tests := []struct {
		name     string
		body     string
		expected int64
	}{
		{"too large", "0123456789", 0},
		{"declared too large", "0123", 100},
		{"empty", "", 0},
		{"truncated", "0123", 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Store(context.Background(), strings.NewReader(tt.body), "x.pdf", tt.expected)
			assert.True(t, errors.Is(err, ErrNotRetrieved), "got %v", err)
		})
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClientStore(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(srv.URL, "service-key", "targets", 1024)
	content := "%PDF-1.4 remote"
	stored, err := client.Store(context.Background(), bytes.NewBufferString(content), "paper.pdf", 0)
	require.NoError(t, err)

	hash := sum(content)
	assert.Equal(t, "/storage/v1/object/targets/"+hash[:2]+"/"+hash+"-paper.pdf", gotPath)
	assert.Equal(t, "Bearer service-key", gotAuth)
	assert.Equal(t, content, string(gotBody))
	assert.Equal(t, "targets/"+hash[:2]+"/"+hash+"-paper.pdf", stored.Path)
	assert.Equal(t, srv.URL+"/storage/v1/object/public/"+stored.Path, client.PublicURL(stored.Path))
}

func TestClientStoreUploadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bucket not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := New(srv.URL, "k", "missing", 0)
	_, err := client.Store(context.Background(), strings.NewReader("data"), "a.csv", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.False(t, errors.Is(err, ErrNotRetrieved))
}

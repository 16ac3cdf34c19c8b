// Package storage keeps downloaded targets, either on local disk or in a
// Supabase Storage bucket.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client uploads downloaded targets to Supabase Storage.
type Client struct {
	baseURL    string
	serviceKey string
	bucket     string
	maxBytes   int64
	httpClient *http.Client
}

// New creates a new Storage client
func New(supabaseURL, serviceKey, bucket string, maxBytes int64) *Client {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}
	return &Client{
		baseURL:    supabaseURL + "/storage/v1",
		serviceKey: serviceKey,
		bucket:     bucket,
		maxBytes:   maxBytes,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Store buffers body, hashes it and uploads it under "<hash[:2]>/<hash>-<name>".
func (c *Client) Store(ctx context.Context, body io.Reader, name string, expectedSize int64) (Stored, error) {
	if err := checkExpected(expectedSize, c.maxBytes); err != nil {
		return Stored{}, err
	}

	var buf bytes.Buffer
	size, hash, err := copyHashed(&buf, body, c.maxBytes)
	if err != nil {
		return Stored{}, err
	}
	if expectedSize > 0 && size != expectedSize {
		return Stored{}, fmt.Errorf("%w: truncated body (%d of %d bytes)", ErrNotRetrieved, size, expectedSize)
	}

	objectPath := fmt.Sprintf("%s/%s-%s", hash[:2], hash, FileName(name, ""))
	stored, err := c.Upload(ctx, c.bucket, objectPath, buf.Bytes(), http.DetectContentType(buf.Bytes()))
	if err != nil {
		return Stored{}, err
	}
	return Stored{Path: stored, Hash: hash, Size: size}, nil
}

// Upload uploads a file to the specified bucket and path
// Returns the full path of the uploaded file
func (c *Client) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	url := fmt.Sprintf("%s/object/%s/%s", c.baseURL, bucket, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true") // Same hash, same bytes

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Sprintf("%s/%s", bucket, path), nil
}

// PublicURL returns the public URL for a stored path (if the bucket is public).
func (c *Client) PublicURL(storedPath string) string {
	return fmt.Sprintf("%s/object/public/%s", c.baseURL, storedPath)
}

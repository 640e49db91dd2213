// Package upload delivers finished clips to the backend. Every delivery
// attempt removes the local file afterwards, whatever the outcome: a clip
// that failed to upload is lost rather than left to fill the disk.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Path is the backend's upload route.
const Path = "/api/sound-events/upload"

// bodyExcerpt bounds how much of an error response is kept.
const bodyExcerpt = 512

// StatusError reports a non-2xx backend response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upload: backend returned %d", e.Code)
	}
	return fmt.Sprintf("upload: backend returned %d: %s", e.Code, e.Body)
}

// Client posts clips as multipart form uploads.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient validates baseURL and returns a Client for its upload route.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upload: invalid backend url %q", baseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: strings.TrimRight(baseURL, "/") + Path,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With("component", "upload"),
	}, nil
}

// Upload sends the file at path in the "video" field. There is no retry.
func (c *Client) Upload(ctx context.Context, path string) error {
	defer removeArtifact(path, c.logger)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("upload: open: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	written := make(chan error, 1)
	go func() {
		part, err := mw.CreateFormFile("video", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
		written <- err
	}()
	// The writer goroutine must be gone before the file is closed.
	defer func() {
		pr.Close()
		<-written
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, pr)
	if err != nil {
		return fmt.Errorf("upload: request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-API-KEY", c.apiKey)

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload: post: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, bodyExcerpt))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	c.logger.Info("clip uploaded", "file", filepath.Base(path), "status", resp.StatusCode, "took", time.Since(started))
	return nil
}

func removeArtifact(path string, logger *slog.Logger) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("artifact cleanup failed", "file", path, "error", err)
	}
}

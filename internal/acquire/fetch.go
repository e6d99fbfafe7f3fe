// Package acquire downloads pretrained release archives and unpacks them.
package acquire

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"resty.dev/v3"

	"github.com/born-ml/stemconv/internal/logging"
)

// PartSuffix marks an incomplete download.
const PartSuffix = ".part"

// Downloader fetches a URL into a local file.
type Downloader interface {
	Download(ctx context.Context, url, dest string) error
}

// Fetcher downloads over HTTP.
type Fetcher struct {
	client *resty.Client
}

var _ Downloader = (*Fetcher)(nil)

// NewFetcher returns a fetcher with a per-request timeout. A zero timeout
// disables it.
func NewFetcher(timeout time.Duration) *Fetcher {
	c := resty.New().SetHeader("User-Agent", "stemconv")
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return &Fetcher{client: c}
}

// Close releases the underlying client.
func (f *Fetcher) Close() error {
	return f.client.Close()
}

// Download streams url into dest+".part" and renames it to dest once the
// body is complete. Non-2xx responses are errors; dest is never left
// half-written.
func (f *Fetcher) Download(ctx context.Context, url, dest string) error {
	log := logging.FromContext(ctx)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	body := resp.RawResponse.Body
	defer func() {
		_ = body.Close()
	}()
	if !resp.IsSuccess() {
		return fmt.Errorf("GET %s: unexpected status %s", url, resp.Status())
	}

	part := dest + PartSuffix
	out, err := os.Create(part) //nolint:gosec // G304: path built from the work directory.
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", part, err)
	}
	n, err := io.Copy(out, body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("download %s: %w", url, err)
	}
	if err := os.Rename(part, dest); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("failed to finalize download: %w", err)
	}

	log.Info("downloaded archive", "url", url, "path", dest, "bytes", n)
	return nil
}

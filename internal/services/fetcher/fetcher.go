// Package fetcher downloads web videos to local files.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"resty.dev/v3"

	"github.com/amaumene/episodarr/internal/ports"
	"github.com/amaumene/episodarr/internal/utils"
)

const userAgent = "episodarr/1.0"

// Client streams remote files to disk
type Client struct {
	client *resty.Client
	retry  utils.RetryPolicy
	logger *logrus.Logger
}

// NewClient creates a new fetcher
func NewClient(retry utils.RetryPolicy, logger *logrus.Logger) *Client {
	client := resty.New().
		SetHeader("User-Agent", userAgent)

	return &Client{
		client: client,
		retry:  retry,
		logger: logger,
	}
}

// Close releases the underlying HTTP client
func (c *Client) Close() error {
	return c.client.Close()
}

// Download fetches url into destination. The body is written to a partial file that is
// renamed into place once complete; a failed attempt restarts from zero.
func (c *Client) Download(ctx context.Context, url, destination string, progress ports.ProgressFunc) error {
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	partial := destination + ".partial"

	var written int64
	err := utils.Retry(ctx, c.retry, c.logger, "download", func() error {
		n, err := c.fetch(ctx, url, partial, progress)
		written = n
		return err
	})
	if err != nil {
		os.Remove(partial)
		return fmt.Errorf("failed to download %s: %w", url, err)
	}

	if err := os.Rename(partial, destination); err != nil {
		return fmt.Errorf("failed to move download into place: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"url":         url,
		"destination": destination,
		"size":        humanize.Bytes(uint64(written)),
	}).Info("Download finished")
	return nil
}

// Bytes fetches a small payload such as a .torrent file into memory
func (c *Client) Bytes(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := utils.Retry(ctx, c.retry, c.logger, "fetch", func() error {
		resp, err := c.client.R().
			SetContext(ctx).
			Get(url)
		if err != nil {
			return err
		}
		if code := resp.StatusCode(); code >= http.StatusBadRequest {
			err := fmt.Errorf("unexpected status %d", code)
			if code < http.StatusInternalServerError && code != http.StatusTooManyRequests {
				return utils.Permanent(err)
			}
			return err
		}
		body = resp.Bytes()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	return body, nil
}

// fetch runs one attempt
func (c *Client) fetch(ctx context.Context, url, partial string, progress ports.ProgressFunc) (int64, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	code := resp.StatusCode()
	if code >= http.StatusBadRequest {
		err := fmt.Errorf("unexpected status %d", code)
		if code < http.StatusInternalServerError && code != http.StatusTooManyRequests {
			return 0, utils.Permanent(err)
		}
		return 0, err
	}

	file, err := os.Create(partial)
	if err != nil {
		return 0, utils.Permanent(fmt.Errorf("failed to create partial file: %w", err))
	}
	defer file.Close()

	total := int64(-1)
	if resp.RawResponse != nil && resp.RawResponse.ContentLength > 0 {
		total = resp.RawResponse.ContentLength
	}

	counter := &progressWriter{total: total, started: time.Now(), report: progress}
	n, err := io.Copy(io.MultiWriter(file, counter), resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to stream body: %w", err)
	}
	if total > 0 && n != total {
		return n, fmt.Errorf("short body: got %d of %d bytes", n, total)
	}
	if err := file.Sync(); err != nil {
		return n, fmt.Errorf("failed to flush partial file: %w", err)
	}

	if progress != nil {
		if total <= 0 {
			total = n
		}
		progress(ports.Progress{Downloaded: n, Total: total, Speed: counter.speed()})
	}
	return n, nil
}

// progressWriter counts streamed bytes and reports them
type progressWriter struct {
	written int64
	total   int64
	started time.Time
	report  ports.ProgressFunc
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if w.report != nil {
		w.report(ports.Progress{Downloaded: w.written, Total: w.total, Speed: w.speed()})
	}
	return len(p), nil
}

func (w *progressWriter) speed() int64 {
	elapsed := time.Since(w.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(w.written) / elapsed)
}

// Package transfer moves bytes between the remote store and the local cache
// directory: atomic downloads and uploads through short-lived transfer
// URLs, with integrity verified against the server-provided digest and
// concurrency capped by a semaphore.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/sync/semaphore"

	"github.com/nordkyrie/yadisksync/internal/restapi"
)

// DefaultMaxConcurrent is the default number of simultaneous transfers.
const DefaultMaxConcurrent = 4

// Result reports the outcome of a successful transfer.
type Result struct {
	Hash string
	Size int64
}

// IntegrityError indicates the downloaded bytes' digest didn't match the
// server-provided expectation.
type IntegrityError struct {
	Path     string
	Expected string
	Got      string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("transfer: integrity mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Got)
}

// Client performs atomic download/upload operations against cache_path,
// respecting a concurrency cap and cooperative cancellation.
type Client struct {
	rest       restapi.Client
	httpClient *http.Client
	sem        *semaphore.Weighted
	bandwidth  *BandwidthLimiter
}

// New returns a Client that issues transfer-URL requests via rest and caps
// concurrent transfers at maxConcurrent (DefaultMaxConcurrent if <= 0).
func New(rest restapi.Client, maxConcurrent int64) *Client {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	return &Client{
		rest:       rest,
		httpClient: http.DefaultClient,
		sem:        semaphore.NewWeighted(maxConcurrent),
	}
}

// WithBandwidthLimiter attaches a shared bandwidth limiter, capping the
// aggregate throughput of every transfer this client performs.
func (c *Client) WithBandwidthLimiter(bl *BandwidthLimiter) *Client {
	c.bandwidth = bl
	return c
}

// Download streams remotePath to cachePath via a short-lived URL, writing to
// cachePath+".partial" first and renaming atomically on success. Any
// .partial left over from a prior run is discarded and restarted — resume
// is not attempted. If expectedHash is non-empty and the computed digest
// doesn't match, the partial file is removed and IntegrityError is returned.
func (c *Client) Download(ctx context.Context, remotePath, cachePath, expectedHash string) (Result, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("transfer: download %s: acquiring slot: %w", remotePath, err)
	}
	defer c.sem.Release(1)

	url, err := c.rest.GetDownloadURL(ctx, remotePath)
	if err != nil {
		return Result{}, fmt.Errorf("transfer: download %s: getting URL: %w", remotePath, err)
	}

	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return Result{}, fmt.Errorf("transfer: download %s: creating cache dir: %w", remotePath, err)
	}

	partialPath := cachePath + ".partial"

	// Discard any partial left by a crashed prior attempt; no resume for MVP.
	_ = os.Remove(partialPath)

	f, err := os.OpenFile(partialPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Result{}, fmt.Errorf("transfer: download %s: creating partial: %w", remotePath, err)
	}

	hash := sha256.New()
	dst := io.Writer(io.MultiWriter(f, hash))
	size, err := c.stream(ctx, url, c.bandwidth.WrapWriter(ctx, dst))
	closeErr := f.Close()

	if err != nil {
		os.Remove(partialPath)

		return Result{}, fmt.Errorf("transfer: download %s: %w", remotePath, err)
	}

	if closeErr != nil {
		os.Remove(partialPath)

		return Result{}, fmt.Errorf("transfer: download %s: closing partial: %w", remotePath, closeErr)
	}

	digest := hex.EncodeToString(hash.Sum(nil))

	if expectedHash != "" && digest != expectedHash {
		os.Remove(partialPath)

		return Result{}, &IntegrityError{Path: remotePath, Expected: expectedHash, Got: digest}
	}

	if err := os.Rename(partialPath, cachePath); err != nil {
		return Result{}, fmt.Errorf("transfer: download %s: renaming into place: %w", remotePath, err)
	}

	return Result{Hash: digest, Size: size}, nil
}

// Upload streams cachePath to remotePath via a short-lived upload URL. The
// server overwrites by contract, so no conditional-put logic is needed here.
func (c *Client) Upload(ctx context.Context, cachePath, remotePath string) (Result, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("transfer: upload %s: acquiring slot: %w", remotePath, err)
	}
	defer c.sem.Release(1)

	url, err := c.rest.GetUploadURL(ctx, remotePath, true)
	if err != nil {
		return Result{}, fmt.Errorf("transfer: upload %s: getting URL: %w", remotePath, err)
	}

	f, err := os.Open(cachePath)
	if err != nil {
		return Result{}, fmt.Errorf("transfer: upload %s: opening local file: %w", remotePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("transfer: upload %s: stat: %w", remotePath, err)
	}

	hash := sha256.New()
	body := c.bandwidth.WrapReader(ctx, io.TeeReader(f, hash))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return Result{}, fmt.Errorf("transfer: upload %s: building request: %w", remotePath, err)
	}

	req.ContentLength = info.Size()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("transfer: upload %s: %w", remotePath, classifyNetErr(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return Result{}, restapi.ClassifyStatus(resp.StatusCode, resp.Status)
	}

	return Result{Hash: hex.EncodeToString(hash.Sum(nil)), Size: info.Size()}, nil
}

// stream GETs url and copies the body into dst, returning the byte count.
func (c *Client) stream(ctx context.Context, url string, dst io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return 0, restapi.ClassifyStatus(resp.StatusCode, resp.Status)
	}

	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, fmt.Errorf("streaming body: %w", classifyNetErr(err))
	}

	return n, nil
}

// classifyNetErr wraps a raw network error as transient — local I/O and
// network timeouts both get one more retry by the engine's backoff loop.
func classifyNetErr(err error) error {
	return &restapi.ClassifiedError{Kind: restapi.KindTransient, Message: err.Error(), Err: restapi.ErrTransient}
}

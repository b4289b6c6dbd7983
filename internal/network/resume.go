package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// DownloadRequest describes one whole-file fetch to disk.
type DownloadRequest struct {
	URL      string
	DestPath string
	// Client defaults to the shared pooled client when nil.
	Client *http.Client
	// MaxRetries bounds how many times a mid-body transport failure is
	// retried before the fetch fails. 0 means a single attempt.
	MaxRetries int
	// Progress, if set, is called as bytes land on disk. total is -1
	// when the origin declared no content length.
	Progress func(written, total int64)
}

// retryBackoff is the pause between transport attempts.
const retryBackoff = 500 * time.Millisecond

// FetchWithResume streams req.URL to req.DestPath, creating the
// destination directory as needed. A transport failure mid-body is
// retried up to MaxRetries times, resuming from the bytes already on
// disk via a Range request; an origin that ignores the Range header and
// replays the whole resource resets the file and starts over. Resume
// state never outlives the call — a terminal failure leaves the partial
// file for the caller to discard.
func FetchWithResume(ctx context.Context, req DownloadRequest) (int64, error) {
	client := req.Client
	if client == nil {
		client = GetDefaultClient()
	}

	if err := os.MkdirAll(filepath.Dir(req.DestPath), 0755); err != nil {
		return 0, fmt.Errorf("network: failed to create destination directory: %w", err)
	}
	f, err := os.Create(req.DestPath)
	if err != nil {
		return 0, fmt.Errorf("network: failed to create destination file: %w", err)
	}
	defer f.Close()

	var written int64
	var total int64 = -1
	var lastErr error

	for attempt := 0; attempt <= req.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return written, ctx.Err()
			case <-time.After(retryBackoff):
			}
		}

		n, t, err := fetchOnce(ctx, client, req.URL, f, written, total, req.Progress)
		written, total = n, t
		if err == nil {
			return written, nil
		}
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		lastErr = err
	}

	return written, fmt.Errorf("network: fetch failed after %d attempts: %w", req.MaxRetries+1, lastErr)
}

// fetchOnce runs a single transport attempt, resuming at offset written
// when possible. It returns the new written count, the resolved total
// (-1 if still unknown), and nil only when the whole resource is on
// disk.
func fetchOnce(ctx context.Context, client *http.Client, url string, f *os.File, written, total int64, progress func(written, total int64)) (int64, int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return written, total, err
	}
	if written > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", written))
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return written, total, err
	}
	defer resp.Body.Close()

	switch {
	case written > 0 && resp.StatusCode == http.StatusPartialContent:
		// Resuming where we left off.
	case resp.StatusCode == http.StatusOK:
		// Either a fresh fetch, or the origin ignored the Range header
		// and is replaying the whole resource: start the file over.
		if written > 0 {
			if err := f.Truncate(0); err != nil {
				return written, total, fmt.Errorf("network: failed to reset partial file: %w", err)
			}
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return written, total, err
			}
			written = 0
		}
		if resp.ContentLength > 0 {
			total = resp.ContentLength
		}
	default:
		return written, total, fmt.Errorf("network: unexpected status %d", resp.StatusCode)
	}
	if total < 0 && resp.ContentLength > 0 {
		total = written + resp.ContentLength
	}

	buf := make([]byte, 256*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return written, total, fmt.Errorf("network: failed to write to file: %w", werr)
			}
			written += int64(n)
			if progress != nil {
				progress(written, total)
			}
		}
		if readErr == io.EOF {
			if total > 0 && written < total {
				// The origin closed the stream early; the caller's retry
				// loop picks up from written.
				return written, total, io.ErrUnexpectedEOF
			}
			return written, total, nil
		}
		if readErr != nil {
			return written, total, readErr
		}
	}
}

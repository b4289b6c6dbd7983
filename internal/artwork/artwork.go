// Package artwork does the best-effort cover art fetch that rides along
// a completed track download: pull the image the catalog pointed at,
// optionally resize it, and write it next to the decrypted track. None
// of this is required for playback, so failures here are never fatal to
// a download task.
package artwork

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/nfnt/resize"
)

// Fetcher downloads and optionally resizes cover art.
type Fetcher struct {
	client *http.Client
	size   int
}

// NewFetcher builds a Fetcher. targetSize is the longest-edge pixel size
// images are resized to before being written; 0 disables resizing.
func NewFetcher(targetSize int) *Fetcher {
	return &Fetcher{
		client: &http.Client{Timeout: 30 * time.Second},
		size:   targetSize,
	}
}

// FetchToFile downloads url and writes it (resized if configured) to
// destPath as a JPEG, creating destPath's directory if needed. Errors are
// always recoverable by the caller: a missing or unresizable image is not
// a reason to fail a download task.
func (f *Fetcher) FetchToFile(ctx context.Context, url, destPath string) error {
	if url == "" {
		return fmt.Errorf("artwork: empty URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("artwork: failed to build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("artwork: fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("artwork: unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("artwork: failed to read body: %w", err)
	}

	encoded, err := f.resize(raw)
	if err != nil {
		// Resize is best-effort: fall back to the original bytes rather
		// than failing the whole fetch over a decode quirk.
		encoded = raw
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("artwork: failed to create destination directory: %w", err)
	}
	if err := os.WriteFile(destPath, encoded, 0644); err != nil {
		return fmt.Errorf("artwork: failed to write %s: %w", destPath, err)
	}
	return nil
}

func (f *Fetcher) resize(raw []byte) ([]byte, error) {
	if f.size <= 0 {
		return raw, nil
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("artwork: failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	var resized image.Image
	if bounds.Dx() >= bounds.Dy() {
		resized = resize.Resize(uint(f.size), 0, img, resize.Lanczos3)
	} else {
		resized = resize.Resize(0, uint(f.size), img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("artwork: failed to encode resized image: %w", err)
	}
	return buf.Bytes(), nil
}

// Package stream implements the two consumer-facing surfaces over an
// encrypted Deezer audio stream: a blocking push-pull input source, and
// an asynchronous byte-range resource loader. Both sit on top of the
// chunk codec in internal/crypto.
package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/deemusic/deemusic-go/internal/network"
)

// RangeFetcher is the abstract HTTP collaborator this package depends on,
// kept separate from the codec so tests can drive it with a fake.
// httpRangeFetcher below is the concrete production implementation, built
// on a pooled HTTP client.
type RangeFetcher interface {
	// Fetch issues a GET to url. If length >= 0, it sends
	// "Range: bytes=start-start+length-1"; if length < 0, it fetches from
	// start to the end of the resource. The returned ReadCloser yields raw
	// ciphertext in stream order; the caller must Close it.
	Fetch(ctx context.Context, url string, start, length int64) (io.ReadCloser, error)
}

// httpRangeFetcher is the RangeFetcher backed by net/http, using the
// shared connection-pooled download client.
type httpRangeFetcher struct {
	client *http.Client
}

// NewHTTPRangeFetcher returns a RangeFetcher that issues real HTTP
// requests via a shared, connection-pooled client.
func NewHTTPRangeFetcher() RangeFetcher {
	return &httpRangeFetcher{client: network.GetDownloadClient(network.DefaultClientConfig().Timeout)}
}

func (f *httpRangeFetcher) Fetch(ctx context.Context, url string, start, length int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("stream: failed to build request: %w", err)
	}

	if start > 0 || length >= 0 {
		if length >= 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, start+length-1))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream: fetch failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, fmt.Errorf("stream: unexpected status %d", resp.StatusCode)
	}

	return resp.Body, nil
}

package stream

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/deemusic/deemusic-go/internal/crypto"
)

// RangeLoader answers arbitrary byte-range read requests over an
// encrypted track without materializing the whole file, for native
// media frameworks that address content by offset/length instead of a
// sequential stream. Every request's mutable state is only ever touched
// from a single actor goroutine, so a late HTTP callback can never race
// a concurrent cancellation.
type RangeLoader struct {
	key         []byte
	url         string
	fetcher     RangeFetcher
	policy      crypto.CipherFailurePolicy
	totalLength int64
	contentType string

	cmds     chan func()
	requests map[string]*rangeRequest

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

type rangeRequest struct {
	id     string
	cancel context.CancelFunc
	done   bool
}

// NewRangeLoader builds a RangeLoader for a track whose declared total
// length is already known (populated by a prior track-info lookup).
// contentType is the descriptor's hint ("flac", "mp3", a full MIME type,
// or empty) and only affects what FillContentInfo reports.
func NewRangeLoader(key []byte, url string, fetcher RangeFetcher, policy crypto.CipherFailurePolicy, totalLength int64, contentType string) *RangeLoader {
	l := &RangeLoader{
		key:         key,
		url:         url,
		fetcher:     fetcher,
		policy:      policy,
		totalLength: totalLength,
		contentType: contentType,
		cmds:        make(chan func(), 64),
		requests:    make(map[string]*rangeRequest),
		closed:      make(chan struct{}),
	}
	l.wg.Add(1)
	go l.actor()
	return l
}

// actor is the single goroutine that owns l.requests. Every mutation of
// request state is submitted here as a closure instead of guarded by a
// mutex, so ordering between "data arrived" and "cancel requested" is
// whatever order they were submitted in, never a data race.
func (l *RangeLoader) actor() {
	defer l.wg.Done()
	for {
		select {
		case <-l.closed:
			return
		case fn := <-l.cmds:
			fn()
		}
	}
}

func (l *RangeLoader) submit(fn func()) {
	select {
	case <-l.closed:
	case l.cmds <- fn:
	}
}

// submitWait runs fn on the actor and blocks until it has run, or the
// loader is closed first (in which case fn never runs).
func (l *RangeLoader) submitWait(fn func()) {
	done := make(chan struct{})
	l.submit(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-l.closed:
	}
}

// ContentInfo is what FillContentInfo reports to the decoder before any
// data request: how long the resource is, that byte-range reads are
// supported, and a MIME hint for the payload.
type ContentInfo struct {
	Length         int64
	SupportsRanges bool
	MIMEType       string
}

// FillContentInfo reports the declared resource metadata. Everything is
// already known from the track-info registry by the time a loader is
// constructed, so this is a synchronous, side-effect-free call.
func (l *RangeLoader) FillContentInfo(ctx context.Context) (ContentInfo, error) {
	return ContentInfo{
		Length:         l.totalLength,
		SupportsRanges: true,
		MIMEType:       mimeTypeForHint(l.contentType),
	}, nil
}

// mimeTypeForHint normalizes the descriptor's content-type hint: flac
// and mp3/mpeg map to their concrete audio MIME types, anything else
// gets the generic audio hint — the payload format is opaque to this
// package either way.
func mimeTypeForHint(hint string) string {
	switch {
	case strings.Contains(hint, "flac"):
		return "audio/flac"
	case strings.Contains(hint, "mp3"), strings.Contains(hint, "mpeg"):
		return "audio/mpeg"
	default:
		return "audio/*"
	}
}

// BeginDataRequest starts an asynchronous range read for [offset,
// offset+length). onData is invoked (from the actor goroutine, never
// concurrently with itself or with another callback for the same id)
// once per delivered cleartext slice; onComplete is invoked exactly
// once, with nil on natural completion or a non-nil error, unless the
// request was cancelled first, in which case onComplete is never called.
func (l *RangeLoader) BeginDataRequest(ctx context.Context, id string, offset, length int64, onData func([]byte), onComplete func(error)) error {
	if offset < 0 || offset >= l.totalLength {
		return fmt.Errorf("stream: range request offset %d out of bounds [0,%d)", offset, l.totalLength)
	}
	if length < 0 || offset+length > l.totalLength {
		length = l.totalLength - offset
	}

	alignedStart := (offset / crypto.ChunkSize) * crypto.ChunkSize
	dropBytes := int(offset - alignedStart)
	chunkIndexStart := int(alignedStart / crypto.ChunkSize)
	endOffset := offset + length
	alignedEnd := ((endOffset + crypto.ChunkSize - 1) / crypto.ChunkSize) * crypto.ChunkSize
	if alignedEnd > l.totalLength {
		alignedEnd = l.totalLength
	}
	fetchLength := alignedEnd - alignedStart

	codec, err := crypto.NewRangeCodec(l.key, l.policy, chunkIndexStart, dropBytes, length)
	if err != nil {
		return fmt.Errorf("stream: failed to build range codec: %w", err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req := &rangeRequest{id: id, cancel: cancel}

	l.submitWait(func() {
		if old, ok := l.requests[id]; ok {
			old.cancel()
		}
		l.requests[id] = req
	})

	l.wg.Add(1)
	go l.runRequest(reqCtx, req, codec, alignedStart, fetchLength, onData, onComplete)
	return nil
}

func (l *RangeLoader) runRequest(ctx context.Context, req *rangeRequest, codec *crypto.RangeCodec, start, length int64, onData func([]byte), onComplete func(error)) {
	defer l.wg.Done()

	body, err := l.fetcher.Fetch(ctx, l.url, start, length)
	if err != nil {
		l.finishRequest(req, err, onComplete)
		return
	}
	defer body.Close()

	buf := make([]byte, 64*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			plain, decErr := codec.Feed(buf[:n])
			if decErr != nil {
				l.finishRequest(req, decErr, onComplete)
				return
			}
			if len(plain) > 0 {
				l.deliver(req, plain, onData)
			}
		}
		if readErr == io.EOF {
			tail, flushErr := codec.Flush()
			if flushErr != nil {
				l.finishRequest(req, flushErr, onComplete)
				return
			}
			if len(tail) > 0 {
				l.deliver(req, tail, onData)
			}
			l.finishRequest(req, nil, onComplete)
			return
		}
		if readErr != nil {
			l.finishRequest(req, readErr, onComplete)
			return
		}
		if codec.Done() {
			l.finishRequest(req, nil, onComplete)
			return
		}
	}
}

// deliver posts a data callback through the actor so it can never run
// concurrently with a cancel or completion callback for the same request.
func (l *RangeLoader) deliver(req *rangeRequest, plain []byte, onData func([]byte)) {
	l.submitWait(func() {
		if current, ok := l.requests[req.id]; !ok || current != req || current.done {
			return
		}
		onData(plain)
	})
}

func (l *RangeLoader) finishRequest(req *rangeRequest, err error, onComplete func(error)) {
	l.submitWait(func() {
		current, ok := l.requests[req.id]
		if !ok || current != req || current.done {
			return
		}
		current.done = true
		delete(l.requests, req.id)
		onComplete(err)
	})
}

// CancelDataRequest stops an in-flight request. Its onComplete callback
// is guaranteed not to fire after this returns.
func (l *RangeLoader) CancelDataRequest(id string) {
	l.submitWait(func() {
		req, ok := l.requests[id]
		if !ok {
			return
		}
		req.done = true
		delete(l.requests, id)
		req.cancel()
	})
}

// Close cancels every in-flight request and stops the actor goroutine.
func (l *RangeLoader) Close() {
	l.closeOnce.Do(func() {
		l.submitWait(func() {
			for id, req := range l.requests {
				req.cancel()
				delete(l.requests, id)
			}
		})
		close(l.closed)
	})
	l.wg.Wait()
}

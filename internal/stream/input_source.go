package stream

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/deemusic/deemusic-go/internal/crypto"
	"github.com/deemusic/deemusic-go/internal/monitoring"
)

// waitQuantum bounds every blocking wait inside InputSource so a reader
// stuck in Read/Seek notices cancellation promptly without tight
// spinning.
const waitQuantum = 100 * time.Millisecond

// InputSource is the synchronous, blocking push-pull surface a native
// audio decoder reads from as if it were a local file, while a producer
// goroutine is still pulling ciphertext from the origin.
type InputSource struct {
	key     []byte
	url     string
	fetcher RangeFetcher
	policy  crypto.CipherFailurePolicy

	mu   sync.Mutex
	cond *sync.Cond

	totalLength     int64
	bytesDownloaded int64
	bytesWritten    int64
	readOffset      int64

	open             bool
	downloadComplete bool
	downloadFailed   bool
	cancelled        bool
	fetchErr         error

	tempPath  string
	writeFile *os.File
	readFile  *os.File

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInputSource builds an InputSource for a track of declared
// totalLength bytes, fetched from url and decrypted with key.
func NewInputSource(key []byte, totalLength int64, url string, fetcher RangeFetcher, policy crypto.CipherFailurePolicy) *InputSource {
	s := &InputSource{
		key:         key,
		url:         url,
		fetcher:     fetcher,
		policy:      policy,
		totalLength: totalLength,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Open allocates the temp file and starts the background fetcher.
// Idempotent: calling Open on an already-open source is a no-op.
func (s *InputSource) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return nil
	}

	f, err := os.CreateTemp("", "deemusic-stream-*.tmp")
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("stream: failed to create temp file: %w", err)
	}
	readFile, err := os.Open(f.Name())
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		s.mu.Unlock()
		return fmt.Errorf("stream: failed to open temp file for reading: %w", err)
	}

	s.tempPath = f.Name()
	s.writeFile = f
	s.readFile = readFile
	s.open = true

	fetchCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	monitoring.ActiveStreams.Inc()

	s.wg.Add(2)
	go s.runProducer(fetchCtx)
	go s.runTicker(fetchCtx)

	return nil
}

// runTicker periodically wakes any blocked waiter so Read/Seek notice
// cancellation within one wait quantum even absent a new data commit.
func (s *InputSource) runTicker(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(waitQuantum)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.cond.Broadcast()
			return
		case <-ticker.C:
			s.cond.Broadcast()
		}
	}
}

// runProducer pulls the whole ciphertext stream, decrypts it chunk by
// chunk, and commits cleartext to the write handle under the state lock.
func (s *InputSource) runProducer(ctx context.Context) {
	defer s.wg.Done()

	codec, err := crypto.NewStreamCodec(s.key, s.policy)
	if err != nil {
		s.finishProducer(err)
		return
	}

	body, err := s.fetcher.Fetch(ctx, s.url, 0, -1)
	if err != nil {
		s.finishProducer(err)
		return
	}
	defer body.Close()

	buf := make([]byte, 64*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.bytesDownloaded += int64(n)
			s.mu.Unlock()

			plain, decErr := codec.Feed(buf[:n])
			if decErr != nil {
				s.finishProducer(decErr)
				return
			}
			if err := s.commit(plain); err != nil {
				s.finishProducer(err)
				return
			}
		}
		if readErr == io.EOF {
			if err := s.commit(codec.Flush()); err != nil {
				s.finishProducer(err)
				return
			}
			s.finishProducer(nil)
			return
		}
		if readErr != nil {
			s.finishProducer(readErr)
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// commit writes decrypted bytes to the write handle and advances
// bytesWritten, then wakes any waiting reader.
func (s *InputSource) commit(plain []byte) error {
	if len(plain) == 0 {
		return nil
	}
	if _, err := s.writeFile.Write(plain); err != nil {
		return fmt.Errorf("stream: temp file write failed: %w", err)
	}
	s.mu.Lock()
	s.bytesWritten += int64(len(plain))
	s.mu.Unlock()
	s.cond.Broadcast()
	return nil
}

func (s *InputSource) finishProducer(err error) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		s.cond.Broadcast()
		return
	}
	if err != nil {
		s.downloadFailed = true
		s.fetchErr = err
	} else {
		s.downloadComplete = true
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Read fills buf starting at readOffset, blocking until all len(buf)
// bytes have been written or the fetch reaches a terminal state. It
// returns short (including zero) only at EOF or cancellation. If the
// fetch failed but earlier bytes are still available, those are
// delivered first and the error is saved for the next call.
func (s *InputSource) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	for {
		if s.cancelled {
			s.mu.Unlock()
			return 0, nil
		}

		avail := s.bytesWritten - s.readOffset
		terminal := s.downloadComplete || s.downloadFailed
		if avail >= int64(len(buf)) || (terminal && avail > 0) {
			n := int64(len(buf))
			if n > avail {
				n = avail
			}
			off := s.readOffset
			s.mu.Unlock()

			read, err := s.readFile.ReadAt(buf[:n], off)
			if err != nil && err != io.EOF {
				return read, fmt.Errorf("stream: temp file read failed: %w", err)
			}
			s.mu.Lock()
			s.readOffset += int64(read)
			s.mu.Unlock()
			return read, nil
		}

		if s.downloadFailed {
			err := s.fetchErr
			s.mu.Unlock()
			return 0, err
		}
		if s.downloadComplete {
			s.mu.Unlock()
			return 0, nil
		}

		s.cond.Wait()
	}
}

// Seek blocks until bytesWritten reaches offset, or the fetch completes,
// fails, or is cancelled, then repositions readOffset. Seeking past the
// declared length is allowed; the next Read simply returns EOF.
func (s *InputSource) Seek(offset int64) error {
	s.mu.Lock()
	for offset > s.bytesWritten && !s.downloadComplete && !s.downloadFailed && !s.cancelled {
		s.cond.Wait()
	}
	if s.downloadFailed && offset > s.bytesWritten {
		err := s.fetchErr
		s.mu.Unlock()
		return err
	}
	s.readOffset = offset
	s.mu.Unlock()
	return nil
}

// Length returns the declared ciphertext/cleartext length, available
// immediately: decryption is length-preserving.
func (s *InputSource) Length() int64 {
	return s.totalLength
}

// Offset returns the next byte position a Read will start from.
func (s *InputSource) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOffset
}

// SupportsSeeking always reports true: the temp-file backing makes every
// offset addressable once it has been written.
func (s *InputSource) SupportsSeeking() bool {
	return true
}

// IsOpen reports whether Open has been called and Close has not.
func (s *InputSource) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Close cancels the fetcher, releases both file handles, and deletes the
// temp file. Safe to call multiple times and from any caller, including
// a final-owner destructor.
func (s *InputSource) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.cancelled = true
	cancel := s.cancel
	writeFile, readFile, tempPath := s.writeFile, s.readFile, s.tempPath
	s.open = false
	s.mu.Unlock()
	s.cond.Broadcast()
	monitoring.ActiveStreams.Dec()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if writeFile != nil {
		writeFile.Close()
	}
	if readFile != nil {
		readFile.Close()
	}
	if tempPath != "" {
		os.Remove(tempPath)
	}
	return nil
}

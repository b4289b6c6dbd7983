package crypto

import (
	"fmt"

	"github.com/deemusic/deemusic-go/internal/monitoring"
)

// CipherFailurePolicy controls what the codec does when a chunk that
// should be decrypted fails to decrypt. This never happens with a
// correct key and well-formed Blowfish ciphertext, but is kept as an
// explicit, testable knob rather than a hard-coded choice.
type CipherFailurePolicy int

const (
	// PassthroughOnFailure emits the ciphertext unmodified for a chunk
	// whose decryption failed. This is the Deezer-compatible default:
	// one bad key byte should still yield audible audio when the broken
	// chunks fall outside critical bitstream headers.
	PassthroughOnFailure CipherFailurePolicy = iota
	// AbortOnFailure surfaces the cipher error and stops the stream.
	AbortOnFailure
)

// StreamCodec decrypts a growing ciphertext stream starting at grid
// offset 0, emitting cleartext of the same total length. It is the
// "stream mode" codec used by the download manager and the streaming
// input source's whole-file fetch.
type StreamCodec struct {
	cipher     *ChunkCipher
	policy     CipherFailurePolicy
	chunkIndex int
	buffer     []byte
}

// NewStreamCodec creates a stream-mode codec for the given track key.
func NewStreamCodec(key []byte, policy CipherFailurePolicy) (*StreamCodec, error) {
	cipher, err := NewChunkCipher(key)
	if err != nil {
		return nil, err
	}
	return &StreamCodec{cipher: cipher, policy: policy}, nil
}

// Feed appends ciphertext and returns the cleartext produced by any
// complete 2048-byte chunks now available. Residual bytes are buffered
// until the next Feed or Flush.
func (s *StreamCodec) Feed(data []byte) ([]byte, error) {
	s.buffer = append(s.buffer, data...)

	var out []byte
	for len(s.buffer) >= ChunkSize {
		chunk := s.buffer[:ChunkSize]
		s.buffer = s.buffer[ChunkSize:]

		plain, err := s.decryptIfDue(chunk, s.chunkIndex)
		if err != nil {
			return out, err
		}
		out = append(out, plain...)
		s.chunkIndex++
	}
	monitoring.BytesDecryptedTotal.Add(float64(len(out)))
	return out, nil
}

// Flush emits any residual buffered bytes verbatim. The final, short
// chunk of a stream is never encrypted, so no decryption is attempted.
func (s *StreamCodec) Flush() []byte {
	if len(s.buffer) == 0 {
		return nil
	}
	out := s.buffer
	s.buffer = nil
	monitoring.BytesDecryptedTotal.Add(float64(len(out)))
	return out
}

func (s *StreamCodec) decryptIfDue(chunk []byte, index int) ([]byte, error) {
	if !ChunkEncrypted(index, len(chunk)) {
		return chunk, nil
	}
	plain, err := s.cipher.DecryptChunk(chunk)
	if err != nil {
		if s.policy == AbortOnFailure {
			return nil, fmt.Errorf("crypto: chunk %d decrypt failed: %w", index, err)
		}
		monitoring.ChunkCipherFailuresTotal.Inc()
		return chunk, nil
	}
	return plain, nil
}

// RangeCodec decrypts a ciphertext stream that starts at an arbitrary
// chunk-aligned grid offset, dropping a caller-specified prefix from the
// first emitted chunk and truncating total output to requestedLength.
// This is the "range mode" codec used by the range resource loader.
type RangeCodec struct {
	cipher          *ChunkCipher
	policy          CipherFailurePolicy
	chunkIndex      int
	dropBytes       int
	requestedLength int64
	bytesResponded  int64
	buffer          []byte
	done            bool
}

// NewRangeCodec creates a range-mode codec. chunkIndexStart is
// alignedStart/2048, dropBytes is requestedOffset-alignedStart, and
// requestedLength bounds total emitted bytes.
func NewRangeCodec(key []byte, policy CipherFailurePolicy, chunkIndexStart int, dropBytes int, requestedLength int64) (*RangeCodec, error) {
	cipher, err := NewChunkCipher(key)
	if err != nil {
		return nil, err
	}
	return &RangeCodec{
		cipher:          cipher,
		policy:          policy,
		chunkIndex:      chunkIndexStart,
		dropBytes:       dropBytes,
		requestedLength: requestedLength,
	}, nil
}

// Done reports whether bytesResponded has reached requestedLength.
func (r *RangeCodec) Done() bool {
	return r.done
}

// BytesResponded returns the number of cleartext bytes emitted so far.
func (r *RangeCodec) BytesResponded() int64 {
	return r.bytesResponded
}

// Feed appends ciphertext and returns the cleartext slice to deliver to
// the caller, honoring dropBytes (applied once, before length truncation)
// and requestedLength. Returns nil data once Done().
func (r *RangeCodec) Feed(data []byte) ([]byte, error) {
	if r.done {
		return nil, nil
	}
	r.buffer = append(r.buffer, data...)

	var out []byte
	for len(r.buffer) >= ChunkSize && !r.done {
		chunk := r.buffer[:ChunkSize]
		r.buffer = r.buffer[ChunkSize:]

		emitted, err := r.emitChunk(chunk)
		if err != nil {
			return out, err
		}
		out = append(out, emitted...)
		r.chunkIndex++
	}
	return out, nil
}

// Flush emits the final short chunk, subject to the same drop/truncate
// rules, and marks the codec done.
func (r *RangeCodec) Flush() ([]byte, error) {
	if r.done || len(r.buffer) == 0 {
		r.done = true
		return nil, nil
	}
	chunk := r.buffer
	r.buffer = nil
	out, err := r.emitChunk(chunk)
	r.done = true
	return out, err
}

func (r *RangeCodec) emitChunk(chunk []byte) ([]byte, error) {
	plain, err := r.decryptIfDue(chunk)
	if err != nil {
		return nil, err
	}

	// Drop bytes always applies before length truncation, and always
	// after decryption.
	if r.dropBytes > 0 {
		drop := r.dropBytes
		if drop > len(plain) {
			drop = len(plain)
		}
		plain = plain[drop:]
		r.dropBytes -= drop
	}

	remaining := r.requestedLength - r.bytesResponded
	if int64(len(plain)) > remaining {
		plain = plain[:remaining]
	}

	r.bytesResponded += int64(len(plain))
	if r.bytesResponded >= r.requestedLength {
		r.done = true
	}
	monitoring.BytesDecryptedTotal.Add(float64(len(plain)))
	return plain, nil
}

func (r *RangeCodec) decryptIfDue(chunk []byte) ([]byte, error) {
	if !ChunkEncrypted(r.chunkIndex, len(chunk)) {
		return chunk, nil
	}
	plain, err := r.cipher.DecryptChunk(chunk)
	if err != nil {
		if r.policy == AbortOnFailure {
			return nil, fmt.Errorf("crypto: chunk %d decrypt failed: %w", r.chunkIndex, err)
		}
		monitoring.ChunkCipherFailuresTotal.Inc()
		return chunk, nil
	}
	return plain, nil
}

// DecryptStream is a convenience wrapper that runs StreamCodec
// start-to-finish over a full in-memory ciphertext buffer. Used by the
// download manager's whole-file post-download decryption pass.
func DecryptStream(key []byte, policy CipherFailurePolicy, ciphertext []byte) ([]byte, error) {
	codec, err := NewStreamCodec(key, policy)
	if err != nil {
		return nil, err
	}
	out, err := codec.Feed(ciphertext)
	if err != nil {
		return nil, err
	}
	out = append(out, codec.Flush()...)
	return out, nil
}

package stream

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/deemusic/deemusic-go/internal/crypto"
	"github.com/deemusic/deemusic-go/internal/registry"
)

func encryptTestTrack(t *testing.T, trackID string, plain []byte) []byte {
	t.Helper()
	key, err := crypto.DeriveTrackKey(trackID)
	if err != nil {
		t.Fatalf("DeriveTrackKey: %v", err)
	}
	cipher, err := crypto.NewChunkCipher(key)
	if err != nil {
		t.Fatalf("NewChunkCipher: %v", err)
	}

	var out []byte
	for i := 0; i*crypto.ChunkSize < len(plain); i++ {
		start := i * crypto.ChunkSize
		end := start + crypto.ChunkSize
		if end > len(plain) {
			end = len(plain)
		}
		chunk := plain[start:end]
		if crypto.ChunkEncrypted(i, len(chunk)) {
			ciphertext, err := cipher.EncryptChunk(chunk)
			if err != nil {
				t.Fatalf("EncryptChunk: %v", err)
			}
			out = append(out, ciphertext...)
		} else {
			out = append(out, chunk...)
		}
	}
	return out
}

func TestNewInputSourceFromDescriptorDecryptsTrack(t *testing.T) {
	const trackID = "3135556"
	plain := make([]byte, crypto.ChunkSize*3+200)
	for i := range plain {
		plain[i] = byte(i % 251)
	}
	ciphertext := encryptTestTrack(t, trackID, plain)

	desc := &registry.TrackDescriptor{
		TrackID:       trackID,
		EncryptedURL:  "https://example.invalid/track.mp3",
		ContentLength: int64(len(ciphertext)),
	}

	src, err := NewInputSourceFromDescriptor(desc, newFakeFetcher(ciphertext), crypto.PassthroughOnFailure)
	if err != nil {
		t.Fatalf("NewInputSourceFromDescriptor: %v", err)
	}
	defer src.Close()

	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := src.Length(); got != int64(len(ciphertext)) {
		t.Fatalf("Length() = %d, want %d", got, len(ciphertext))
	}

	buf := make([]byte, len(plain))
	read := 0
	for read < len(buf) {
		n, err := src.Read(buf[read:])
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n == 0 {
			t.Fatal("Read returned 0 bytes before EOF was expected")
		}
		read += n
	}
	if !bytes.Equal(buf, plain) {
		t.Fatal("decrypted output does not match original plaintext")
	}
}

func TestNewRangeLoaderFromDescriptorUsesDerivedKey(t *testing.T) {
	const trackID = "3135556"
	plain := make([]byte, crypto.ChunkSize*2)
	for i := range plain {
		plain[i] = byte(i % 97)
	}
	ciphertext := encryptTestTrack(t, trackID, plain)

	desc := &registry.TrackDescriptor{
		TrackID:       trackID,
		EncryptedURL:  "https://example.invalid/track.mp3",
		ContentLength: int64(len(plain)),
		RegisteredAt:  time.Now(),
	}

	loader, err := NewRangeLoaderFromDescriptor(desc, newFakeFetcher(ciphertext), crypto.PassthroughOnFailure)
	if err != nil {
		t.Fatalf("NewRangeLoaderFromDescriptor: %v", err)
	}
	defer loader.Close()

	var mu sync.Mutex
	var got []byte
	complete := make(chan error, 1)

	err = loader.BeginDataRequest(context.Background(), "req-1", 0, int64(len(plain)),
		func(data []byte) {
			mu.Lock()
			got = append(got, data...)
			mu.Unlock()
		},
		func(err error) { complete <- err },
	)
	if err != nil {
		t.Fatalf("BeginDataRequest: %v", err)
	}

	select {
	case err := <-complete:
		if err != nil {
			t.Fatalf("request completed with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete within 2s")
	}

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(got, plain) {
		t.Fatal("range-loaded output does not match original plaintext, wrong key derived")
	}
}

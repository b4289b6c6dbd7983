// Package crypto implements the Deezer chunk-obfuscation scheme: a
// per-track Blowfish-CBC key derivation and a chunk codec that applies it
// to every third 2048-byte chunk of an audio stream.
package crypto

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// blowfishSecret is the fixed Deezer secret XOR'd into the MD5 hash of the
// track ID to produce the 16-byte Blowfish key. MUST NOT be changed.
const blowfishSecret = "g4el58wc0zvf9na1"

// TrackKeySize is the length in bytes of a derived track key.
const TrackKeySize = 16

// DeriveTrackKey derives the 16-byte Blowfish key for a track.
//
// H = lowercase hex(MD5(trackID)), 32 ASCII characters. The key is built
// by XORing the ASCII codepoints of H's two halves against the secret,
// NOT by XORing raw MD5 bytes — that distinction is load-bearing.
func DeriveTrackKey(trackID string) ([]byte, error) {
	if trackID == "" {
		return nil, fmt.Errorf("crypto: track ID cannot be empty")
	}

	sum := md5.Sum([]byte(trackID))
	hexHash := hex.EncodeToString(sum[:])
	if len(hexHash) != 32 {
		return nil, fmt.Errorf("crypto: unexpected MD5 hex length for track %s", trackID)
	}

	key := make([]byte, TrackKeySize)
	for i := 0; i < TrackKeySize; i++ {
		key[i] = hexHash[i] ^ hexHash[i+16] ^ blowfishSecret[i]
	}
	return key, nil
}

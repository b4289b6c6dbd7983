package crypto

import (
	"crypto/cipher"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blowfish"
)

// ChunkSize is the fixed grid size of the obfuscation scheme. A chunk is
// eligible for decryption only when it is exactly this many bytes.
const ChunkSize = 2048

// fixedIVHex is the constant CBC initialization vector used for every
// encrypted chunk.
const fixedIVHex = "0001020304050607"

// ChunkCipher decrypts (or encrypts) individual 2048-byte chunks with
// Blowfish-CBC under a fixed IV. A fresh cipher.BlockMode is created per
// chunk, matching the reference implementation: CBC state must not carry
// over between chunks that are not contiguous in ciphertext order.
type ChunkCipher struct {
	block cipher.Block
	iv    []byte
}

// NewChunkCipher builds a ChunkCipher from a 16-byte track key.
func NewChunkCipher(key []byte) (*ChunkCipher, error) {
	block, err := blowfish.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to init blowfish cipher: %w", err)
	}
	iv, err := hex.DecodeString(fixedIVHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to decode IV: %w", err)
	}
	return &ChunkCipher{block: block, iv: iv}, nil
}

// DecryptChunk decrypts exactly one ChunkSize-byte chunk in place-safe
// fashion, returning a new slice. chunk must be exactly ChunkSize bytes.
func (c *ChunkCipher) DecryptChunk(chunk []byte) ([]byte, error) {
	if len(chunk) != ChunkSize {
		return nil, fmt.Errorf("crypto: chunk must be %d bytes, got %d", ChunkSize, len(chunk))
	}
	out := make([]byte, ChunkSize)
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, chunk)
	return out, nil
}

// EncryptChunk encrypts exactly one ChunkSize-byte chunk, the inverse of
// DecryptChunk. Used by tests and by anything that needs to reproduce
// ciphertext (e.g. round-trip fixtures).
func (c *ChunkCipher) EncryptChunk(chunk []byte) ([]byte, error) {
	if len(chunk) != ChunkSize {
		return nil, fmt.Errorf("crypto: chunk must be %d bytes, got %d", ChunkSize, len(chunk))
	}
	out := make([]byte, ChunkSize)
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, chunk)
	return out, nil
}

// ChunkEncrypted reports whether the chunk at the given zero-based grid
// index is subject to encryption, per the grid rule: every third aligned
// chunk, and only if it is a full ChunkSize bytes (the final short chunk
// of a stream is always cleartext).
func ChunkEncrypted(index int, length int) bool {
	return index%3 == 0 && length == ChunkSize
}

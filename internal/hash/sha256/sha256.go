// Package sha256 names archived payloads by content digest.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher produces hex SHA-256 digests, optionally truncated.
type Hasher struct {
	length int
}

// New returns a hasher emitting full 64-character digests.
func New() *Hasher {
	return &Hasher{}
}

// NewShort returns a hasher that keeps the first n hex characters.
func NewShort(n int) *Hasher {
	return &Hasher{length: n}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.length > 0 && h.length < len(digest) {
		digest = digest[:h.length]
	}
	return digest, nil
}

// Package sha256 names archived recordings by content digest.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements calls.Hasher.
type Hasher struct {
	// Length truncates the hex digest when positive.
	Length int
}

// New returns a Hasher producing the first length hex characters; 0 keeps all 64.
func New(length int) *Hasher {
	return &Hasher{Length: length}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.Length > 0 && h.Length < len(digest) {
		digest = digest[:h.Length]
	}
	return digest, nil
}

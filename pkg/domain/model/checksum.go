package model

import (
	"crypto/sha256"
	"encoding/hex"
)

// Checksum computes the content checksum for memory text. Retrieval
// deduplication and rescue dedup both key on this value, so it must be
// stable across processes.
func Checksum(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

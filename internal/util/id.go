package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier like "hold-3f2a...". The prefix
// names the entity kind so identifiers stay recognizable in logs and
// audit trails; 16 random bytes keep collisions out of the picture.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	suffix := hex.EncodeToString(bytes)
	if prefix == "" {
		return suffix
	}
	return prefix + "-" + suffix
}

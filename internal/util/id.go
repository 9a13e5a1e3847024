package util

import (
	"crypto/rand"
	"encoding/hex"
)

// RandomHex returns 2*n hex characters of crypto randomness.
func RandomHex(n int) string {
	if n <= 0 {
		n = 1
	}
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewID returns a URL-safe hex string ID.
func NewID() string {
	return RandomHex(12)
}

// Package idgen generates random identifiers for requests and outbound events.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// Hex returns numBytes random bytes, hex encoded. If the system random
// source fails it falls back to the current time in nanoseconds.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b)
}

// WithPrefix returns prefix followed by 24 random hex characters,
// e.g. "evt_3f9c...".
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// RequestID returns a 32 character id for an HTTP request.
func RequestID() string {
	return Hex(16)
}

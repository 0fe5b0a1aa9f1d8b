// Package util provides shared utility functions.
package util

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// RandomNonce returns a random unsigned 64-bit integer, used to tell apart
// connections opened by the same principal.
func RandomNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

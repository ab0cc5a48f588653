// Package idgen provides random ID generation for records, messages and
// client nonces.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Nonce generates a client correlation nonce: a UUID without dashes.
func Nonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// TempID generates a temporary client-side id for an optimistic record.
func TempID() string {
	return "tmp_" + uuid.NewString()
}

// IsTemp reports whether id was produced by TempID.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, "tmp_")
}

// WithPrefix returns prefix followed by 24 random hex chars, e.g.
// "esc_", "msg_" or "conv_" record ids.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns n random bytes hex-encoded.
func Hex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

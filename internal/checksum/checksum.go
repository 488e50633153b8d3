// Package checksum computes content digests used for artifact addressing.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

var sha256Re = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Valid reports whether s is a lowercase hex SHA-256 digest.
func Valid(s string) bool {
	return sha256Re.MatchString(s)
}

// Package checksum hashes archived documents so a stored copy can be checked
// against what the registry originally served.
package checksum

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// SHA256 returns the hex SHA-256 of everything read from r
func SHA256(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256Bytes returns the hex SHA-256 of data
func SHA256Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether r hashes to expected (hex, case-insensitive)
func Verify(r io.Reader, expected string) (bool, error) {
	actual, err := SHA256(r)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(actual), []byte(strings.ToLower(expected))) == 1, nil
}

// Package hashing computes content fingerprints used to compare local and
// remote document versions.
package hashing

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// Sum computes the BLAKE3-256 digest of data.
func Sum(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// SumString returns the hex encoded BLAKE3-256 digest of data.
func SumString(data []byte) string {
	return hex.EncodeToString(Sum(data))
}

// SumReader hashes everything read from r and returns the hex digest.
func SumReader(r io.Reader) (string, error) {
	if r == nil {
		return "", fmt.Errorf("reader cannot be nil")
	}
	hasher := blake3.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

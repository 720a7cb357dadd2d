// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"encoding/hex"
	"fmt"
)

// HexToBytes decodes a hex string (with or without a 0x prefix) to bytes.
func HexToBytes(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	return hex.DecodeString(s)
}

// BytesToHex encodes bytes as a plain (unprefixed) lowercase hex string.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// FixedHexToBytes decodes a hex string and rejects it unless it decodes to
// exactly n bytes. Used to decode a 32-byte reserve_pub from the subject of
// a transfer to an exchange account.
func FixedHexToBytes(s string, n int) ([]byte, error) {
	b, err := HexToBytes(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != n {
		return nil, fmt.Errorf("expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}

// PadLeft pads a byte slice with zeros on the left to reach the specified length.
func PadLeft(b []byte, length int) []byte {
	if len(b) >= length {
		return b
	}
	result := make([]byte, length)
	copy(result[length-len(b):], b)
	return result
}

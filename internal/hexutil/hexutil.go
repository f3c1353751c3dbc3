// Package hexutil renders packet payloads for logs and matches the
// hex-pattern filters accepted by the log-stream endpoint.
package hexutil

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// Format returns a space-separated hex dump, e.g. "a7 b3 02".
func Format(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(len(data) * 3)
	for i, by := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02x", by)
	}
	return b.String()
}

// NormalizePattern strips separators and 0x prefixes from a user-supplied
// hex pattern and lowercases it. Returns an error for non-hex characters or
// odd length.
func NormalizePattern(pattern string) (string, error) {
	p := strings.ToLower(pattern)
	p = strings.NewReplacer(" ", "", "-", "", ":", "", "0x", "").Replace(p)
	if p == "" {
		return "", nil
	}
	if len(p)%2 != 0 {
		return "", fmt.Errorf("hex pattern has odd length: %q", pattern)
	}
	if _, err := hex.DecodeString(p); err != nil {
		return "", fmt.Errorf("invalid hex pattern %q: %w", pattern, err)
	}
	return p, nil
}

// Matches reports whether data contains the byte sequence described by a
// normalized pattern. An empty pattern matches everything.
func Matches(data []byte, pattern string) bool {
	if pattern == "" {
		return true
	}
	needle, err := hex.DecodeString(pattern)
	if err != nil {
		return false
	}
	return bytes.Contains(data, needle)
}

package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// ContentHash computes the primary identity of a memory: SHA-256 over the
// content, a NUL separator, and a canonical fingerprint of the metadata
// subset that participates in identity (sorted tags and the memory type).
// The same content stored with the same tags and type always produces the
// same hash, on every backend, which is what deduplication and cross-store
// synchronization key on.
func ContentHash(content string, tags []string, memoryType string) string {
	h := sha256.New()
	h.Write([]byte(content))
	h.Write([]byte{0})
	h.Write([]byte(canonicalFingerprint(tags, memoryType)))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalFingerprint renders the identity-relevant metadata subset in a
// stable form: trimmed tags sorted lexicographically, then the type.
func canonicalFingerprint(tags []string, memoryType string) string {
	cleaned := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			cleaned = append(cleaned, t)
		}
	}
	sort.Strings(cleaned)

	var b strings.Builder
	b.WriteString("tags=")
	b.WriteString(strings.Join(cleaned, ","))
	b.WriteString(";type=")
	b.WriteString(strings.TrimSpace(memoryType))
	return b.String()
}

// ValidContentHash reports whether s looks like a hash this system
// produced: exactly 64 lowercase hex characters. Remote vector services
// reject longer IDs, so this doubles as the vector-ID validity check.
func ValidContentHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

package types

import (
	"math"
	"strings"
	"time"
)

// Memory represents a single content-hash-addressed memory record.
// The content hash is the primary identity: the same content with the same
// tag/type fingerprint always maps to the same hash, which is how
// deduplication and cross-backend synchronization work.
type Memory struct {
	// Core fields
	Content     string `json:"content"`      // Raw memory content (non-empty)
	ContentHash string `json:"content_hash"` // SHA-256 identity, 64 hex chars, immutable

	// Classification and organization
	Tags       []string               `json:"tags,omitempty"`        // Exact-match tags, each <= 100 chars
	MemoryType string                 `json:"memory_type,omitempty"` // Free-form label (note, decision, reference, ...)
	Metadata   map[string]interface{} `json:"metadata,omitempty"`    // Arbitrary metadata; reserved keys in types.go

	// Embedding (nil until computed)
	Embedding []float32 `json:"embedding,omitempty"`

	// Timestamps. Float Unix seconds (UTC) are authoritative; the ISO
	// strings are convenience mirrors kept within one second.
	CreatedAt    float64 `json:"created_at"`
	CreatedAtISO string  `json:"created_at_iso,omitempty"`
	UpdatedAt    float64 `json:"updated_at"`
	UpdatedAtISO string  `json:"updated_at_iso,omitempty"`

	// Soft delete. Zero means live; non-zero is the tombstone time.
	DeletedAt float64 `json:"deleted_at,omitempty"`
}

// MemoryQueryResult wraps a Memory returned from a similarity query with
// its user-visible score in [0,1] (higher = more similar) and the
// backend-native distance.
type MemoryQueryResult struct {
	Memory          *Memory `json:"memory"`
	SimilarityScore float64 `json:"similarity_score"`
	Distance        float64 `json:"distance,omitempty"`
}

// UnixSeconds converts a time.Time to float Unix seconds (UTC).
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// TimeFromUnix converts float Unix seconds back to a UTC time.Time.
func TimeFromUnix(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// ISOFromUnix renders float Unix seconds as an RFC3339 UTC string.
func ISOFromUnix(ts float64) string {
	return TimeFromUnix(ts).Format(time.RFC3339)
}

// ParseISO parses an RFC3339 string to float Unix seconds.
// Returns 0 if the string is empty or unparseable.
func ParseISO(iso string) float64 {
	if iso == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		// Second chance for fractional-second forms.
		t, err = time.Parse(time.RFC3339Nano, iso)
		if err != nil {
			return 0
		}
	}
	return UnixSeconds(t)
}

// StampNew initializes both timestamp pairs to now. Used once at creation.
func (m *Memory) StampNew(now time.Time) {
	ts := UnixSeconds(now.UTC())
	m.CreatedAt = ts
	m.UpdatedAt = ts
	m.CreatedAtISO = ISOFromUnix(ts)
	m.UpdatedAtISO = ISOFromUnix(ts)
}

// TouchUpdated advances updated_at only. created_at is never rewritten
// after creation.
func (m *Memory) TouchUpdated(now time.Time) {
	ts := UnixSeconds(now.UTC())
	if ts < m.CreatedAt {
		ts = m.CreatedAt
	}
	m.UpdatedAt = ts
	m.UpdatedAtISO = ISOFromUnix(ts)
}

// NormalizeTimestamps reconciles the float and ISO forms. The float is
// authoritative: when both are present and disagree by more than one
// second, the ISO string is recomputed. A missing float is backfilled from
// the ISO form; a missing ISO form is rendered from the float.
func (m *Memory) NormalizeTimestamps() {
	m.CreatedAt, m.CreatedAtISO = reconcileTimestamp(m.CreatedAt, m.CreatedAtISO)
	m.UpdatedAt, m.UpdatedAtISO = reconcileTimestamp(m.UpdatedAt, m.UpdatedAtISO)
	if m.UpdatedAt < m.CreatedAt {
		m.UpdatedAt = m.CreatedAt
		m.UpdatedAtISO = m.CreatedAtISO
	}
}

func reconcileTimestamp(ts float64, iso string) (float64, string) {
	switch {
	case ts == 0 && iso == "":
		return 0, ""
	case ts == 0:
		ts = ParseISO(iso)
		return ts, ISOFromUnix(ts)
	case iso == "":
		return ts, ISOFromUnix(ts)
	}
	if math.Abs(ParseISO(iso)-ts) > 1.0 {
		return ts, ISOFromUnix(ts)
	}
	return ts, iso
}

// IsDeleted reports whether the memory carries a tombstone.
func (m *Memory) IsDeleted() bool {
	return m.DeletedAt != 0
}

// HasTag reports whether the memory carries the exact tag (after trimming
// whitespace on both sides). Substring matches are deliberately not
// supported: "test" must never match "testing".
func (m *Memory) HasTag(tag string) bool {
	tag = strings.TrimSpace(tag)
	for _, t := range m.Tags {
		if strings.TrimSpace(t) == tag {
			return true
		}
	}
	return false
}

// MetaFloat reads a numeric metadata value, tolerating the numeric types
// JSON decoding produces.
func (m *Memory) MetaFloat(key string) (float64, bool) {
	if m.Metadata == nil {
		return 0, false
	}
	switch v := m.Metadata[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// MetaInt reads an integer metadata value.
func (m *Memory) MetaInt(key string) (int, bool) {
	f, ok := m.MetaFloat(key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// MetaString reads a string metadata value.
func (m *Memory) MetaString(key string) (string, bool) {
	if m.Metadata == nil {
		return "", false
	}
	s, ok := m.Metadata[key].(string)
	return s, ok
}

// MetaBool reads a boolean metadata value.
func (m *Memory) MetaBool(key string) bool {
	if m.Metadata == nil {
		return false
	}
	b, ok := m.Metadata[key].(bool)
	return ok && b
}

// SetMeta assigns a metadata key, allocating the map on first use.
func (m *Memory) SetMeta(key string, value interface{}) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]interface{})
	}
	m.Metadata[key] = value
}

// Clone returns a deep-enough copy for handing across goroutine
// boundaries: tags, the embedding slice, and the top level of the
// metadata map are copied.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Tags != nil {
		cp.Tags = append([]string(nil), m.Tags...)
	}
	if m.Embedding != nil {
		cp.Embedding = append([]float32(nil), m.Embedding...)
	}
	if m.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

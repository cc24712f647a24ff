package service

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Splitter divides oversized content into chunks no longer than MaxLen
// characters. With PreserveBoundaries set it prefers natural split
// points, trying each in priority order within the second half of the
// window: paragraph break, line break, sentence end, word break. Only
// when none exists does it cut mid-word. Consecutive chunks share
// Overlap characters so local context survives retrieval.
type Splitter struct {
	MaxLen             int
	Overlap            int
	PreserveBoundaries bool
}

// Split divides content into chunks. Content that already fits (or a
// non-positive MaxLen) comes back as a single chunk. Chunks are trimmed
// of surrounding whitespace; all-whitespace chunks are dropped.
func (s *Splitter) Split(content string) []string {
	if s.MaxLen <= 0 || utf8.RuneCountInString(content) <= s.MaxLen {
		return []string{content}
	}

	overlap := s.Overlap
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= s.MaxLen {
		overlap = s.MaxLen / 5
	}

	runes := []rune(content)
	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + s.MaxLen
		if end >= len(runes) {
			if chunk := strings.TrimSpace(string(runes[start:])); chunk != "" {
				chunks = append(chunks, chunk)
			}
			break
		}

		window := runes[start:end]
		pos := len(window)
		if s.PreserveBoundaries {
			if p := lastBoundary(window); p > 0 {
				pos = p
			}
		}

		if chunk := strings.TrimSpace(string(window[:pos])); chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := start + pos - overlap
		if next <= start {
			next = start + pos
		}
		start = next
	}
	return chunks
}

// lastBoundary finds the best split position in the window, scanning
// from the end and accepting only positions in the second half so
// chunks stay reasonably full. Returns 0 when no boundary qualifies.
// The position is the index after the boundary: the delimiter stays
// with the left chunk.
func lastBoundary(w []rune) int {
	min := len(w) / 2

	for i := len(w) - 2; i >= min; i-- {
		if w[i] == '\n' && w[i+1] == '\n' {
			return i + 2
		}
	}
	for i := len(w) - 1; i >= min; i-- {
		if w[i] == '\n' {
			return i + 1
		}
	}
	for i := len(w) - 2; i >= min; i-- {
		if isSentenceEnd(w[i]) && unicode.IsSpace(w[i+1]) {
			return i + 2
		}
	}
	for i := len(w) - 1; i >= min; i-- {
		if unicode.IsSpace(w[i]) {
			return i + 1
		}
	}
	return 0
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

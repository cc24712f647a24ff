package storage

import (
	"fmt"
	"strings"

	"github.com/scrypster/keepsake/pkg/types"
)

// CleanTags trims, deduplicates (order-preserving) and validates a tag
// list. Empty entries are dropped. Tags longer than types.MaxTagLength or
// containing commas (which would corrupt CSV storage) are rejected.
func CleanTags(tags []string) ([]string, error) {
	cleaned := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if len(t) > types.MaxTagLength {
			return nil, fmt.Errorf("%w: tag %q exceeds %d characters",
				ErrInvalidInput, t[:32]+"...", types.MaxTagLength)
		}
		if strings.Contains(t, ",") {
			return nil, fmt.Errorf("%w: tag %q must not contain commas", ErrInvalidInput, t)
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		cleaned = append(cleaned, t)
	}
	return cleaned, nil
}

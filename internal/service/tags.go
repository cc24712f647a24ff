package service

import (
	"fmt"
	"strings"

	"github.com/scrypster/keepsake/internal/storage"
)

// NormalizeTags shapes any of the tag spellings the protocol surfaces
// accept into a clean []string:
//
//	nil           -> []
//	"a"           -> ["a"]
//	"a, b, c"     -> ["a","b","c"]
//	["a","b"]     -> ["a","b"]
//
// The result is trimmed, deduplicated order-preserving, and validated
// (each tag <= 100 chars, no commas). Normalizing an already normalized
// list is a no-op.
func NormalizeTags(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return storage.CleanTags(strings.Split(v, ","))
	case []string:
		return storage.CleanTags(v)
	case []interface{}:
		tags := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: tags array must contain only strings, got %T", storage.ErrInvalidInput, item)
			}
			tags = append(tags, s)
		}
		return storage.CleanTags(tags)
	default:
		return nil, fmt.Errorf("%w: tags must be a string or an array of strings, got %T", storage.ErrInvalidInput, value)
	}
}

// mergeMetadataTags unions tags supplied inside metadata["tags"] into the
// top-level list, order-preserving with the top-level tags first, and
// removes the metadata key so tags live in exactly one place.
func mergeMetadataTags(tags []string, metadata map[string]interface{}) ([]string, error) {
	if metadata == nil {
		return tags, nil
	}
	raw, present := metadata["tags"]
	if !present {
		return tags, nil
	}
	delete(metadata, "tags")

	extra, err := NormalizeTags(raw)
	if err != nil {
		return nil, err
	}
	return storage.CleanTags(append(tags, extra...))
}

// appendUnique adds tag to the list unless it is already present.
func appendUnique(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}

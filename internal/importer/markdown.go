// Package importer ingests markdown and plain-text files as memories.
// Markdown files may carry YAML frontmatter (tags, type, title, date);
// inline #hashtags in the body are collected as tags too. Oversized
// bodies are chunked before storing so every piece fits the backend's
// content limit.
package importer

import (
	"bufio"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Document is one parsed source file, ready to store.
type Document struct {
	// Title comes from frontmatter, the first H1 heading, or the file
	// name, in that order.
	Title string

	// Body is the markdown text with the frontmatter stripped.
	Body string

	// Tags merges frontmatter tags with inline #hashtags, deduplicated
	// case-insensitively.
	Tags []string

	// MemoryType is the frontmatter "type" (or "memory_type") value.
	MemoryType string

	// Date is the frontmatter date, zero when absent or unparseable.
	Date time.Time

	// Frontmatter holds the raw parsed YAML key/value pairs.
	Frontmatter map[string]interface{}
}

// ParseMarkdown parses one markdown file. name is the file's base name,
// used only as the title fallback.
func ParseMarkdown(content []byte, name string) (*Document, error) {
	fm, body, err := splitFrontmatter(string(content))
	if err != nil {
		return nil, fmt.Errorf("frontmatter in %s: %w", name, err)
	}

	title := frontmatterString(fm, "title")
	if title == "" {
		title = firstHeading(body)
	}
	if title == "" {
		title = titleFromName(name)
	}

	memoryType := frontmatterString(fm, "type")
	if memoryType == "" {
		memoryType = frontmatterString(fm, "memory_type")
	}

	tags := mergeTags(frontmatterTags(fm), inlineTags(body))

	return &Document{
		Title:       title,
		Body:        strings.TrimSpace(body),
		Tags:        tags,
		MemoryType:  memoryType,
		Date:        frontmatterDate(fm),
		Frontmatter: fm,
	}, nil
}

// Content assembles the text to store: the title as an H1 heading when
// the body does not already open with one, then the body.
func (d *Document) Content() string {
	if d.Title == "" || strings.HasPrefix(d.Body, "# ") {
		return d.Body
	}
	if d.Body == "" {
		return "# " + d.Title
	}
	return "# " + d.Title + "\n\n" + d.Body
}

// splitFrontmatter separates YAML frontmatter (between --- delimiters on
// their own lines) from the body. Files without frontmatter come back
// with an empty map and the full text.
func splitFrontmatter(text string) (map[string]interface{}, string, error) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return map[string]interface{}{}, text, nil
	}

	closeIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closeIdx = i
			break
		}
	}
	if closeIdx == -1 {
		// No closing delimiter; treat the whole file as body.
		return map[string]interface{}{}, text, nil
	}

	fm := make(map[string]interface{})
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:closeIdx], "\n")), &fm); err != nil {
		return nil, "", fmt.Errorf("invalid YAML: %w", err)
	}
	return fm, strings.Join(lines[closeIdx+1:], "\n"), nil
}

// frontmatterTags reads the tags key, accepting a YAML list or a
// comma-separated string.
func frontmatterTags(fm map[string]interface{}) []string {
	switch v := fm["tags"].(type) {
	case []interface{}:
		var tags []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				tags = append(tags, s)
			}
		}
		return tags
	case string:
		var tags []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		return tags
	}
	return nil
}

// dateLayouts are the frontmatter date formats accepted, tried in order.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
}

// frontmatterDate reads the first parseable date-ish key.
func frontmatterDate(fm map[string]interface{}) time.Time {
	for _, key := range []string{"date", "created", "created_at"} {
		raw, ok := fm[key]
		if !ok {
			continue
		}
		var s string
		switch v := raw.(type) {
		case time.Time:
			return v
		case string:
			s = v
		default:
			s = fmt.Sprintf("%v", v)
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

func frontmatterString(fm map[string]interface{}, key string) string {
	if s, ok := fm[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// firstHeading returns the text of the first ATX H1 heading in the body.
func firstHeading(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return ""
}

// titleFromName derives a readable title from a file name, dropping the
// extension and replacing separators with spaces.
func titleFromName(name string) string {
	base := filepath.Base(name)
	title := strings.TrimSuffix(base, filepath.Ext(base))
	title = strings.ReplaceAll(title, "-", " ")
	title = strings.ReplaceAll(title, "_", " ")
	return strings.TrimSpace(title)
}

// inlineTagRe finds #hashtag patterns in body text. The leading
// character class keeps markdown headings from matching.
var inlineTagRe = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)

// inlineTags collects #hashtags from the body, first occurrence wins.
func inlineTags(body string) []string {
	matches := inlineTagRe.FindAllStringSubmatch(body, -1)
	seen := make(map[string]bool)
	var tags []string
	for _, m := range matches {
		tag := strings.TrimSpace(m[1])
		lower := strings.ToLower(tag)
		if !seen[lower] {
			seen[lower] = true
			tags = append(tags, tag)
		}
	}
	return tags
}

// mergeTags unions tag slices, deduplicating case-insensitively while
// keeping the first spelling seen.
func mergeTags(groups ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, group := range groups {
		for _, tag := range group {
			lower := strings.ToLower(tag)
			if tag != "" && !seen[lower] {
				seen[lower] = true
				out = append(out, tag)
			}
		}
	}
	return out
}

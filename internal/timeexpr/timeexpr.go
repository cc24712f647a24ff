// Package timeexpr resolves human time expressions into points and
// windows over the memory timeline. Parsing is layered: compact
// durations ("+6h", "-2d"), exact formats (date-only, RFC3339), then
// natural language ("yesterday", "3 days ago", "next monday") through
// the when library. All results are UTC, matching stored timestamps, so
// the same expression selects the same rows from every device sharing a
// store.
package timeexpr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/scrypster/keepsake/internal/storage"
)

// compactRe matches compact duration syntax: an optional sign, digits,
// and a unit of hours, days, weeks, months, or years.
var compactRe = regexp.MustCompile(`^([+-]?)(\d+)([hdwmy])$`)

var nlp = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// Parse resolves an expression to a single instant relative to now.
// Layers are tried in order: compact duration, date-only (midnight UTC),
// RFC3339, then natural language. Unrecognized input fails with
// storage.ErrInvalidInput.
func Parse(expr string, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty time expression", storage.ErrInvalidInput)
	}
	now = now.UTC()

	if t, ok := parseCompact(s, now); ok {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}

	res, err := nlp.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time expression %q: %v", storage.ErrInvalidInput, expr, err)
	}
	if res == nil {
		return time.Time{}, fmt.Errorf("%w: unrecognized time expression %q", storage.ErrInvalidInput, expr)
	}
	return res.Time.UTC(), nil
}

func parseCompact(s string, now time.Time) (time.Time, bool) {
	matches := compactRe.FindStringSubmatch(s)
	if matches == nil {
		return time.Time{}, false
	}
	amount, err := strconv.Atoi(matches[2])
	if err != nil {
		return time.Time{}, false
	}
	if matches[1] == "-" {
		amount = -amount
	}
	switch matches[3] {
	case "h":
		return now.Add(time.Duration(amount) * time.Hour), true
	case "d":
		return now.AddDate(0, 0, amount), true
	case "w":
		return now.AddDate(0, 0, amount*7), true
	case "m":
		return now.AddDate(0, amount, 0), true
	case "y":
		return now.AddDate(amount, 0, 0), true
	}
	return time.Time{}, false
}

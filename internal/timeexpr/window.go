package timeexpr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

// windowGap keeps adjacent calendar windows disjoint: each window ends
// one millisecond before the next one starts, and stored timestamps
// carry millisecond precision.
const windowGap = 0.001

// trailingSpanRe matches trailing-span phrases like "past week",
// "last 3 days", or "past 12 hours". These select a window ending now,
// unlike the calendar keywords ("last week" is the previous Sunday-to-
// Sunday week; "past week" is the trailing seven days).
var trailingSpanRe = regexp.MustCompile(`^(?:last|past)\s+(?:(\d+)\s+)?(hour|day|week|month|year)s?$`)

// ParseWindow resolves an expression to a creation-time window.
// Calendar keywords (today, yesterday, this/last week, this/last month,
// this/last year) map to calendar ranges with weeks starting Sunday;
// trailing spans ("past week", "last 3 days") end at now; anything else
// resolves through Parse and widens to the UTC day containing the
// instant.
func ParseWindow(expr string, now time.Time) (storage.TimeWindow, error) {
	s := strings.ToLower(strings.TrimSpace(expr))
	if s == "" {
		return storage.TimeWindow{}, fmt.Errorf("%w: empty time expression", storage.ErrInvalidInput)
	}
	now = now.UTC()

	if w, ok := calendarWindow(s, now); ok {
		return w, nil
	}
	if w, ok := trailingWindow(s, now); ok {
		return w, nil
	}

	t, err := Parse(expr, now)
	if err != nil {
		return storage.TimeWindow{}, err
	}
	return dayWindow(t), nil
}

func calendarWindow(s string, now time.Time) (storage.TimeWindow, bool) {
	day := startOfDay(now)
	switch s {
	case "today":
		return window(day, day.AddDate(0, 0, 1)), true
	case "yesterday":
		return window(day.AddDate(0, 0, -1), day), true
	case "this week":
		ws := startOfWeek(now)
		return window(ws, ws.AddDate(0, 0, 7)), true
	case "last week":
		ws := startOfWeek(now)
		return window(ws.AddDate(0, 0, -7), ws), true
	case "this month":
		ms := startOfMonth(now)
		return window(ms, ms.AddDate(0, 1, 0)), true
	case "last month":
		ms := startOfMonth(now)
		return window(ms.AddDate(0, -1, 0), ms), true
	case "this year":
		ys := startOfYear(now)
		return window(ys, ys.AddDate(1, 0, 0)), true
	case "last year":
		ys := startOfYear(now)
		return window(ys.AddDate(-1, 0, 0), ys), true
	case "recently", "recent":
		return storage.TimeWindow{
			Start: types.UnixSeconds(now.AddDate(0, 0, -7)),
			End:   types.UnixSeconds(now),
		}, true
	}
	return storage.TimeWindow{}, false
}

func trailingWindow(s string, now time.Time) (storage.TimeWindow, bool) {
	matches := trailingSpanRe.FindStringSubmatch(s)
	if matches == nil {
		return storage.TimeWindow{}, false
	}
	n := 1
	if matches[1] != "" {
		parsed, err := strconv.Atoi(matches[1])
		if err != nil || parsed < 1 {
			return storage.TimeWindow{}, false
		}
		n = parsed
	}

	var start time.Time
	switch matches[2] {
	case "hour":
		start = now.Add(-time.Duration(n) * time.Hour)
	case "day":
		start = now.AddDate(0, 0, -n)
	case "week":
		start = now.AddDate(0, 0, -7*n)
	case "month":
		start = now.AddDate(0, -n, 0)
	case "year":
		start = now.AddDate(-n, 0, 0)
	default:
		return storage.TimeWindow{}, false
	}
	return storage.TimeWindow{
		Start: types.UnixSeconds(start),
		End:   types.UnixSeconds(now),
	}, true
}

// dayWindow widens an instant to the UTC calendar day containing it.
func dayWindow(t time.Time) storage.TimeWindow {
	day := startOfDay(t.UTC())
	return window(day, day.AddDate(0, 0, 1))
}

// window converts [from, to) into an inclusive TimeWindow.
func window(from, to time.Time) storage.TimeWindow {
	return storage.TimeWindow{
		Start: types.UnixSeconds(from),
		End:   types.UnixSeconds(to) - windowGap,
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// startOfWeek returns the most recent Sunday midnight at or before t.
func startOfWeek(t time.Time) time.Time {
	day := startOfDay(t)
	return day.AddDate(0, 0, -int(day.Weekday()))
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func startOfYear(t time.Time) time.Time {
	return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
}

// Package calendar provides the day-key math used by the sync planner and
// orchestrator: canonical UTC day identifiers, inclusive window enumeration,
// and contiguous-range batching.
package calendar

import (
	"sort"
	"time"

	"github-activity-sync/internal/gherr"
)

// dayKeyLayout is the canonical day-key format, always in UTC.
const dayKeyLayout = "2006-01-02"

// Window is an inclusive date range. Start and End are normalized to UTC
// midnight on construction.
type Window struct {
	Start time.Time
	End   time.Time
}

// Batch is a maximal run of contiguous day-keys collapsed into time bounds
// for a single upstream query. Start is midnight UTC of the first day and
// End is the last nanosecond of the final day, so the derived fetch window
// fully spans the batch.
type Batch struct {
	Start time.Time
	End   time.Time
}

// Days returns the number of calendar days the batch covers.
func (b Batch) Days() int {
	return int(b.End.Sub(b.Start).Hours()/24) + 1
}

// NewWindow validates and normalizes an inclusive date range.
func NewWindow(start, end time.Time) (Window, error) {
	s := startOfDay(start)
	e := startOfDay(end)
	if s.After(e) {
		return Window{}, &gherr.ValidationError{Field: "date window", Reason: "start date is after end date"}
	}
	return Window{Start: s, End: e}, nil
}

// Days enumerates every day-key in the window, inclusive, ascending.
func (w Window) Days() []string {
	var keys []string
	for d := w.Start; !d.After(w.End); d = d.AddDate(0, 0, 1) {
		keys = append(keys, DayKey(d))
	}
	return keys
}

// Contains reports whether t falls on a day inside the window.
func (w Window) Contains(t time.Time) bool {
	d := startOfDay(t)
	return !d.Before(w.Start) && !d.After(w.End)
}

// DayKey formats a timestamp as its canonical UTC day identifier.
func DayKey(t time.Time) string {
	return t.UTC().Format(dayKeyLayout)
}

// ParseDayKey parses a canonical YYYY-MM-DD day-key into UTC midnight of
// that day. Malformed input fails with a ValidationError.
func ParseDayKey(key string) (time.Time, error) {
	t, err := time.ParseInLocation(dayKeyLayout, key, time.UTC)
	if err != nil {
		return time.Time{}, &gherr.ValidationError{Field: "day-key", Reason: "must be YYYY-MM-DD, got " + key}
	}
	return t, nil
}

// BatchContiguous sorts the given day-keys and groups runs where consecutive
// entries differ by exactly one calendar day. Adjacent batches are separated
// by at least a one-day gap.
func BatchContiguous(keys []string) ([]Batch, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	days := make([]time.Time, len(sorted))
	for i, k := range sorted {
		d, err := ParseDayKey(k)
		if err != nil {
			return nil, err
		}
		days[i] = d
	}

	var batches []Batch
	runStart := days[0]
	prev := days[0]
	for _, d := range days[1:] {
		if d.Equal(prev) {
			continue
		}
		if !d.Equal(prev.AddDate(0, 0, 1)) {
			batches = append(batches, Batch{Start: runStart, End: endOfDay(prev)})
			runStart = d
		}
		prev = d
	}
	batches = append(batches, Batch{Start: runStart, End: endOfDay(prev)})

	return batches, nil
}

// MissingDays returns the day-keys of the window not present in known,
// preserving ascending order.
func MissingDays(w Window, known []string) []string {
	knownSet := make(map[string]struct{}, len(known))
	for _, k := range known {
		knownSet[k] = struct{}{}
	}

	var missing []string
	for _, k := range w.Days() {
		if _, ok := knownSet[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

func startOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

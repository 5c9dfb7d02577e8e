// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package recurrence

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Frequency is the base repeat unit of a rule.
type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
	Yearly  Frequency = "YEARLY"
)

// weekdayNames maps RRULE day tokens to Go weekdays.
var weekdayNames = map[string]time.Weekday{
	"MO": time.Monday, "TU": time.Tuesday, "WE": time.Wednesday,
	"TH": time.Thursday, "FR": time.Friday, "SA": time.Saturday,
	"SU": time.Sunday,
}

// weekdayTokens is the inverse of weekdayNames, for String.
var weekdayTokens = map[time.Weekday]string{
	time.Monday: "MO", time.Tuesday: "TU", time.Wednesday: "WE",
	time.Thursday: "TH", time.Friday: "FR", time.Saturday: "SA",
	time.Sunday: "SU",
}

// Rule is a parsed recurrence rule. The zero value is not valid; use
// Parse.
type Rule struct {
	Freq     Frequency
	Interval int

	// ByDay restricts weekly rules to a set of weekdays. Empty means
	// the occurrence keeps the weekday of the current deadline.
	ByDay []time.Weekday

	// Until is the exclusive end timestamp. Zero means no date bound.
	Until time.Time

	// Count is the remaining-occurrence counter. Zero means
	// unbounded. A rule with Count set is exhausted once the counter
	// would reach zero.
	Count int

	hasCount bool
}

// scanLimit bounds the forward scan for BYDAY matches. Four years
// covers every leap-year cycle; an impossible combination (interval
// and weekday set that never align) fails instead of looping forever.
const scanLimitYears = 4

// Parse parses a rule string. Returns an error for unknown keys,
// malformed values, BYDAY outside WEEKLY, or COUNT combined with
// UNTIL.
func Parse(rule string) (Rule, error) {
	parsed := Rule{Interval: 1}

	parts := strings.Split(strings.TrimSpace(rule), ";")
	for _, part := range parts {
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return Rule{}, fmt.Errorf("recurrence: malformed component %q", part)
		}

		switch strings.ToUpper(key) {
		case "FREQ":
			switch Frequency(strings.ToUpper(value)) {
			case Daily, Weekly, Monthly, Yearly:
				parsed.Freq = Frequency(strings.ToUpper(value))
			default:
				return Rule{}, fmt.Errorf("recurrence: unknown frequency %q", value)
			}

		case "INTERVAL":
			interval, err := strconv.Atoi(value)
			if err != nil || interval < 1 {
				return Rule{}, fmt.Errorf("recurrence: interval must be a positive integer, got %q", value)
			}
			parsed.Interval = interval

		case "BYDAY":
			seen := make(map[time.Weekday]bool)
			for _, token := range strings.Split(value, ",") {
				weekday, ok := weekdayNames[strings.ToUpper(strings.TrimSpace(token))]
				if !ok {
					return Rule{}, fmt.Errorf("recurrence: unknown weekday %q", token)
				}
				if seen[weekday] {
					return Rule{}, fmt.Errorf("recurrence: duplicate weekday %q", token)
				}
				seen[weekday] = true
				parsed.ByDay = append(parsed.ByDay, weekday)
			}
			if len(parsed.ByDay) == 0 {
				return Rule{}, fmt.Errorf("recurrence: empty BYDAY")
			}

		case "COUNT":
			count, err := strconv.Atoi(value)
			if err != nil || count < 1 {
				return Rule{}, fmt.Errorf("recurrence: count must be a positive integer, got %q", value)
			}
			parsed.Count = count
			parsed.hasCount = true

		case "UNTIL":
			until, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return Rule{}, fmt.Errorf("recurrence: until: %w", err)
			}
			parsed.Until = until

		default:
			return Rule{}, fmt.Errorf("recurrence: unknown key %q", key)
		}
	}

	if parsed.Freq == "" {
		return Rule{}, fmt.Errorf("recurrence: FREQ is required")
	}
	if len(parsed.ByDay) > 0 && parsed.Freq != Weekly {
		return Rule{}, fmt.Errorf("recurrence: BYDAY requires FREQ=WEEKLY")
	}
	if parsed.hasCount && !parsed.Until.IsZero() {
		return Rule{}, fmt.Errorf("recurrence: COUNT and UNTIL are mutually exclusive")
	}
	return parsed, nil
}

// String re-encodes the rule canonically. Parse(r.String()) yields an
// equal rule.
func (r Rule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "FREQ=%s", r.Freq)
	if r.Interval > 1 {
		fmt.Fprintf(&b, ";INTERVAL=%d", r.Interval)
	}
	if len(r.ByDay) > 0 {
		days := make([]time.Weekday, len(r.ByDay))
		copy(days, r.ByDay)
		sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
		tokens := make([]string, len(days))
		for i, day := range days {
			tokens[i] = weekdayTokens[day]
		}
		fmt.Fprintf(&b, ";BYDAY=%s", strings.Join(tokens, ","))
	}
	if r.hasCount {
		fmt.Fprintf(&b, ";COUNT=%d", r.Count)
	}
	if !r.Until.IsZero() {
		fmt.Fprintf(&b, ";UNTIL=%s", r.Until.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// Next returns the first occurrence strictly after current, or false
// when the end condition exhausts the rule: the counter would reach
// zero, or the computed occurrence falls on or after UNTIL.
func (r Rule) Next(current time.Time) (time.Time, bool) {
	if r.hasCount && r.Count <= 1 {
		return time.Time{}, false
	}

	var next time.Time
	switch r.Freq {
	case Daily:
		next = current.AddDate(0, 0, r.Interval)
	case Weekly:
		if len(r.ByDay) == 0 {
			next = current.AddDate(0, 0, 7*r.Interval)
		} else {
			candidate, ok := r.nextByDay(current)
			if !ok {
				return time.Time{}, false
			}
			next = candidate
		}
	case Monthly:
		// Go normalizes out-of-range days (Jan 31 + 1 month → Mar 2
		// or 3). Occurrences keep this normalization; end-of-month
		// anchoring is not part of the rule grammar.
		next = current.AddDate(0, r.Interval, 0)
	case Yearly:
		next = current.AddDate(r.Interval, 0, 0)
	default:
		return time.Time{}, false
	}

	if !r.Until.IsZero() && !next.Before(r.Until) {
		return time.Time{}, false
	}
	return next, true
}

// nextByDay scans forward day by day for the next instant whose
// weekday is in the BYDAY set and whose week satisfies the interval,
// keeping the time of day of current. Weeks start on Monday.
func (r Rule) nextByDay(current time.Time) (time.Time, bool) {
	allowed := make(map[time.Weekday]bool, len(r.ByDay))
	for _, day := range r.ByDay {
		allowed[day] = true
	}

	anchorWeek := startOfWeek(current)
	limit := current.AddDate(scanLimitYears, 0, 0)

	for candidate := current.AddDate(0, 0, 1); candidate.Before(limit); candidate = candidate.AddDate(0, 0, 1) {
		if !allowed[candidate.Weekday()] {
			continue
		}
		weeks := daysBetween(anchorWeek, startOfWeek(candidate)) / 7
		if weeks%r.Interval != 0 {
			continue
		}
		return candidate, true
	}
	return time.Time{}, false
}

// daysBetween counts calendar days from a to b. Rounding absorbs the
// ±1h wobble of DST transitions in zoned locations.
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours()/24 + 0.5)
}

// startOfWeek truncates t to midnight of its ISO week's Monday.
func startOfWeek(t time.Time) time.Time {
	daysSinceMonday := (int(t.Weekday()) + 6) % 7
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return midnight.AddDate(0, 0, -daysSinceMonday)
}

// DecrementCount consumes one occurrence from a counted rule,
// returning the reduced rule. Returns false when the counter reaches
// zero, signaling exhaustion. Rules without COUNT pass through
// unchanged.
func (r Rule) DecrementCount() (Rule, bool) {
	if !r.hasCount {
		return r, true
	}
	if r.Count-1 <= 0 {
		return Rule{}, false
	}
	r.Count--
	return r, true
}

// HasCount reports whether the rule carries a remaining-occurrence
// counter.
func (r Rule) HasCount() bool { return r.hasCount }

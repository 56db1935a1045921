package prodibot

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	recurrencePrefix = "WEEKLY"
	recurrenceNone   = "NONE"
)

// ErrInvalidRule is returned for malformed recurrence rules
var ErrInvalidRule = errors.New("invalid recurrence rule")

// Weekdays are numbered Monday=0 through Sunday=6 throughout this file
var weekdayNames = map[string]int{
	"mon":       0,
	"monday":    0,
	"tue":       1,
	"tues":      1,
	"tuesday":   1,
	"wed":       2,
	"wednesday": 2,
	"thu":       3,
	"thur":      3,
	"thurs":     3,
	"thursday":  3,
	"fri":       4,
	"friday":    4,
	"sat":       5,
	"saturday":  5,
	"sun":       6,
	"sunday":    6,
}

var weekdayShortNames = []string{"Mon", "Tues", "Wed", "Thurs", "Fri", "Sat", "Sun"}

// ParseDays parses a loose list of weekdays ("mon, wed fri", "tues/thurs",
// "mwf", "everyday") into a sorted list of weekday numbers. An empty
// result means nothing was understood.
func ParseDays(s string) []int {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "everyday" {
		return []int{0, 1, 2, 3, 4, 5, 6}
	}

	selected := map[int]bool{}
	fields := strings.FieldsFunc(
		s, func(r rune) bool {
			return r == ',' || r == '/' || r == ' '
		},
	)
	for _, field := range fields {
		if day, ok := weekdayNames[field]; ok {
			selected[day] = true
			continue
		}
		if strings.Contains(field, "m") && strings.Contains(field, "w") && strings.Contains(field, "f") {
			selected[0] = true
			selected[2] = true
			selected[4] = true
		}
	}

	// single-letter shorthand, ex: "mwf", "th" (thursday only)
	if len(selected) == 0 {
		hasH := strings.Contains(s, "h")
		for _, c := range s {
			switch c {
			case 'm':
				selected[0] = true
			case 't':
				if !hasH {
					selected[1] = true
				}
			case 'w':
				selected[2] = true
			case 'h':
				selected[3] = true
			case 'f':
				selected[4] = true
			case 's':
				selected[5] = true
			}
		}
	}

	days := make([]int, 0, len(selected))
	for d := range selected {
		days = append(days, d)
	}
	slices.Sort(days)
	return days
}

// mondayIndex converts a time.Weekday (Sunday=0) to Monday=0
func mondayIndex(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

// NextOccurrence returns the next time, strictly after now, that falls on
// one of weekdays at hour:minute in now's location. weekdays must not be
// empty.
func NextOccurrence(now time.Time, weekdays []int, hour, minute int) time.Time {
	days := slices.Clone(weekdays)
	slices.Sort(days)

	today := mondayIndex(now.Weekday())
	at := func(offset int) time.Time {
		y, m, d := now.Date()
		return time.Date(y, m, d+offset, hour, minute, 0, 0, now.Location())
	}

	if slices.Contains(days, today) {
		if candidate := at(0); candidate.After(now) {
			return candidate
		}
	}

	for _, d := range days {
		if d > today {
			return at(d - today)
		}
	}

	// wrap around to next week. When days is only today, this is +7
	offset := (days[0] - today + 7) % 7
	if offset == 0 {
		offset = 7
	}
	return at(offset)
}

// Rule is a parsed weekly recurrence rule
type Rule struct {
	Weekdays []int
	Hour     int
	Minute   int
}

// FormatRule renders a rule as "WEEKLY:<d,d,...>:<HH:MM>"
func FormatRule(weekdays []int, hour, minute int) string {
	parts := make([]string, len(weekdays))
	for i, d := range weekdays {
		parts[i] = strconv.Itoa(d)
	}
	return fmt.Sprintf(
		"%s:%s:%02d:%02d",
		recurrencePrefix,
		strings.Join(parts, ","),
		hour,
		minute,
	)
}

func (r Rule) String() string {
	return FormatRule(r.Weekdays, r.Hour, r.Minute)
}

// ParseRule parses a rule created by FormatRule
func ParseRule(rule string) (Rule, error) {
	prefix, rest, ok := strings.Cut(rule, ":")
	if !ok || prefix != recurrencePrefix {
		return Rule{}, fmt.Errorf("%w: %q", ErrInvalidRule, rule)
	}
	dayPart, timePart, ok := strings.Cut(rest, ":")
	if !ok || dayPart == "" {
		return Rule{}, fmt.Errorf("%w: %q", ErrInvalidRule, rule)
	}

	var r Rule
	for _, s := range strings.Split(dayPart, ",") {
		d, err := strconv.Atoi(s)
		if err != nil || d < 0 || d > 6 {
			return Rule{}, fmt.Errorf("%w: bad weekday %q", ErrInvalidRule, s)
		}
		r.Weekdays = append(r.Weekdays, d)
	}

	t, err := time.Parse("15:04", timePart)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: bad time %q", ErrInvalidRule, timePart)
	}
	r.Hour, r.Minute = t.Hour(), t.Minute()
	return r, nil
}

// NextFromRule returns the next occurrence of rule after now
func NextFromRule(rule string, now time.Time) (time.Time, error) {
	r, err := ParseRule(rule)
	if err != nil {
		return time.Time{}, err
	}
	return NextOccurrence(now, r.Weekdays, r.Hour, r.Minute), nil
}

// HumanDays describes weekdays for people: "Mon, Wed, Fri", or
// "everyday" when all seven are included.
func HumanDays(weekdays []int) string {
	if len(weekdays) >= 7 {
		return "everyday"
	}
	names := make([]string, 0, len(weekdays))
	for _, d := range weekdays {
		if d >= 0 && d < len(weekdayShortNames) {
			names = append(names, weekdayShortNames[d])
		}
	}
	return strings.Join(names, ", ")
}

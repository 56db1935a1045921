package prodibot

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// ErrUnparseableTime is returned when no time could be found in the input
var ErrUnparseableTime = errors.New("couldn't understand the time")

// absolute layouts tried when natural-language parsing finds nothing
var dateTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04",
	"2006-01-02 3:04pm",
	"2006-01-02 3pm",
	"01/02/2006 15:04",
	"01/02/2006 3:04pm",
	"2006-01-02",
}

// time-of-day layouts, which are placed on now's date
var timeOfDayLayouts = []string{
	"15:04",
	"3:04pm",
	"3:04 pm",
	"3pm",
	"3 pm",
}

// TimeParser interprets user-supplied times relative to a home location
type TimeParser struct {
	w   *when.Parser
	loc *time.Location
}

func NewTimeParser(loc *time.Location) *TimeParser {
	if loc == nil {
		loc = time.UTC
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return &TimeParser{w: w, loc: loc}
}

func (p *TimeParser) Location() *time.Location {
	return p.loc
}

// ParseTime returns the time described by text ("tomorrow at 5pm",
// "in 2 hours", "2024-09-01 14:30"), relative to now in the parser's
// location. Whether the result is in the past is left to the caller.
func (p *TimeParser) ParseTime(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, ErrUnparseableTime
	}
	now = now.In(p.loc)
	lower := strings.ToLower(text)

	// RFC3339 wants an upper case T and Z, the am/pm layouts lower case
	for _, candidate := range []string{text, lower} {
		for _, layout := range dateTimeLayouts {
			if t, err := time.ParseInLocation(layout, candidate, p.loc); err == nil {
				return t, nil
			}
		}
	}
	if t, ok := p.parseTimeOfDay(lower, now); ok {
		return t, nil
	}

	r, err := p.w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrUnparseableTime, err)
	}
	if r == nil {
		return time.Time{}, ErrUnparseableTime
	}
	return r.Time.In(p.loc), nil
}

func (p *TimeParser) parseTimeOfDay(text string, now time.Time) (time.Time, bool) {
	for _, layout := range timeOfDayLayouts {
		t, err := time.ParseInLocation(layout, text, p.loc)
		if err != nil {
			continue
		}
		y, m, d := now.Date()
		return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, p.loc), true
	}
	return time.Time{}, false
}

// ParseTimeOfDay returns the hour and minute described by text, for use
// in recurrence rules. Any date in text is ignored.
func (p *TimeParser) ParseTimeOfDay(text string, now time.Time) (hour, minute int, err error) {
	t, err := p.ParseTime(text, now)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}

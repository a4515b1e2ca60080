package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "wristcal/internal/log"
)

// Calendar-level color properties, in order of preference.
var colorProperties = []string{
	"X-APPLE-CALENDAR-COLOR",
	string(ical.PropertyColor),
	"X-OUTLOOK-COLOR",
}

// Calendar is one parsed ICS payload.
type Calendar struct {
	Name   string
	Color  string
	Events []ParsedEvent
}

// ParsedEvent is a VEVENT before recurrence expansion.
type ParsedEvent struct {
	Source Source

	UID      string
	Summary  string
	Location string
	Color    string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule string
	ExDates  []time.Time
	// RecurrenceID is set for an override of one recurring instance.
	RecurrenceID *time.Time
}

// IsOverride reports whether the event replaces a single recurrence instance.
func (ev ParsedEvent) IsOverride() bool {
	return ev.RecurrenceID != nil
}

// ParseICS parses one payload. Date-only values are anchored in loc, which
// should be the display timezone. Malformed VEVENTs are logged and skipped.
func ParseICS(src Source, body []byte, loc *time.Location) (Calendar, error) {
	if len(body) == 0 {
		return Calendar{}, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendarWithOptions(bytes.NewReader(body),
		ical.WithUnknownPropertyHandler(ical.AcceptUnknownPropertyHandler))
	if err != nil {
		return Calendar{}, fmt.Errorf("ics: parse %s: %w", src.ID, err)
	}

	out := Calendar{}
	for _, p := range cal.CalendarProperties {
		switch {
		case p.IANAToken == string(ical.PropertyXWRCalName):
			out.Name = p.Value
		case out.Color == "" && isColorProperty(p.IANAToken):
			out.Color = normalizeColor(p.Value)
		}
	}

	for _, ve := range cal.Events() {
		ev, err := parseVEvent(src, ve, loc)
		if err != nil {
			appLog.Warn("skipping vevent", "id", src.ID, "err", err)
			continue
		}
		out.Events = append(out.Events, ev)
	}

	appLog.Debug("ics parsed", "id", src.ID, "events", len(out.Events))
	return out, nil
}

func parseVEvent(src Source, ve *ical.VEvent, loc *time.Location) (ParsedEvent, error) {
	ev := ParsedEvent{Source: src}

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return ev, errors.New("missing UID")
	}
	ev.UID = uid.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		ev.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyColor); p != nil {
		ev.Color = normalizeColor(p.Value)
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return ev, errors.New("missing DTSTART")
	}
	ev.AllDay = isDateValue(dtStart)

	start, err := propTime(dtStart.ICalParameters, dtStart.Value, loc)
	if err != nil {
		return ev, fmt.Errorf("DTSTART: %w", err)
	}
	ev.Start = start

	switch dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); {
	case dtEnd != nil:
		end, err := propTime(dtEnd.ICalParameters, dtEnd.Value, loc)
		if err != nil {
			return ev, fmt.Errorf("DTEND: %w", err)
		}
		ev.End = end
	case ev.AllDay:
		ev.End = ev.Start.AddDate(0, 0, 1)
	default:
		ev.End = ev.Start
	}
	if ev.End.Before(ev.Start) {
		ev.End = ev.Start
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		ev.RawRRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := propTime(p.ICalParameters, part, loc); err == nil {
				ev.ExDates = append(ev.ExDates, t)
			}
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		if t, err := propTime(p.ICalParameters, p.Value, loc); err == nil {
			ev.RecurrenceID = &t
		}
	}

	return ev, nil
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs := p.ICalParameters[string(ical.ParameterValue)]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// propTime parses a DATE or DATE-TIME honoring TZID. Floating times and
// dates are interpreted in loc.
func propTime(params map[string][]string, value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty time value")
	}

	in := loc
	if tz := params[string(ical.ParameterTzid)]; len(tz) > 0 && tz[0] != "" {
		l, err := time.LoadLocation(tz[0])
		if err != nil {
			appLog.Debug("unknown TZID; using display zone", "tzid", tz[0])
		} else {
			in = l
		}
	}

	switch {
	case strings.HasSuffix(value, "Z"):
		return time.Parse("20060102T150405Z", value)
	case strings.Contains(value, "T"):
		return time.ParseInLocation("20060102T150405", value, in)
	default:
		// All-day dates belong to the display day, not the feed's zone.
		return time.ParseInLocation("20060102", value, loc)
	}
}

func isColorProperty(token string) bool {
	for _, c := range colorProperties {
		if strings.EqualFold(token, c) {
			return true
		}
	}
	return false
}

// normalizeColor turns "#RRGGBBAA" into "#RRGGBB"; other values pass through
// trimmed.
func normalizeColor(v string) string {
	v = strings.TrimSpace(v)
	if len(v) == 9 && v[0] == '#' {
		return strings.ToUpper(v[:7])
	}
	if len(v) == 7 && v[0] == '#' {
		return strings.ToUpper(v)
	}
	return v
}

package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "wristcal/internal/log"
	"wristcal/internal/model"
)

const defaultMaxOccurrencesPerEvent = 5000

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	// Location is the display timezone of the produced events.
	Location *time.Location

	// Events overlapping [RangeStart, RangeEnd) are produced.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps runaway rules. Zero uses the default.
	MaxOccurrencesPerEvent int
}

// Expand turns parsed VEVENTs into concrete events inside the configured
// range. RRULE, EXDATE and RECURRENCE-ID overrides are honored. The result is
// unordered; truncated lists the UIDs that hit the occurrence cap.
func Expand(events []ParsedEvent, color string, cfg ExpandConfig) (out model.EventSet, truncated []string, err error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, nil, errors.New("expand: range end before start")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	bases := make(map[string][]ParsedEvent)
	overrides := make(map[string][]ParsedEvent)
	var order []string
	for _, ev := range events {
		if ev.IsOverride() {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		if _, seen := bases[ev.UID]; !seen {
			order = append(order, ev.UID)
		}
		bases[ev.UID] = append(bases[ev.UID], ev)
	}

	out = make(model.EventSet, 0, len(events))
	for _, uid := range order {
		for _, ev := range bases[uid] {
			evs, hitCap := expandEvent(ev, overrides[uid], color, cfg)
			out = append(out, evs...)
			if hitCap {
				truncated = append(truncated, uid)
				appLog.Warn("recurrence truncated", "uid", uid, "cap", cfg.MaxOccurrencesPerEvent)
			}
		}
	}

	// Overrides whose base was not delivered (CalDAV may return them alone)
	// still describe a real instance.
	for uid, ovs := range overrides {
		if _, ok := bases[uid]; ok {
			continue
		}
		for _, ov := range ovs {
			if overlaps(ov.Start, ov.End, cfg.RangeStart, cfg.RangeEnd) {
				out = append(out, makeEvent(ov, ov.Start, ov.End, color, cfg.Location))
			}
		}
	}

	return out, truncated, nil
}

func expandEvent(ev ParsedEvent, overrides []ParsedEvent, color string, cfg ExpandConfig) (model.EventSet, bool) {
	if ev.RawRRule == "" {
		if !overlaps(ev.Start, ev.End, cfg.RangeStart, cfg.RangeEnd) {
			return nil, false
		}
		return model.EventSet{makeEvent(ev, ev.Start, ev.End, color, cfg.Location)}, false
	}
	return expandRecurring(ev, overrides, color, cfg)
}

func expandRecurring(ev ParsedEvent, overrides []ParsedEvent, color string, cfg ExpandConfig) (model.EventSet, bool) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: bad RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	dur := ev.End.Sub(ev.Start)
	// Widen the lower bound so instances that started earlier but are still
	// running are included.
	from := cfg.RangeStart.Add(-dur).In(ev.Start.Location())
	to := cfg.RangeEnd.In(ev.Start.Location())
	starts := set.Between(from, to, true)

	hitCap := false
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	out := make(model.EventSet, 0, len(starts))
	for _, s := range starts {
		e := s.Add(dur)
		if ev.AllDay {
			s = time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, s.Location())
			e = s.AddDate(0, 0, max(1, int(dur.Round(24*time.Hour)/(24*time.Hour))))
		}

		inst, instStart, instEnd := ev, s, e
		if o, ok := findOverride(overrides, s); ok {
			inst, instStart, instEnd = o, o.Start, o.End
		}
		if !overlaps(instStart, instEnd, cfg.RangeStart, cfg.RangeEnd) {
			continue
		}
		out = append(out, makeEvent(inst, instStart, instEnd, color, cfg.Location))
	}
	return out, hitCap
}

func findOverride(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.RecurrenceID != nil && ov.RecurrenceID.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func makeEvent(ev ParsedEvent, start, end time.Time, color string, loc *time.Location) model.Event {
	if ev.Color != "" {
		color = ev.Color
	}
	return model.Event{
		Start:      start.In(loc),
		End:        end.In(loc),
		AllDay:     ev.AllDay,
		Summary:    ev.Summary,
		Location:   ev.Location,
		Color:      color,
		CalendarID: ev.Source.ID,
	}
}

// overlaps reports whether [aStart, aEnd) intersects [bStart, bEnd).
// Zero-length events count when they fall inside the range.
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Equal(aStart) {
		return !aStart.Before(bStart) && aStart.Before(bEnd)
	}
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

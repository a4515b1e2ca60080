package view

import (
	"time"

	"wristcal/internal/config"
	"wristcal/internal/model"
)

// Countdown is the time left until the next timed event starts, or until the
// current one ends.
type Countdown struct {
	Event     model.Event   `json:"event"`
	Remaining time.Duration `json:"remaining"`
	Ongoing   bool          `json:"ongoing"`
}

// NextCountdown picks the first timed event in events that has not ended.
// It returns false when the countdown is hidden or nothing qualifies.
// Remaining is truncated to the clock granularity.
func NextCountdown(events model.EventSet, now time.Time, settings config.Settings) (Countdown, bool) {
	if settings.HideCountdown() {
		return Countdown{}, false
	}
	unit := time.Minute
	if settings.ClockGranularity() == config.GranularitySeconds {
		unit = time.Second
	}

	for _, ev := range events {
		if ev.AllDay || !now.Before(ev.End) {
			continue
		}
		c := Countdown{Event: ev}
		if ev.Happening(now) {
			c.Ongoing = true
			c.Remaining = ev.End.Sub(now)
		} else {
			c.Remaining = ev.Start.Sub(now)
		}
		c.Remaining = c.Remaining.Truncate(unit)
		return c, true
	}
	return Countdown{}, false
}

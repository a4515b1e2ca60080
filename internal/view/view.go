// Package view turns the cached event set into the row sequence consumed by
// the device's virtualized event list.
package view

import (
	"encoding/json"
	"errors"
	"time"

	"wristcal/internal/cache"
	"wristcal/internal/locale"
	"wristcal/internal/model"
)

// Kind selects the tile pool a row is drawn from.
type Kind string

const (
	KindHeader    Kind = "last-update"
	KindSeparator Kind = "date-separator"
	KindAllDay    Kind = "all-day-event"
	KindNow       Kind = "event-now"
	KindEvent     Kind = "event"
	KindNoEvents  Kind = "no-event-message"
	KindMessage   Kind = "message"
)

// Tile is one row of the list. Index equals the tile's position in the
// slice returned by Render.
type Tile struct {
	Index int          `json:"index"`
	Kind  Kind         `json:"kind"`
	Label string       `json:"label,omitempty"`
	Event *model.Event `json:"event,omitempty"`
}

// Options carries the inputs Render needs besides the events themselves.
// It is derived from the current settings on every render.
type Options struct {
	// Location defines calendar days; nil means time.Local.
	Location *time.Location
	Printer  locale.Printer
	// MissingSources replaces the list with a "configure a calendar" message.
	MissingSources bool
}

// Classify picks the tile kind for ev at now. All-day wins over "now".
func Classify(ev model.Event, now time.Time) Kind {
	switch {
	case ev.AllDay:
		return KindAllDay
	case ev.Happening(now):
		return KindNow
	default:
		return KindEvent
	}
}

// Render builds the tile sequence. It is pure: the same inputs always yield
// the same tiles at the same indexes.
func Render(events model.EventSet, now, lastUpdate time.Time, opts Options) []Tile {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	p := opts.Printer

	if opts.MissingSources {
		return []Tile{{Index: 0, Kind: KindMessage, Label: p.Sprintf(locale.KeyLoginRequired)}}
	}

	tiles := make([]Tile, 0, 2*len(events)+2)
	add := func(t Tile) {
		t.Index = len(tiles)
		tiles = append(tiles, t)
	}

	add(Tile{Kind: KindHeader, Label: p.UpdatedAgo(lastUpdate, now)})

	if len(events) == 0 {
		add(Tile{Kind: KindNoEvents, Label: p.Sprintf(locale.KeyNoEvent)})
		return tiles
	}

	// Events today sit directly under the header.
	lastDay := dayKey(now, loc)
	for i := range events {
		ev := events[i]
		if day := dayKey(ev.Start, loc); day != lastDay {
			add(Tile{Kind: KindSeparator, Label: p.Day(ev.Start.In(loc))})
			lastDay = day
		}
		add(Tile{Kind: Classify(ev, now), Event: &ev})
	}
	return tiles
}

// Detail returns the event behind the tile at index, for the detail view
// opened by tapping a row.
func Detail(tiles []Tile, index int) (model.Event, bool) {
	if index < 0 || index >= len(tiles) || tiles[index].Event == nil {
		return model.Event{}, false
	}
	return *tiles[index].Event, true
}

// ErrorMessage renders a cache failure notice for the error surface.
func ErrorMessage(p locale.Printer, err error) string {
	var fe *cache.FetchError
	switch {
	case errors.Is(err, cache.ErrNoConnection):
		return p.Sprintf(locale.KeyNoConnection)
	case errors.As(err, &fe):
		detail, jerr := json.Marshal(fe.Failure)
		if jerr != nil {
			detail = []byte(fe.Failure.String())
		}
		return p.Sprintf(locale.KeyErrorGetEvents, string(detail))
	case err == nil:
		return ""
	default:
		return p.Sprintf(locale.KeyErrorGetEvents, err.Error())
	}
}

func dayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

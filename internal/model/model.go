package model

import (
	"fmt"
	"time"
)

// Event is one calendar entry as shipped from the companion to the device.
// Events are immutable once received; identity is positional.
type Event struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	AllDay bool      `json:"all_day"`

	Summary  string `json:"summary"`
	Location string `json:"location,omitempty"`

	// Color is a display color such as "#FF8800".
	Color string `json:"color"`
	// CalendarID names the configured source the event came from.
	CalendarID string `json:"calendar_id"`
}

// Happening reports whether now falls inside [Start, End).
func (e Event) Happening(now time.Time) bool {
	return !now.Before(e.Start) && now.Before(e.End)
}

// EventSet is an ordered sequence of events. Consumers assume start-ascending
// order; nothing enforces it and duplicates are allowed.
type EventSet []Event

// CacheRecord is the persisted unit on the device and the shape of a batch
// file sent by the companion.
type CacheRecord struct {
	Events EventSet
	// LastUpdate is the companion's fetch completion time. The zero time means
	// "never updated".
	LastUpdate time.Time
	// Token is the refresh request this batch answers. Zero on disk.
	Token uint64
}

// FetchFailure is the payload of an error file: the companion could not
// produce a batch for the request identified by Token.
type FetchFailure struct {
	Source  string `json:"source,omitempty"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
	Token   uint64 `json:"token,omitempty"`
}

func (f FetchFailure) String() string {
	if f.Source == "" {
		return f.Message
	}
	return fmt.Sprintf("%s: %s", f.Source, f.Message)
}

// ToMillis converts t to epoch milliseconds; the zero time maps to 0.
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of ToMillis.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

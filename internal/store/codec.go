package store

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"wristcal/internal/model"
)

// ErrCorrupt is returned when a payload decodes as CBOR but does not have the
// shape of a cache record.
var ErrCorrupt = errors.New("store: corrupt cache record")

// recordWire is the CBOR layout shared by the on-device cache file and the
// batch files produced by the companion.
type recordWire struct {
	Events     []eventWire `cbor:"events"`
	LastUpdate int64       `cbor:"lastUpdate"`
	Token      uint64      `cbor:"token,omitempty"`
}

type eventWire struct {
	Start      int64  `cbor:"start"`
	End        int64  `cbor:"end"`
	AllDay     bool   `cbor:"allDay"`
	Summary    string `cbor:"summary"`
	Location   string `cbor:"location,omitempty"`
	Color      string `cbor:"color"`
	CalendarID string `cbor:"calendarId"`
}

type failureWire struct {
	Source  string `cbor:"source,omitempty"`
	Message string `cbor:"message"`
	Status  int    `cbor:"status,omitempty"`
	Token   uint64 `cbor:"token,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Deterministic encoding keeps identical records byte-identical.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("store: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("store: cbor dec mode: %v", err))
	}
}

// EncodeRecord serializes rec. Event times are stored as epoch milliseconds.
func EncodeRecord(rec model.CacheRecord) ([]byte, error) {
	w := recordWire{
		Events:     make([]eventWire, 0, len(rec.Events)),
		LastUpdate: model.ToMillis(rec.LastUpdate),
		Token:      rec.Token,
	}
	for _, ev := range rec.Events {
		w.Events = append(w.Events, eventWire{
			Start:      model.ToMillis(ev.Start),
			End:        model.ToMillis(ev.End),
			AllDay:     ev.AllDay,
			Summary:    ev.Summary,
			Location:   ev.Location,
			Color:      ev.Color,
			CalendarID: ev.CalendarID,
		})
	}
	return encMode.Marshal(&w)
}

// DecodeRecord parses a payload produced by EncodeRecord. A record without an
// events array is rejected with ErrCorrupt.
func DecodeRecord(data []byte) (model.CacheRecord, error) {
	var w recordWire
	if err := decMode.Unmarshal(data, &w); err != nil {
		return model.CacheRecord{}, fmt.Errorf("store: decode record: %w", err)
	}
	if w.Events == nil {
		return model.CacheRecord{}, ErrCorrupt
	}

	rec := model.CacheRecord{
		Events:     make(model.EventSet, 0, len(w.Events)),
		LastUpdate: model.FromMillis(w.LastUpdate),
		Token:      w.Token,
	}
	for _, ev := range w.Events {
		rec.Events = append(rec.Events, model.Event{
			Start:      model.FromMillis(ev.Start),
			End:        model.FromMillis(ev.End),
			AllDay:     ev.AllDay,
			Summary:    ev.Summary,
			Location:   ev.Location,
			Color:      ev.Color,
			CalendarID: ev.CalendarID,
		})
	}
	return rec, nil
}

// EncodeFailure serializes an error-file payload.
func EncodeFailure(f model.FetchFailure) ([]byte, error) {
	return encMode.Marshal(failureWire(f))
}

// DecodeFailure parses an error-file payload.
func DecodeFailure(data []byte) (model.FetchFailure, error) {
	var w failureWire
	if err := decMode.Unmarshal(data, &w); err != nil {
		return model.FetchFailure{}, fmt.Errorf("store: decode failure: %w", err)
	}
	return model.FetchFailure(w), nil
}

package ics

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	appLog "wristcal/internal/log"
	"wristcal/internal/model"
)

// DefaultPalette colors sources that carry no color of their own, by slot.
var DefaultPalette = []string{"#FF5555", "#55AAFF", "#55FF55", "#FFAA00", "#AA55FF"}

// SourceError is a failed source in a Pipeline run.
type SourceError struct {
	Source Source
	Err    error
}

func (e SourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Source.ID, e.Err)
}

func (e SourceError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status behind the failure, or 0.
func (e SourceError) StatusCode() int {
	var herr *HTTPError
	if errors.As(e.Err, &herr) {
		return herr.StatusCode
	}
	return 0
}

// PipelineOptions tunes a Pipeline.
type PipelineOptions struct {
	Location    *time.Location
	HorizonDays int
	Palette     []string
}

// Pipeline fetches, parses and expands a list of sources into one event set.
type Pipeline struct {
	fetcher *Fetcher
	opts    PipelineOptions
}

// NewPipeline builds a Pipeline on top of f.
func NewPipeline(f *Fetcher, opts PipelineOptions) *Pipeline {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = 7
	}
	if len(opts.Palette) == 0 {
		opts.Palette = DefaultPalette
	}
	return &Pipeline{fetcher: f, opts: opts}
}

// Window returns the range fetched relative to now: local midnight today
// through HorizonDays days later.
func (p *Pipeline) Window(now time.Time) Window {
	t := now.In(p.opts.Location)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, p.opts.Location)
	return Window{Start: start, End: start.AddDate(0, 0, p.opts.HorizonDays)}
}

// Fetch runs every source and merges the results sorted by start time.
// Failed sources are reported individually; the events of the others are
// still returned.
func (p *Pipeline) Fetch(ctx context.Context, sources []Source, now time.Time) (model.EventSet, []SourceError) {
	window := p.Window(now)
	cfg := ExpandConfig{Location: p.opts.Location, RangeStart: window.Start, RangeEnd: window.End}

	var (
		all  model.EventSet
		errs []SourceError
	)
	for _, src := range sources {
		res, err := p.fetcher.FetchOne(ctx, src, window)
		if err != nil {
			appLog.Error("source fetch failed", err, "id", src.ID, "url", redactURL(src.URL))
			errs = append(errs, SourceError{Source: src, Err: err})
			continue
		}

		events, err := p.expandResult(res, p.colorFor(src), cfg)
		if err != nil {
			errs = append(errs, SourceError{Source: src, Err: err})
			continue
		}
		all = append(all, events...)
	}

	SortEvents(all)
	appLog.Info("sources fetched", "sources", len(sources), "failed", len(errs), "events", len(all))
	return all, errs
}

func (p *Pipeline) expandResult(res FetchResult, color string, cfg ExpandConfig) (model.EventSet, error) {
	var (
		parsed   []ParsedEvent
		calColor string
		parsedOK int
		lastErr  error
	)
	for _, body := range res.Bodies {
		cal, err := ParseICS(res.Source, body, p.opts.Location)
		if err != nil {
			lastErr = err
			continue
		}
		parsedOK++
		if calColor == "" {
			calColor = cal.Color
		}
		parsed = append(parsed, cal.Events...)
	}
	if parsedOK == 0 && lastErr != nil {
		return nil, lastErr
	}

	if res.Source.Color == "" && calColor != "" {
		color = calColor
	}
	events, _, err := Expand(parsed, color, cfg)
	return events, err
}

func (p *Pipeline) colorFor(src Source) string {
	if src.Color != "" {
		return src.Color
	}
	slot := max(src.Slot, 0)
	return p.opts.Palette[slot%len(p.opts.Palette)]
}

// SortEvents orders events by start, all-day events first within the same
// start; ties keep their input order.
func SortEvents(events model.EventSet) {
	slices.SortStableFunc(events, func(a, b model.Event) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		switch {
		case a.AllDay && !b.AllDay:
			return -1
		case !a.AllDay && b.AllDay:
			return 1
		}
		return 0
	})
}

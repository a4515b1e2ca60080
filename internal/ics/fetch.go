// Package ics is the companion's calendar fetch pipeline: HTTP retrieval of
// ICS feeds and CalDAV collections, VEVENT parsing and recurrence expansion
// into the event set shipped to the device.
package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"wristcal/internal/fsutil"
	appLog "wristcal/internal/log"
)

// Source is one configured calendar slot.
type Source struct {
	// ID names the slot ("url0".."url4") and becomes Event.CalendarID.
	ID string
	// Slot is the settings index; it picks the fallback palette color.
	Slot int
	URL  string
	// CalDAV selects a calendar-query REPORT instead of a plain GET.
	CalDAV bool

	Username string
	Password string

	// Color overrides the calendar's own color when set.
	Color string
}

func (s Source) hasAuth() bool {
	return s.Username != "" && s.Password != ""
}

// HTTPError is a non-success response from a calendar server.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return "unexpected response: " + e.Status
}

// ErrNotModifiedWithoutCache is returned for a 304 when no cached body exists.
var ErrNotModifiedWithoutCache = errors.New("ics: not modified but nothing cached")

// FetchResult holds the calendar payloads of one source. An ICS feed yields
// one body; a CalDAV collection yields one body per calendar object.
type FetchResult struct {
	Source    Source
	Bodies    [][]byte
	FromCache bool
}

// Window is the time range a CalDAV query asks for.
type Window struct {
	Start time.Time
	End   time.Time
}

// cacheEntry holds HTTP validators for one feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher retrieves calendar sources. Plain ICS feeds use conditional GETs
// backed by a disk cache so an unchanged or temporarily failing feed still
// yields its last good body.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a Fetcher caching feeds under cacheDir.
func NewFetcher(cacheDir string, timeout time.Duration) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/companion/ics-cache"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
	}
}

// FetchOne retrieves src. window bounds CalDAV queries and is ignored for
// ICS feeds.
func (f *Fetcher) FetchOne(ctx context.Context, src Source, window Window) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, errors.New("source URL is empty")
	}
	if src.CalDAV {
		return f.fetchCalDAV(ctx, src, window)
	}
	return f.fetchFeed(ctx, src)
}

func (f *Fetcher) fetchFeed(ctx context.Context, src Source) (FetchResult, error) {
	cachePath := f.cachePathForURL(src.URL)
	meta, _ := loadCacheMeta(cachePath)
	cachedBody, _ := os.ReadFile(filepath.Join(cachePath, "body.ics"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	req.Header.Set("Accept", "text/calendar")
	if src.hasAuth() {
		req.SetBasicAuth(src.Username, src.Password)
	}
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "id", src.ID, "url", redactURL(src.URL))

	cached := FetchResult{Source: src, Bodies: [][]byte{cachedBody}, FromCache: true}

	resp, err := f.client.Do(req)
	if err != nil {
		if len(cachedBody) > 0 {
			appLog.Error("ics fetch network error, using cached body", err, "id", src.ID, "url", redactURL(src.URL))
			return cached, nil
		}
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return FetchResult{}, err
		}
		newMeta := cacheEntry{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := saveCache(cachePath, newMeta, body); err != nil {
			appLog.Error("ics cache save failed", err, "id", src.ID, "url", redactURL(src.URL))
		}
		appLog.Info("ics fetch success", "id", src.ID, "url", redactURL(src.URL), "bytes", len(body))
		return FetchResult{Source: src, Bodies: [][]byte{body}}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, ErrNotModifiedWithoutCache
		}
		appLog.Info("ics fetch not modified; using cache", "id", src.ID, "url", redactURL(src.URL))
		return cached, nil

	default:
		herr := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
		// Auth failures are surfaced even with a cache so the user notices.
		if len(cachedBody) > 0 && resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
			appLog.Error("ics fetch non-OK, using cached body", herr, "id", src.ID, "url", redactURL(src.URL))
			return cached, nil
		}
		return FetchResult{}, herr
	}
}

func (f *Fetcher) cachePathForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := fsutil.WriteAtomic(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteAtomic(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL keeps scheme and host of a calendar URL for logging; private
// feed URLs often embed a secret token in the path.
func redactURL(u string) string {
	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "ics://...(redacted)"
	}
	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}
	return fmt.Sprintf("%s/...(redacted)", u[:j])
}

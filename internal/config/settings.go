package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"wristcal/internal/fsutil"
)

// MaxSources is the number of calendar URL slots on the settings page.
const MaxSources = 5

// Settings keys recognized by the device and companion.
const (
	KeyUser              = "user"
	KeyPass              = "pass"
	KeySystemDefaultFont = "system_default_font"
	KeyHideCountdown     = "hide_countdown"
	KeyCountdownSecond   = "countdown_second"
	KeyLanguageOverride  = "language_override"
)

// URLKey returns the settings key of source slot i ("url0".."url4").
func URLKey(i int) string { return "url" + strconv.Itoa(i) }

// TypeKey returns the CalDAV/ICS flag key of source slot i ("url0t"..).
func TypeKey(i int) string { return URLKey(i) + "t" }

// IsSourceKey reports whether changing key alters what the companion fetches.
func IsSourceKey(key string) bool {
	if key == KeyUser || key == KeyPass {
		return true
	}
	for i := 0; i < MaxSources; i++ {
		if key == URLKey(i) || key == TypeKey(i) {
			return true
		}
	}
	return false
}

// Granularity is the clock tick rate the face needs.
type Granularity string

const (
	GranularityMinutes Granularity = "minutes"
	GranularitySeconds Granularity = "seconds"
)

// SourceSetting is one configured calendar slot.
type SourceSetting struct {
	Index  int
	URL    string
	CalDAV bool
}

// Settings is an immutable snapshot of the user's settings, keyed the way
// the settings page stores them. Values are raw settings-page strings
// (often JSON). Every change produces a new value via With.
type Settings struct {
	values map[string]string
}

// NewSettings copies values into a Settings snapshot.
func NewSettings(values map[string]string) Settings {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return Settings{values: cp}
}

// Get returns the raw stored value for key.
func (s Settings) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// With returns a copy of s with key set to value.
func (s Settings) With(key, value string) Settings {
	next := NewSettings(s.values)
	next.values[key] = value
	return next
}

// Keys returns the stored keys in sorted order.
func (s Settings) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Values returns a copy of the raw key/value map.
func (s Settings) Values() map[string]string {
	return NewSettings(s.values).values
}

// Len returns the number of stored keys.
func (s Settings) Len() int { return len(s.values) }

// Text decodes a text-input value. The settings page stores text inputs as
// {"name":"..."}; plain JSON strings and raw strings are accepted too.
func (s Settings) Text(key string) string {
	raw, ok := s.values[key]
	if !ok {
		return ""
	}
	var obj struct {
		Name *string `json:"name"`
	}
	if err := json.Unmarshal([]byte(raw), &obj); err == nil && obj.Name != nil {
		return strings.TrimSpace(*obj.Name)
	}
	var str string
	if err := json.Unmarshal([]byte(raw), &str); err == nil {
		return strings.TrimSpace(str)
	}
	return strings.TrimSpace(raw)
}

// Bool decodes a toggle value ("true"/"false"); anything else is false.
func (s Settings) Bool(key string) bool {
	raw, ok := s.values[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal([]byte(raw), &b); err == nil {
		return b
	}
	return strings.EqualFold(strings.TrimSpace(raw), "true")
}

// Sources returns the configured slots with a non-empty URL, in slot order.
func (s Settings) Sources() []SourceSetting {
	out := make([]SourceSetting, 0, MaxSources)
	for i := 0; i < MaxSources; i++ {
		u := s.Text(URLKey(i))
		if u == "" {
			continue
		}
		out = append(out, SourceSetting{Index: i, URL: u, CalDAV: s.Bool(TypeKey(i))})
	}
	return out
}

// Credentials returns the shared CalDAV/ICS username and password.
func (s Settings) Credentials() (user, pass string) {
	return s.Text(KeyUser), s.Text(KeyPass)
}

func (s Settings) SystemDefaultFont() bool { return s.Bool(KeySystemDefaultFont) }
func (s Settings) HideCountdown() bool     { return s.Bool(KeyHideCountdown) }
func (s Settings) CountdownSecond() bool   { return s.Bool(KeyCountdownSecond) }

// ClockGranularity is seconds only when the countdown is shown with seconds.
func (s Settings) ClockGranularity() Granularity {
	if !s.HideCountdown() && s.CountdownSecond() {
		return GranularitySeconds
	}
	return GranularityMinutes
}

// ErrMalformedSetting is returned for values that cannot be decoded.
var ErrMalformedSetting = errors.New("malformed setting")

// LanguageOverride decodes the select value
// {"selected":[n],"values":[{"name":"..","value":"ja-JP"}]}. An unset key
// yields "" and no error.
func (s Settings) LanguageOverride() (string, error) {
	raw, ok := s.values[KeyLanguageOverride]
	if !ok || raw == "" {
		return "", nil
	}
	var sel struct {
		Values []struct {
			Value string `json:"value"`
		} `json:"values"`
	}
	if err := json.Unmarshal([]byte(raw), &sel); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrMalformedSetting, KeyLanguageOverride, err)
	}
	if len(sel.Values) == 0 || sel.Values[0].Value == "" {
		return "", fmt.Errorf("%w: %s: no selected value", ErrMalformedSetting, KeyLanguageOverride)
	}
	return sel.Values[0].Value, nil
}

// LoadSettings reads a settings snapshot from a YAML map. A missing file
// yields empty settings.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewSettings(nil), nil
		}
		return NewSettings(nil), err
	}
	var values map[string]string
	if err := yaml.Unmarshal(data, &values); err != nil {
		return NewSettings(nil), err
	}
	return NewSettings(values), nil
}

// SaveSettings writes s atomically with 0600 permissions.
func SaveSettings(path string, s Settings) error {
	if path == "" {
		return errors.New("settings path is empty")
	}
	data, err := yaml.Marshal(s.values)
	if err != nil {
		return err
	}
	return fsutil.WriteAtomic(path, data, 0o600)
}

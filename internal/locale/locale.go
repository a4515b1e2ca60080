// Package locale holds the user-visible strings of the device and picks the
// language from the language_override setting.
package locale

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Message keys.
const (
	KeyUpdatedAgo     = "updated_time_ago"
	KeyNeverUpdated   = "never_updated"
	KeyNoEvent        = "no_event"
	KeyNoConnection   = "no_connection_to_companion"
	KeyErrorGetEvents = "error_get_events"
	KeyLoginRequired  = "login_required"
	KeyUpdating       = "updating"
)

// Default is used when no override is set or the override is malformed.
var Default = language.AmericanEnglish

var supported = []language.Tag{
	language.AmericanEnglish,
	language.Japanese,
	language.SimplifiedChinese,
}

var matcher = language.NewMatcher(supported)

type entry struct {
	key string
	msg string
}

var catalog = map[language.Tag][]entry{
	language.AmericanEnglish: {
		{KeyUpdatedAgo, "Updated %s ago"},
		{KeyNeverUpdated, "Never updated"},
		{KeyNoEvent, "No upcoming events"},
		{KeyNoConnection, "No connection to the phone"},
		{KeyErrorGetEvents, "Error getting events: %s"},
		{KeyLoginRequired, "Add a calendar in the settings"},
		{KeyUpdating, "Updating..."},
	},
	language.Japanese: {
		{KeyUpdatedAgo, "%s前に更新"},
		{KeyNeverUpdated, "未更新"},
		{KeyNoEvent, "予定はありません"},
		{KeyNoConnection, "スマートフォンに接続されていません"},
		{KeyErrorGetEvents, "予定の取得に失敗しました: %s"},
		{KeyLoginRequired, "設定でカレンダーを追加してください"},
		{KeyUpdating, "更新中..."},
	},
	language.SimplifiedChinese: {
		{KeyUpdatedAgo, "%s前更新"},
		{KeyNeverUpdated, "尚未更新"},
		{KeyNoEvent, "没有即将到来的日程"},
		{KeyNoConnection, "未连接到手机"},
		{KeyErrorGetEvents, "获取日程失败：%s"},
		{KeyLoginRequired, "请在设置中添加日历"},
		{KeyUpdating, "正在更新..."},
	},
}

// dayFormat renders separator dates. Time layouts only know English weekday
// names, so other languages format the date and look the weekday up in
// weekdays (Sunday first) before joining both with pattern.
type dayFormat struct {
	layout   string
	weekdays *[7]string
	pattern  string
}

var dayFormats = map[language.Tag]dayFormat{
	language.AmericanEnglish: {layout: "Mon, Jan 2"},
	language.Japanese: {
		layout:   "1/2",
		weekdays: &[7]string{"日", "月", "火", "水", "木", "金", "土"},
		pattern:  "%s (%s)",
	},
	language.SimplifiedChinese: {
		layout:   "1/2",
		weekdays: &[7]string{"周日", "周一", "周二", "周三", "周四", "周五", "周六"},
		pattern:  "%s %s",
	},
}

func init() {
	for tag, entries := range catalog {
		for _, e := range entries {
			if err := message.SetString(tag, e.key, e.msg); err != nil {
				panic(fmt.Sprintf("locale: register %s/%s: %v", tag, e.key, err))
			}
		}
	}
}

// ErrUnsupported is returned by Resolve for tags with no matching catalog.
var ErrUnsupported = errors.New("locale: unsupported language")

// Resolve maps a language_override value to a supported tag. "" and
// "default" yield Default. Malformed or unsupported values yield Default
// together with an error the caller should log.
func Resolve(override string) (language.Tag, error) {
	if override == "" || override == "default" {
		return Default, nil
	}
	tag, err := language.Parse(override)
	if err != nil {
		return Default, fmt.Errorf("locale: parse %q: %w", override, err)
	}
	// The matcher falls back to the first supported tag for anything it
	// cannot place, so a different base language means no catalog.
	_, idx, conf := matcher.Match(tag)
	want, _ := tag.Base()
	got, _ := supported[idx].Base()
	if conf == language.No || want != got {
		return Default, fmt.Errorf("%w: %s", ErrUnsupported, override)
	}
	return supported[idx], nil
}

// Printer renders catalog messages for one language.
type Printer struct {
	tag language.Tag
	p   *message.Printer
}

// NewPrinter returns a Printer for tag; unsupported tags fall back to Default.
func NewPrinter(tag language.Tag) Printer {
	if _, ok := catalog[tag]; !ok {
		tag = Default
	}
	return Printer{tag: tag, p: message.NewPrinter(tag)}
}

// Tag returns the printer's language.
func (p Printer) Tag() language.Tag {
	if p.p == nil {
		return Default
	}
	return p.tag
}

// Sprintf formats the message registered under key.
func (p Printer) Sprintf(key string, args ...any) string {
	if p.p == nil {
		p = NewPrinter(Default)
	}
	return p.p.Sprintf(key, args...)
}

// UpdatedAgo renders the header label for a cache last updated at
// lastUpdate, as seen at now.
func (p Printer) UpdatedAgo(lastUpdate, now time.Time) string {
	if lastUpdate.IsZero() {
		return p.Sprintf(KeyNeverUpdated)
	}
	return p.Sprintf(KeyUpdatedAgo, ShortDuration(now.Sub(lastUpdate)))
}

// Day formats the calendar day of t for date separators.
func (p Printer) Day(t time.Time) string {
	f, ok := dayFormats[p.Tag()]
	if !ok {
		f = dayFormats[Default]
	}
	if f.weekdays == nil {
		return t.Format(f.layout)
	}
	return fmt.Sprintf(f.pattern, t.Format(f.layout), f.weekdays[t.Weekday()])
}

// ShortDuration renders d as a compact "45s", "12m", "3h" or "2d".
func ShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d/time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
}

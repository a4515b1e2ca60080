package ics

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appLog "wristcal/internal/log"
)

const calDAVTimeLayout = "20060102T150405Z"

// calendarQuery asks for every VEVENT overlapping [start, end).
const calendarQuery = `<?xml version="1.0" encoding="utf-8"?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:getetag/>
    <c:calendar-data/>
  </d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VEVENT">
        <c:time-range start="%s" end="%s"/>
      </c:comp-filter>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`

type multistatus struct {
	XMLName   xml.Name      `xml:"DAV: multistatus"`
	Responses []davResponse `xml:"DAV: response"`
}

type davResponse struct {
	Href      string        `xml:"DAV: href"`
	Propstats []davPropstat `xml:"DAV: propstat"`
}

type davPropstat struct {
	Status string  `xml:"DAV: status"`
	Prop   davProp `xml:"DAV: prop"`
}

type davProp struct {
	CalendarData string `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
}

func (f *Fetcher) fetchCalDAV(ctx context.Context, src Source, window Window) (FetchResult, error) {
	if window.End.IsZero() {
		window.Start = time.Now()
		window.End = window.Start.AddDate(0, 0, 7)
	}
	body := fmt.Sprintf(calendarQuery,
		window.Start.UTC().Format(calDAVTimeLayout),
		window.End.UTC().Format(calDAVTimeLayout))

	req, err := http.NewRequestWithContext(ctx, "REPORT", src.URL, strings.NewReader(body))
	if err != nil {
		return FetchResult{}, err
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "1")
	if src.hasAuth() {
		req.SetBasicAuth(src.Username, src.Password)
	}

	appLog.Debug("caldav report start", "id", src.ID, "url", redactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return FetchResult{}, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	bodies, err := parseMultistatus(resp.Body)
	if err != nil {
		return FetchResult{}, err
	}
	appLog.Info("caldav report success", "id", src.ID, "url", redactURL(src.URL), "objects", len(bodies))
	return FetchResult{Source: src, Bodies: bodies}, nil
}

// parseMultistatus extracts calendar-data from successful propstats.
func parseMultistatus(r io.Reader) ([][]byte, error) {
	var ms multistatus
	if err := xml.NewDecoder(r).Decode(&ms); err != nil {
		return nil, fmt.Errorf("caldav: decode multistatus: %w", err)
	}
	bodies := make([][]byte, 0, len(ms.Responses))
	for _, resp := range ms.Responses {
		for _, ps := range resp.Propstats {
			if ps.Status != "" && !strings.Contains(ps.Status, " 200 ") {
				continue
			}
			data := strings.TrimSpace(ps.Prop.CalendarData)
			if data == "" {
				continue
			}
			bodies = append(bodies, []byte(data))
		}
	}
	return bodies, nil
}

package transport

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Freshness is what the response headers say about caching.
type Freshness struct {
	// Expires is zero when the response carries no freshness information.
	Expires time.Time
	NoStore bool
}

// ParseFreshness reads Cache-Control and Expires. max-age wins over Expires;
// no-store and no-cache both forbid caching.
func ParseFreshness(h http.Header, now time.Time) Freshness {
	var f Freshness

	for _, value := range h.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			directive = strings.ToLower(strings.TrimSpace(directive))
			switch {
			case directive == "no-store", directive == "no-cache":
				f.NoStore = true
			case strings.HasPrefix(directive, "max-age="):
				secs, err := strconv.ParseInt(strings.Trim(directive[len("max-age="):], `"`), 10, 64)
				if err == nil && secs >= 0 {
					f.Expires = now.Add(time.Duration(secs) * time.Second)
				}
			}
		}
	}

	if f.Expires.IsZero() {
		if v := h.Get("Expires"); v != "" {
			if t, err := http.ParseTime(v); err == nil {
				f.Expires = t
			}
		}
	}
	return f
}

// ParseLastModified returns the Last-Modified time or zero.
func ParseLastModified(h http.Header) time.Time {
	if v := h.Get("Last-Modified"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ContentRange is a parsed "bytes first-last/total" header.
type ContentRange struct {
	First, Last, Total int64
}

// ParseContentRange parses a Content-Range header. Total is -1 for "*".
func ParseContentRange(v string) (ContentRange, bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return ContentRange{}, false
	}
	spec := strings.TrimPrefix(v, "bytes ")

	rangePart, totalPart, ok := strings.Cut(spec, "/")
	if !ok {
		return ContentRange{}, false
	}
	firstStr, lastStr, ok := strings.Cut(rangePart, "-")
	if !ok {
		return ContentRange{}, false
	}

	first, err1 := strconv.ParseInt(firstStr, 10, 64)
	last, err2 := strconv.ParseInt(lastStr, 10, 64)
	if err1 != nil || err2 != nil || last < first {
		return ContentRange{}, false
	}

	total := int64(-1)
	if totalPart != "*" {
		t, err := strconv.ParseInt(totalPart, 10, 64)
		if err != nil {
			return ContentRange{}, false
		}
		total = t
	}
	return ContentRange{First: first, Last: last, Total: total}, true
}

package params

import (
	"net/http"
	"net/textproto"
)

// Common header names used by the cache and resume logic.
const (
	HeaderIfModifiedSince = "If-Modified-Since"
	HeaderIfNoneMatch     = "If-None-Match"
	HeaderRange           = "Range"
	HeaderContentType     = "Content-Type"
	HeaderUserAgent       = "User-Agent"
)

// Header is one header line.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list that keeps duplicates.
type Headers struct {
	items []Header
}

// Set replaces every value of name with value.
func (h *Headers) Set(name, value string) {
	h.Del(name)
	h.items = append(h.items, Header{Name: name, Value: value})
}

// Add appends a value, keeping earlier values of the same name.
func (h *Headers) Add(name, value string) {
	h.items = append(h.items, Header{Name: name, Value: value})
}

// Del removes every value of name.
func (h *Headers) Del(name string) {
	canonical := textproto.CanonicalMIMEHeaderKey(name)
	kept := h.items[:0]
	for _, item := range h.items {
		if textproto.CanonicalMIMEHeaderKey(item.Name) != canonical {
			kept = append(kept, item)
		}
	}
	h.items = kept
}

// Get returns the first value of name.
func (h *Headers) Get(name string) string {
	canonical := textproto.CanonicalMIMEHeaderKey(name)
	for _, item := range h.items {
		if textproto.CanonicalMIMEHeaderKey(item.Name) == canonical {
			return item.Value
		}
	}
	return ""
}

// Values returns every value of name in insertion order.
func (h *Headers) Values(name string) []string {
	canonical := textproto.CanonicalMIMEHeaderKey(name)
	var out []string
	for _, item := range h.items {
		if textproto.CanonicalMIMEHeaderKey(item.Name) == canonical {
			out = append(out, item.Value)
		}
	}
	return out
}

// List returns a copy of the header lines in order.
func (h *Headers) List() []Header {
	out := make([]Header, len(h.items))
	copy(out, h.items)
	return out
}

// Len returns the number of header lines.
func (h *Headers) Len() int { return len(h.items) }

// HTTP converts the list into an http.Header, preserving per-name order.
func (h *Headers) HTTP() http.Header {
	out := make(http.Header, len(h.items))
	for _, item := range h.items {
		out.Add(item.Name, item.Value)
	}
	return out
}

func (h *Headers) clone() Headers {
	return Headers{items: h.List()}
}

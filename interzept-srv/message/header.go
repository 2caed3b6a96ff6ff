package message

import (
	"net/http"
	"net/textproto"
	"sort"
	"strings"
)

// Field is one header or trailer field.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered list of fields with case-insensitive lookup.
// Unlike http.Header it keeps the order fields were added in.
type Header struct {
	fields []Field
}

// NewHeader creates a header from fields, keeping their order.
func NewHeader(fields ...Field) Header {
	return Header{fields: append([]Field(nil), fields...)}
}

// Get returns the first value of name, or "".
func (h *Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether a field with name exists.
func (h *Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Values returns all values of name in order.
func (h *Header) Values(name string) []string {
	var values []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

// Add appends a field.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Set replaces the first field named name and removes the others, or appends
// a new field if none exists.
func (h *Header) Set(name, value string) {
	replaced := false
	out := h.fields[:0]
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			if replaced {
				continue
			}
			f.Value = value
			replaced = true
		}
		out = append(out, f)
	}
	h.fields = out
	if !replaced {
		h.Add(name, value)
	}
}

// Del removes all fields named name.
func (h *Header) Del(name string) {
	out := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	h.fields = out
}

// Len returns the number of fields.
func (h *Header) Len() int { return len(h.fields) }

// Fields returns a copy of all fields in order.
func (h *Header) Fields() []Field {
	return append([]Field(nil), h.fields...)
}

// Clone returns a deep copy.
func (h *Header) Clone() Header {
	return NewHeader(h.fields...)
}

// ToHTTP converts the header into an http.Header.
func (h *Header) ToHTTP() http.Header {
	out := make(http.Header, len(h.fields))
	for _, f := range h.fields {
		out.Add(f.Name, f.Value)
	}
	return out
}

// HeaderFromHTTP converts an http.Header. Map iteration order is undefined,
// so keys are sorted to keep the result deterministic.
func HeaderFromHTTP(src http.Header) Header {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var h Header
	for _, k := range keys {
		for _, v := range src[k] {
			h.Add(k, v)
		}
	}
	return h
}

// hopByHopHeaders are connection-scoped and never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
}

// RemoveHopByHop deletes connection-scoped fields, including those listed in
// Connection. Upgrade and its Connection token survive when keepUpgrade is set.
func RemoveHopByHop(h *Header, keepUpgrade bool) {
	upgrade := keepUpgrade && h.Has("Upgrade")
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			token = textproto.TrimString(token)
			if token == "" || (upgrade && strings.EqualFold(token, "Upgrade")) {
				continue
			}
			h.Del(token)
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
	if upgrade {
		h.Set("Connection", "Upgrade")
	} else {
		h.Del("Upgrade")
	}
}

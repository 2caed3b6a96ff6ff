package message

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// ErrBodyTooLarge is returned when an inbound body exceeds the configured limit.
var ErrBodyTooLarge = fmt.Errorf("request body too large")

// FromHTTPRequest reads an inbound request into a message. Requests received
// on a TLS-upgraded channel carry origin-form targets and get the https scheme.
// maxBody <= 0 means unlimited.
func FromHTTPRequest(r *http.Request, secure bool, maxBody int64) (*Message, error) {
	m := New()

	u := *r.URL
	if !u.IsAbs() {
		u.Scheme = "http"
		if secure {
			u.Scheme = "https"
		}
		u.Host = r.Host
	}
	if u.Host == "" {
		return nil, fmt.Errorf("request without target host")
	}

	m.Request = RequestHeader{
		Method: r.Method,
		URI:    &u,
		Proto:  r.Proto,
	}
	m.Request.Header.Add("Host", r.Host)
	for _, f := range HeaderFromHTTP(r.Header).fields {
		m.Request.Header.Add(f.Name, f.Value)
	}

	if r.Body != nil && r.Body != http.NoBody {
		reader := io.Reader(r.Body)
		if maxBody > 0 {
			reader = io.LimitReader(r.Body, maxBody+1)
		}
		body, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		if maxBody > 0 && int64(len(body)) > maxBody {
			return nil, ErrBodyTooLarge
		}
		m.RequestBody = body
	}

	// trailer values are only populated once the body was read to EOF
	if len(r.Trailer) > 0 {
		m.SetUserObject(TrailerKey(r.Proto, true), TrailerFields(r.Trailer, r.Header.Values("Trailer")))
	}
	return m, nil
}

// ToHTTPRequest builds the outbound request for the exec chain.
func (m *Message) ToHTTPRequest(ctx context.Context) (*http.Request, error) {
	if m.Request.URI == nil {
		return nil, fmt.Errorf("message has no request URI")
	}
	req, err := http.NewRequestWithContext(ctx, m.Request.Method, m.Request.URI.String(), bytes.NewReader(m.RequestBody))
	if err != nil {
		return nil, err
	}

	header := m.Request.Header.Clone()
	RemoveHopByHop(&header, true)
	if host := header.Get("Host"); host != "" {
		req.Host = host
	}
	header.Del("Host")
	header.Del("Content-Length")
	req.Header = header.ToHTTP()

	for _, key := range []string{TrailersReqH2, TrailersReqHTTP1} {
		if fields, ok := m.Trailers(key); ok && len(fields) > 0 {
			req.Trailer = make(http.Header, len(fields))
			for _, f := range fields {
				req.Trailer.Add(f.Name, f.Value)
			}
			// trailers require chunked framing on HTTP/1.1
			req.ContentLength = -1
			break
		}
	}
	return req, nil
}

// WriteResponse writes the response half to w, including trailers stored in the side-table.
func (m *Message) WriteResponse(w http.ResponseWriter) error {
	header := m.Response.Header.Clone()
	RemoveHopByHop(&header, false)

	var trailers []Field
	for _, key := range []string{TrailersRespH2, TrailersRespHTTP1} {
		if fields, ok := m.Trailers(key); ok && len(fields) > 0 {
			trailers = fields
			break
		}
	}

	out := w.Header()
	for _, f := range header.fields {
		out.Add(f.Name, f.Value)
	}
	if len(trailers) > 0 {
		out.Del("Content-Length")
		for _, f := range trailers {
			out.Add("Trailer", f.Name)
		}
	}

	status := m.Response.StatusCode
	if status == 0 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)

	if len(m.ResponseBody) > 0 && m.Request.Method != http.MethodHead {
		if _, err := w.Write(m.ResponseBody); err != nil {
			return fmt.Errorf("failed to write response body: %w", err)
		}
	}

	for _, f := range trailers {
		out.Add(f.Name, f.Value)
	}
	return nil
}

// TrailerFields converts received trailers into ordered fields. Names declared
// in the Trailer header come first in declaration order, the rest sorted.
// Declared trailers that were never sent have no values and are skipped.
func TrailerFields(trailer http.Header, declared []string) []Field {
	fields := []Field{}
	seen := make(map[string]bool, len(trailer))
	add := func(name string) {
		canonical := http.CanonicalHeaderKey(name)
		if seen[canonical] {
			return
		}
		values, ok := trailer[canonical]
		if !ok {
			return
		}
		seen[canonical] = true
		for _, v := range values {
			fields = append(fields, Field{Name: canonical, Value: v})
		}
	}

	for _, decl := range declared {
		for _, name := range strings.Split(decl, ",") {
			if name = strings.TrimSpace(name); name != "" {
				add(name)
			}
		}
	}

	rest := make([]string, 0, len(trailer))
	for k := range trailer {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		add(k)
	}

	return fields
}

// CloneURL returns a copy of u.
func CloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	c := *u
	if u.User != nil {
		user := *u.User
		c.User = &user
	}
	return &c
}

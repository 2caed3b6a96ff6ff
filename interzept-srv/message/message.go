// Package message holds the in-memory representation of one HTTP exchange.
package message

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Side-table keys under which trailer fields are stored as []Field.
const (
	TrailersReqH2     = "h2.trailers.req"
	TrailersRespH2    = "h2.trailers.resp"
	TrailersReqHTTP1  = "http1.trailers.req"
	TrailersRespHTTP1 = "http1.trailers.resp"
)

// ProtocolTag returns the side-table protocol tag for an HTTP version string.
func ProtocolTag(proto string) string {
	if strings.HasPrefix(proto, "HTTP/2") || proto == "h2" {
		return "h2"
	}
	return "http1"
}

// TrailerKey returns the side-table key for trailers of the given protocol and direction.
func TrailerKey(proto string, request bool) string {
	dir := "resp"
	if request {
		dir = "req"
	}
	return ProtocolTag(proto) + ".trailers." + dir
}

// RequestHeader is the request line and header fields.
type RequestHeader struct {
	Method string
	URI    *url.URL // always absolute
	Proto  string
	Header Header
}

// HostName returns the target host without port.
func (r *RequestHeader) HostName() string {
	if r.URI != nil && r.URI.Host != "" {
		return r.URI.Hostname()
	}
	host := r.Header.Get("Host")
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// HostPort returns the target port, defaulting by scheme.
func (r *RequestHeader) HostPort() int {
	if r.URI != nil {
		if p := r.URI.Port(); p != "" {
			if port, err := strconv.Atoi(p); err == nil {
				return port
			}
		}
	}
	if r.IsSecure() {
		return 443
	}
	return 80
}

// Authority returns host:port of the target.
func (r *RequestHeader) Authority() string {
	return net.JoinHostPort(r.HostName(), strconv.Itoa(r.HostPort()))
}

// IsSecure reports whether the target scheme uses TLS.
func (r *RequestHeader) IsSecure() bool {
	return r.URI != nil && (r.URI.Scheme == "https" || r.URI.Scheme == "wss")
}

// IsIdempotent reports whether the method may be repeated safely.
func (r *RequestHeader) IsIdempotent() bool {
	switch r.Method {
	case "GET", "HEAD", "OPTIONS", "TRACE", "PUT", "DELETE":
		return true
	default:
		return false
	}
}

// ResponseHeader is the status line and header fields.
type ResponseHeader struct {
	Proto      string
	StatusCode int
	Reason     string
	Header     Header
}

// IsEmpty reports whether no status was received yet.
func (r *ResponseHeader) IsEmpty() bool {
	return r.StatusCode == 0
}

// Message is one HTTP exchange. The request half is filled from the client,
// the response half from upstream or from a handler.
type Message struct {
	Request      RequestHeader
	RequestBody  []byte
	Response     ResponseHeader
	ResponseBody []byte // nil until a status was received

	StartedAt time.Time
	Elapsed   time.Duration

	mu          sync.RWMutex
	userObjects map[string]any
}

// New creates an empty message.
func New() *Message {
	return &Message{StartedAt: time.Now()}
}

// NewRequest creates a message for method and an absolute URL.
func NewRequest(method, rawURL string) (*Message, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid request URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("request URL must be absolute: %s", rawURL)
	}
	m := New()
	m.Request = RequestHeader{Method: method, URI: u, Proto: "HTTP/1.1"}
	m.Request.Header.Set("Host", u.Host)
	return m, nil
}

// UserObject returns the side-table value for key.
func (m *Message) UserObject(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.userObjects[key]
	return v, ok
}

// SetUserObject stores value under key in the side-table.
func (m *Message) SetUserObject(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userObjects == nil {
		m.userObjects = make(map[string]any)
	}
	m.userObjects[key] = value
}

// DeleteUserObject removes key from the side-table.
func (m *Message) DeleteUserObject(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.userObjects, key)
}

// UserObjectKeys returns the sorted side-table keys.
func (m *Message) UserObjectKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.userObjects))
	for k := range m.userObjects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Trailers returns the trailer fields stored under key.
func (m *Message) Trailers(key string) ([]Field, bool) {
	v, ok := m.UserObject(key)
	if !ok {
		return nil, false
	}
	fields, ok := v.([]Field)
	return fields, ok
}

// ResetResponse discards the response half.
func (m *Message) ResetResponse() {
	m.Response = ResponseHeader{}
	m.ResponseBody = nil
	m.DeleteUserObject(TrailersRespH2)
	m.DeleteUserObject(TrailersRespHTTP1)
}

// SetResponse replaces the response half with a complete response.
func (m *Message) SetResponse(status int, header Header, body []byte) {
	m.ResetResponse()
	m.Response = ResponseHeader{Proto: "HTTP/1.1", StatusCode: status, Header: header}
	if body == nil {
		body = []byte{}
	}
	m.ResponseBody = body
	m.ReconcileResponseFraming()
}

// ReconcileRequestFraming makes Content-Length match the request body.
func (m *Message) ReconcileRequestFraming() {
	m.Request.Header.Del("Transfer-Encoding")
	if len(m.RequestBody) == 0 && !methodAllowsBody(m.Request.Method) {
		m.Request.Header.Del("Content-Length")
		return
	}
	m.Request.Header.Set("Content-Length", strconv.Itoa(len(m.RequestBody)))
}

// ReconcileResponseFraming makes Content-Length match the buffered response body.
func (m *Message) ReconcileResponseFraming() {
	m.Response.Header.Del("Transfer-Encoding")
	if m.Request.Method == "HEAD" {
		// upstream length of the representation stays
		return
	}
	if !statusAllowsBody(m.Response.StatusCode) {
		m.Response.Header.Del("Content-Length")
		return
	}
	m.Response.Header.Set("Content-Length", strconv.Itoa(len(m.ResponseBody)))
}

func methodAllowsBody(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH":
		return true
	default:
		return false
	}
}

func statusAllowsBody(status int) bool {
	return status >= 200 && status != 204 && status != 304
}

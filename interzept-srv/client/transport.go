package client

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"

	"github.com/codefionn/interzept/interzept-srv/logger"
	"github.com/codefionn/interzept/interzept-srv/metrics"
)

// TransportOptions configures the main transport.
type TransportOptions struct {
	// Timeout bounds every attempt, from dialing until the response body was read.
	Timeout             time.Duration
	MaxIdleConnsPerHost int
	// HTTP3 sends https requests on direct routes over QUIC.
	HTTP3 bool
}

// MainTransport is the terminal element that performs the round trip.
// SOCKS5 routes get a pool per forward, so their connections are never
// handed to direct or HTTP proxy requests.
type MainTransport struct {
	opts      TransportOptions
	dialer    *Dialer
	transport *http.Transport
	h3        *http3.Transport

	mu    sync.Mutex
	socks map[string]*http.Transport
}

// NewMainTransport creates the pooled transport dialing through d.
func NewMainTransport(opts TransportOptions, d *Dialer) (*MainTransport, error) {
	t, err := newPooledTransport(opts, d)
	if err != nil {
		return nil, err
	}

	m := &MainTransport{opts: opts, dialer: d, transport: t, socks: make(map[string]*http.Transport)}
	if opts.HTTP3 {
		m.h3 = &http3.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, // #nosec G402
				NextProtos:         []string{"h3"},
			},
		}
	}
	return m, nil
}

func newPooledTransport(opts TransportOptions, d *Dialer) (*http.Transport, error) {
	t := &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			if route, ok := RouteFromContext(req.Context()); ok {
				return route.ProxyURL(), nil
			}
			return nil, nil
		},
		GetProxyConnectHeader: func(ctx context.Context, _ *url.URL, _ string) (http.Header, error) {
			header := make(http.Header)
			if d.UserAgent != "" {
				header.Set("User-Agent", d.UserAgent)
			}
			if creds, ok := proxyCredentialsFrom(ctx); ok {
				header.Set("Proxy-Authorization", creds.BasicHeader())
			}
			return header, nil
		},
		DialContext:           d.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, // #nosec G402 -- intercepting proxy, peers are not verified
		},
	}
	if err := http2.ConfigureTransport(t); err != nil {
		return nil, err
	}
	return t, nil
}

// transportFor returns the pool serving route.
func (m *MainTransport) transportFor(route *Route) (*http.Transport, error) {
	if route == nil || route.Kind != RouteSocks5 {
		return m.transport, nil
	}

	key := route.network() + "|" + route.ProxyAddress
	if route.Username != nil {
		key += "|" + *route.Username
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.socks[key]; ok {
		return t, nil
	}
	t, err := newPooledTransport(m.opts, m.dialer)
	if err != nil {
		return nil, err
	}
	m.socks[key] = t
	return t, nil
}

func (m *MainTransport) Name() string { return ElementMainTransport }

func (m *MainTransport) terminal() {}

// Execute performs one attempt. The attempt context stays alive until the
// returned body is closed.
func (m *MainTransport) Execute(req *http.Request, scope *Scope, _ Exec) (*http.Response, error) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(req.Context(), m.opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(req.Context())
	}
	req = req.WithContext(ctx)

	route := scope.Route
	if route == nil {
		route, _ = RouteFromContext(req.Context())
	}
	pooled, err := m.transportFor(route)
	if err != nil {
		cancel()
		return nil, err
	}
	rt := http.RoundTripper(pooled)
	if m.h3 != nil && req.URL.Scheme == "https" && (route == nil || route.Kind == RouteDirect) {
		rt = m.h3
	}

	resp, err := rt.RoundTrip(req)
	if err != nil {
		cancel()
		if resp := proxyAuthRequired(req, err); resp != nil {
			metrics.ExecAttemptsTotal.WithLabelValues("response").Inc()
			return resp, nil
		}
		err = classifyTransportError(err, m.opts.Timeout)
		metrics.ExecAttemptsTotal.WithLabelValues(attemptResult(err)).Inc()
		logger.Debug("Attempt %d for %s %s failed: %v", scope.Attempt, req.Method, req.URL, err)
		return nil, err
	}

	metrics.ExecAttemptsTotal.WithLabelValues("response").Inc()
	if rwc, ok := resp.Body.(io.ReadWriteCloser); ok && resp.StatusCode == http.StatusSwitchingProtocols {
		resp.Body = &cancelOnCloseRW{ReadWriteCloser: rwc, cancel: cancel}
	} else {
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	}
	return resp, nil
}

// CloseIdleConnections releases pooled connections.
func (m *MainTransport) CloseIdleConnections() {
	m.transport.CloseIdleConnections()
	m.mu.Lock()
	for _, t := range m.socks {
		t.CloseIdleConnections()
	}
	m.mu.Unlock()
	if m.h3 != nil {
		if err := m.h3.Close(); err != nil {
			logger.Error("Error closing HTTP/3 transport: %v", err)
		}
	}
}

func attemptResult(err error) string {
	var (
		timeoutErr  *TimeoutError
		resolveErr  *HostResolutionError
		protocolErr *ProtocolViolationError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &resolveErr):
		return "resolution_error"
	case errors.As(err, &protocolErr):
		return "protocol_error"
	default:
		return "connection_error"
	}
}

// proxyAuthRequired turns a CONNECT rejected with 407 into a response, so the
// protocol element can answer the challenge like for plain requests.
// http.Transport reports a rejected CONNECT only as an error whose text is
// the reason phrase of the proxy's status line ("Proxy Authentication
// Required"). TestProxyAuthRequiredMatchesTransportError pins that text.
func proxyAuthRequired(req *http.Request, err error) *http.Response {
	if !strings.Contains(err.Error(), http.StatusText(http.StatusProxyAuthRequired)) {
		return nil
	}
	return &http.Response{
		Status:     "407 " + http.StatusText(http.StatusProxyAuthRequired),
		StatusCode: http.StatusProxyAuthRequired,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Body:       http.NoBody,
		Request:    req,
	}
}

func isMalformedResponse(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "malformed HTTP") ||
		strings.Contains(msg, "server gave HTTP response to HTTPS client")
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// cancelOnCloseRW keeps the upgraded stream writable.
type cancelOnCloseRW struct {
	io.ReadWriteCloser
	cancel context.CancelFunc
}

func (c *cancelOnCloseRW) Close() error {
	err := c.ReadWriteCloser.Close()
	c.cancel()
	return err
}

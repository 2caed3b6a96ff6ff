package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	go_socks5 "github.com/armon/go-socks5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/interzept/interzept-srv/channel"
	"github.com/codefionn/interzept/interzept-srv/config"
	"github.com/codefionn/interzept/interzept-srv/message"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.TimeoutSeconds = 5
	cfg.Retry.MaxRetries = 0
	return cfg
}

func newTestSender(t *testing.T, cfg *config.Config) *Sender {
	t.Helper()
	s, err := NewSender(cfg, Deps{})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newMessage(t *testing.T, method, rawURL string) *message.Message {
	t.Helper()
	msg, err := message.NewRequest(method, rawURL)
	require.NoError(t, err)
	return msg
}

func TestSenderDefaultChain(t *testing.T) {
	s := newTestSender(t, testConfig())
	assert.Equal(t, []string{ElementRetry, ElementProtocol, ElementConnect, ElementMainTransport}, s.Chain().Names())
}

func TestSenderCustomizedChain(t *testing.T) {
	var log []string
	s, err := NewSender(testConfig(), Deps{
		Customize: func(b *ChainBuilder) {
			b.AddAfter(ElementProtocol, &passElement{name: "audit", log: &log})
		},
	})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, []string{ElementRetry, ElementProtocol, "audit", ElementConnect, ElementMainTransport}, s.Chain().Names())

	_, err = NewSender(testConfig(), Deps{
		Customize: func(b *ChainBuilder) { b.AddBefore("missing", &passElement{name: "x", log: &log}) },
	})
	var buildErr *ChainBuildError
	assert.True(t, errors.As(err, &buildErr))
}

func TestSenderFillsResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Host", r.Host)
		w.Header().Set("X-User-Agent", r.UserAgent())
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprint(w, "hello")
	}))
	defer backend.Close()

	s := newTestSender(t, testConfig())
	msg := newMessage(t, http.MethodGet, backend.URL+"/path")
	msg.Request.Header.Set("Host", "rewritten.example")

	require.NoError(t, s.Send(context.Background(), msg))

	assert.Equal(t, http.StatusOK, msg.Response.StatusCode)
	assert.Equal(t, "hello", string(msg.ResponseBody))
	assert.Equal(t, "5", msg.Response.Header.Get("Content-Length"))
	backendURL, _ := url.Parse(backend.URL)
	assert.Equal(t, backendURL.Host, msg.Response.Header.Get("X-Host"))
	assert.Equal(t, config.DefaultUserAgent, msg.Response.Header.Get("X-User-Agent"))
}

func TestSenderTrailersInOrder(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Trailer", "a, b")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, "body")
		w.Header().Set("a", "1")
		w.Header().Set("b", "2")
	}))
	defer backend.Close()

	s := newTestSender(t, testConfig())
	msg := newMessage(t, http.MethodGet, backend.URL)
	require.NoError(t, s.Send(context.Background(), msg))

	assert.Equal(t, "body", string(msg.ResponseBody))
	fields, ok := msg.Trailers(message.TrailersRespHTTP1)
	require.True(t, ok)
	assert.Equal(t, []message.Field{{Name: "A", Value: "1"}, {Name: "B", Value: "2"}}, fields)
}

func TestSenderWithoutTrailers(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	s := newTestSender(t, testConfig())
	msg := newMessage(t, http.MethodGet, backend.URL)
	require.NoError(t, s.Send(context.Background(), msg))

	require.NotNil(t, msg.ResponseBody)
	assert.Empty(t, msg.ResponseBody)
	_, ok := msg.UserObject(message.TrailersRespHTTP1)
	assert.False(t, ok)
}

func TestSenderTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer backend.Close()

	dialer := &Dialer{Timeout: time.Second}
	transport, err := NewMainTransport(TransportOptions{Timeout: 100 * time.Millisecond}, dialer)
	require.NoError(t, err)
	chain, err := NewChainBuilder(NewRetryElement(fastStrategy(2)), transport).Build()
	require.NoError(t, err)
	s := NewSenderWithChain(chain, dialer, nil)
	defer s.Close()

	msg := newMessage(t, http.MethodGet, backend.URL)
	err = s.Send(context.Background(), msg)

	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr), "got %v", err)
	assert.Equal(t, 100*time.Millisecond, timeoutErr.Timeout)
	assert.Contains(t, err.Error(), "100ms")
}

func TestSenderHostResolutionError(t *testing.T) {
	t.Run("origin host", func(t *testing.T) {
		s := newTestSender(t, testConfig())
		err := s.Send(context.Background(), newMessage(t, http.MethodGet, "http://host.invalid/"))

		var resolveErr *HostResolutionError
		require.True(t, errors.As(err, &resolveErr), "got %v", err)
		assert.Equal(t, "host.invalid", resolveErr.Host)
		assert.False(t, resolveErr.ProxyHost)
	})

	t.Run("proxy host", func(t *testing.T) {
		cfg := testConfig()
		cfg.Forwards = []config.Forward{&config.ForwardProxy{Address: "proxy.invalid:3128"}}
		s := newTestSender(t, cfg)
		err := s.Send(context.Background(), newMessage(t, http.MethodGet, "http://127.0.0.1:1/"))

		var resolveErr *HostResolutionError
		require.True(t, errors.As(err, &resolveErr), "got %v", err)
		assert.Equal(t, "proxy.invalid", resolveErr.Host)
		assert.True(t, resolveErr.ProxyHost)
	})
}

func TestSenderBasicAuth(t *testing.T) {
	var requests atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "secret" {
			w.Header().Set("WWW-Authenticate", `Basic realm="test"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = fmt.Fprint(w, "welcome")
	}))
	defer backend.Close()
	backendURL, _ := url.Parse(backend.URL)
	port, _ := strconv.Atoi(backendURL.Port())

	newCfg := func(cachingDisabled bool) *config.Config {
		cfg := testConfig()
		cfg.Auth.CachingDisabled = cachingDisabled
		cfg.Auth.Credentials = []config.AuthCredential{
			{Host: backendURL.Hostname(), Port: port, Realm: "test", Username: "alice", Password: "secret"},
		}
		return cfg
	}

	t.Run("challenge then preemptive", func(t *testing.T) {
		requests.Store(0)
		s := newTestSender(t, newCfg(false))

		msg := newMessage(t, http.MethodGet, backend.URL)
		require.NoError(t, s.Send(context.Background(), msg))
		assert.Equal(t, http.StatusOK, msg.Response.StatusCode)
		assert.Equal(t, int32(2), requests.Load())

		msg = newMessage(t, http.MethodGet, backend.URL)
		require.NoError(t, s.Send(context.Background(), msg))
		assert.Equal(t, "welcome", string(msg.ResponseBody))
		assert.Equal(t, int32(3), requests.Load())
	})

	t.Run("caching disabled", func(t *testing.T) {
		requests.Store(0)
		s := newTestSender(t, newCfg(true))

		for i := 0; i < 2; i++ {
			msg := newMessage(t, http.MethodGet, backend.URL)
			require.NoError(t, s.Send(context.Background(), msg))
			assert.Equal(t, http.StatusOK, msg.Response.StatusCode)
		}
		assert.Equal(t, int32(4), requests.Load())
	})

	t.Run("no credentials", func(t *testing.T) {
		s := newTestSender(t, testConfig())
		msg := newMessage(t, http.MethodGet, backend.URL)
		require.NoError(t, s.Send(context.Background(), msg))
		assert.Equal(t, http.StatusUnauthorized, msg.Response.StatusCode)
	})
}

func TestSenderCookies(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err == nil {
			_, _ = fmt.Fprint(w, c.Value)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
	}))
	defer backend.Close()

	for _, tc := range []struct {
		usage config.CookieUsage
		want  string
	}{
		{config.CookieUsageGlobal, "abc"},
		{config.CookieUsageLocal, "abc"},
		{config.CookieUsageIgnore, ""},
	} {
		t.Run(string(tc.usage), func(t *testing.T) {
			cfg := testConfig()
			cfg.CookieUsage = tc.usage
			s := newTestSender(t, cfg)

			require.NoError(t, s.Send(context.Background(), newMessage(t, http.MethodGet, backend.URL)))
			msg := newMessage(t, http.MethodGet, backend.URL)
			require.NoError(t, s.Send(context.Background(), msg))
			assert.Equal(t, tc.want, string(msg.ResponseBody))
		})
	}
}

func TestSenderSocks5Forward(t *testing.T) {
	socksServer, err := go_socks5.New(&go_socks5.Config{})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() { _ = socksServer.Serve(ln) }()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "from-backend")
	}))
	defer backend.Close()
	backendURL, _ := url.Parse(backend.URL)

	cfg := testConfig()
	cfg.Forwards = []config.Forward{
		&config.ForwardSocks5{
			ClassifierData: &config.ClassifierDomain{Op: config.ClassifierOpEqual, Domain: backendURL.Hostname()},
			Address:        ln.Addr().String(),
		},
	}
	s := newTestSender(t, cfg)

	msg := newMessage(t, http.MethodGet, backend.URL)
	require.NoError(t, s.Send(context.Background(), msg))
	assert.Equal(t, "from-backend", string(msg.ResponseBody))

	route := s.Planner().Plan(backendURL.Hostname(), 80, false)
	assert.Equal(t, RouteSocks5, route.Kind)
}

func TestSenderRecursiveRequestsRouteDirect(t *testing.T) {
	t.Run("forward unreachable", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w, "direct")
		}))
		defer backend.Close()

		closed, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		deadAddr := closed.Addr().String()
		require.NoError(t, closed.Close())

		cfg := testConfig()
		cfg.Forwards = []config.Forward{&config.ForwardSocks5{Address: deadAddr}}
		s := newTestSender(t, cfg)

		err = s.Send(context.Background(), newMessage(t, http.MethodGet, backend.URL))
		require.Error(t, err)

		msg := newMessage(t, http.MethodGet, backend.URL)
		require.NoError(t, s.Send(channel.WithRecursiveMessage(context.Background()), msg))
		assert.Equal(t, "direct", string(msg.ResponseBody))
	})

	t.Run("pooled socks5 connection not reused", func(t *testing.T) {
		socksServer, err := go_socks5.New(&go_socks5.Config{})
		require.NoError(t, err)
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		go func() { _ = socksServer.Serve(ln) }()

		var newConns atomic.Int32
		backend := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w, "ok")
		}))
		backend.Config.ConnState = func(_ net.Conn, state http.ConnState) {
			if state == http.StateNew {
				newConns.Add(1)
			}
		}
		backend.Start()
		defer backend.Close()

		cfg := testConfig()
		cfg.Forwards = []config.Forward{&config.ForwardSocks5{Address: ln.Addr().String()}}
		s := newTestSender(t, cfg)

		require.NoError(t, s.Send(context.Background(), newMessage(t, http.MethodGet, backend.URL)))
		require.Equal(t, int32(1), newConns.Load())

		msg := newMessage(t, http.MethodGet, backend.URL)
		require.NoError(t, s.Send(channel.WithRecursiveMessage(context.Background()), msg))
		assert.Equal(t, "ok", string(msg.ResponseBody))
		assert.Equal(t, int32(2), newConns.Load())

		// the forwarded pool is still used for forwarded requests
		require.NoError(t, s.Send(context.Background(), newMessage(t, http.MethodGet, backend.URL)))
		assert.Equal(t, int32(2), newConns.Load())
	})
}

func TestSenderDeclaredTrailersNotSent(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Trailer", "X-Sum")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, "body")
	}))
	defer backend.Close()

	s := newTestSender(t, testConfig())
	msg := newMessage(t, http.MethodGet, backend.URL)
	require.NoError(t, s.Send(context.Background(), msg))

	assert.Equal(t, "body", string(msg.ResponseBody))
	_, ok := msg.UserObject(message.TrailersRespHTTP1)
	assert.False(t, ok, "keys=%v", msg.UserObjectKeys())
}

// newForwardProxy starts an HTTP proxy supporting absolute-form requests and
// CONNECT. A non-empty auth requires that Proxy-Authorization value.
func newForwardProxy(t *testing.T, auth string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if auth != "" && r.Header.Get("Proxy-Authorization") != auth {
			w.Header().Set("Proxy-Authenticate", `Basic realm="proxy"`)
			w.WriteHeader(http.StatusProxyAuthRequired)
			return
		}

		if r.Method == http.MethodConnect {
			target, err := net.Dial("tcp", r.Host)
			if err != nil {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			conn, rw, err := w.(http.Hijacker).Hijack()
			if err != nil {
				_ = target.Close()
				return
			}
			_, _ = conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
			go func() {
				_, _ = io.Copy(target, rw)
				_ = target.Close()
			}()
			_, _ = io.Copy(conn, target)
			_ = conn.Close()
			return
		}

		outReq, err := http.NewRequest(r.Method, r.URL.String(), r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		outReq.Header = r.Header.Clone()
		outReq.Header.Del("Proxy-Authorization")
		resp, err := http.DefaultTransport.RoundTrip(outReq)
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		for k, v := range resp.Header {
			w.Header()[k] = v
		}
		w.Header().Set("X-Via-Proxy", "1")
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestSenderHTTPProxyForward(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "plain")
	}))
	defer backend.Close()
	tlsBackend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "secure")
	}))
	defer tlsBackend.Close()

	proxySrv, hits := newForwardProxy(t, "")
	proxyURL, _ := url.Parse(proxySrv.URL)

	cfg := testConfig()
	cfg.Forwards = []config.Forward{&config.ForwardProxy{Address: proxyURL.Host}}
	s := newTestSender(t, cfg)

	msg := newMessage(t, http.MethodGet, backend.URL)
	require.NoError(t, s.Send(context.Background(), msg))
	assert.Equal(t, "plain", string(msg.ResponseBody))
	assert.Equal(t, "1", msg.Response.Header.Get("X-Via-Proxy"))

	msg = newMessage(t, http.MethodGet, tlsBackend.URL)
	require.NoError(t, s.Send(context.Background(), msg))
	assert.Equal(t, "secure", string(msg.ResponseBody))
	assert.Equal(t, int32(2), hits.Load())
}

func TestSenderProxyAuthChallenge(t *testing.T) {
	tlsBackend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Proxy-Authorization"))
		_, _ = fmt.Fprint(w, "secure")
	}))
	defer tlsBackend.Close()

	creds := Credentials{Username: "bob", Password: "pw"}
	proxySrv, hits := newForwardProxy(t, creds.BasicHeader())
	proxyURL, _ := url.Parse(proxySrv.URL)
	proxyPort, _ := strconv.Atoi(proxyURL.Port())

	cfg := testConfig()
	cfg.Forwards = []config.Forward{&config.ForwardProxy{Address: proxyURL.Host}}
	cfg.Auth.Credentials = []config.AuthCredential{
		{Host: proxyURL.Hostname(), Port: proxyPort, Username: "bob", Password: "pw", Proxy: true},
	}
	s := newTestSender(t, cfg)

	msg := newMessage(t, http.MethodGet, tlsBackend.URL)
	require.NoError(t, s.Send(context.Background(), msg))
	assert.Equal(t, "secure", string(msg.ResponseBody))
	assert.Equal(t, int32(2), hits.Load())
}

func TestDialRouteThroughHTTPProxy(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echo.Close()
	go func() {
		conn, err := echo.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()

	proxySrv, _ := newForwardProxy(t, "")
	proxyURL, _ := url.Parse(proxySrv.URL)

	d := &Dialer{Timeout: time.Second}
	conn, err := d.DialRoute(context.Background(), &Route{Kind: RouteHTTPProxy, Target: echo.Addr().String(), ProxyAddress: proxyURL.Host})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ping\n", line)
}

func TestDialRouteProxyDenied(t *testing.T) {
	proxySrv, _ := newForwardProxy(t, "Basic nope")
	proxyURL, _ := url.Parse(proxySrv.URL)

	d := &Dialer{Timeout: time.Second}
	_, err := d.DialRoute(context.Background(), &Route{Kind: RouteHTTPProxy, Target: "127.0.0.1:1", ProxyAddress: proxyURL.Host})

	var denied *ProxyDeniedError
	require.True(t, errors.As(err, &denied), "got %v", err)
	assert.Equal(t, http.StatusProxyAuthRequired, denied.StatusCode)
}

package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/netutil"

	"github.com/codefionn/interzept/interzept-srv/channel"
	"github.com/codefionn/interzept/interzept-srv/classifier"
	"github.com/codefionn/interzept/interzept-srv/client"
	"github.com/codefionn/interzept/interzept-srv/config"
	"github.com/codefionn/interzept/interzept-srv/logger"
	"github.com/codefionn/interzept/interzept-srv/message"
	"github.com/codefionn/interzept/interzept-srv/metrics"
	"github.com/codefionn/interzept/interzept-srv/pipeline"
	"github.com/codefionn/interzept/interzept-srv/stats"
)

const defaultHandshakeTimeout = 10 * time.Second

// Options are the shared services a server runs with.
type Options struct {
	Config   *config.Config
	Pipeline *pipeline.Pipeline
	Sender   *client.Sender
	// Issuer mints certificates for intercepted tunnels; nil relays every
	// CONNECT as a raw tunnel.
	Issuer      *CertificateIssuer
	Collector   stats.Collector
	Classifiers *classifier.Set
	// Local answers requests addressed to the proxy; defaults to LocalPages.
	Local       pipeline.LocalResponder
	Pool        *pipeline.WorkerPool
	MaxBodySize int64
}

// Server is one listening endpoint of the proxy.
type Server struct {
	cfg          *config.Config
	self         *ServerConfig
	sender       *client.Sender
	issuer       *CertificateIssuer
	collector    stats.Collector
	processor    *pipeline.Processor
	passThroughs []classifier.Classifier
	maxBody      int64

	listener   net.Listener
	httpServer *http.Server

	mu    sync.Mutex
	conns map[*channel.Channel]*trackedConn
	wg    sync.WaitGroup
}

// Bind opens the listener of sc on address. Binding the wildcard address is
// only allowed when the server is configured for it.
func Bind(address string, sc *ServerConfig, opts Options) (*Server, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, &BindError{Address: address, Kind: BindOther, Cause: err}
	}
	if isWildcardHost(host) && !sc.IsAnyLocalAddress() {
		return nil, &BindError{Address: address, Kind: BindWildcardNotPermitted}
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Sender == nil {
		return nil, NewProxyError(ErrCodeInvalidServerConfig, "server requires a sender", nil)
	}
	if opts.Collector == nil {
		opts.Collector = stats.NewDummyCollector()
	}
	if opts.Pipeline == nil {
		opts.Pipeline = pipeline.New()
	}
	if opts.Local == nil {
		opts.Local = NewLocalPages(sc, opts.Issuer)
	}
	if opts.Classifiers == nil {
		set, err := classifier.NewSet(opts.Config.Classifiers)
		if err != nil {
			return nil, NewProxyError(ErrCodeInvalidServerConfig, "invalid classifiers", err)
		}
		opts.Classifiers = set
	}

	s := &Server{
		cfg:       opts.Config,
		self:      sc,
		sender:    opts.Sender,
		issuer:    opts.Issuer,
		collector: opts.Collector,
		maxBody:   opts.MaxBodySize,
		conns:     make(map[*channel.Channel]*trackedConn),
	}
	for i, pt := range opts.Config.PassThroughs {
		if !pt.Enabled {
			continue
		}
		c, err := opts.Classifiers.Compile(pt.Classifier)
		if err != nil {
			return nil, NewProxyError(ErrCodeInvalidServerConfig, fmt.Sprintf("pass-through[%d]", i), err)
		}
		s.passThroughs = append(s.passThroughs, c)
	}
	s.processor = &pipeline.Processor{
		Pipeline:      opts.Pipeline,
		Sender:        opts.Sender,
		Local:         opts.Local,
		Self:          sc,
		ErrorResponse: ErrorResponder,
		OnError:       s.recordError,
		Pool:          opts.Pool,
	}

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, newBindError(address, err)
	}
	sc.SetBoundAddress(ln.Addr())
	if n := opts.Config.MaxConcurrentConnections; n > 0 {
		ln = netutil.LimitListener(ln, n)
	}
	s.listener = &trackingListener{
		Listener:  ln,
		collector: s.collector,
		onAccept:  s.trackConn,
		onClose:   s.untrackConn,
	}

	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			tc, ok := c.(*trackedConn)
			if !ok {
				return ctx
			}
			return withTrackedConn(channel.NewContext(ctx, tc.ch), tc)
		},
		ConnState: func(c net.Conn, state http.ConnState) {
			if state != http.StateClosed {
				return
			}
			if tc, ok := c.(*trackedConn); ok {
				if err := tc.ch.Close(); err != nil && !isClosedConnError(err) {
					tc.ch.Log().Debug("Error closing channel: %v", err)
				}
			}
		},
	}

	logger.Info("Proxy listening on %s", ln.Addr())
	return s, nil
}

func isWildcardHost(host string) bool {
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// ServerConfig returns the runtime configuration of the server.
func (s *Server) ServerConfig() *ServerConfig { return s.self }

// Serve accepts connections until Shutdown is called.
func (s *Server) Serve() error {
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, waits for in-flight exchanges and
// closes the remaining channels, including tunnels.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	// Shutdown only closes listeners that Serve was called with
	if closeErr := s.listener.Close(); closeErr != nil && !isClosedConnError(closeErr) {
		logger.Debug("Error closing listener: %v", closeErr)
	}

	s.mu.Lock()
	open := make([]*channel.Channel, 0, len(s.conns))
	for ch := range s.conns {
		open = append(open, ch)
	}
	s.mu.Unlock()
	for _, ch := range open {
		if closeErr := ch.Close(); closeErr != nil && !isClosedConnError(closeErr) {
			ch.Log().Debug("Error closing channel on shutdown: %v", closeErr)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// OpenChannels returns the number of client connections currently open.
func (s *Server) OpenChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) trackConn(tc *trackedConn) {
	s.mu.Lock()
	s.conns[tc.ch] = tc
	s.mu.Unlock()
	tc.ch.Log().Debug("Accepted connection from %s", tc.RemoteAddr())
}

func (s *Server) untrackConn(tc *trackedConn) {
	s.mu.Lock()
	delete(s.conns, tc.ch)
	s.mu.Unlock()
}

func (s *Server) statsID(ch *channel.Channel) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tc, ok := s.conns[ch]; ok {
		return tc.statsID
	}
	return 0
}

func (s *Server) recordError(ch *channel.Channel, err error) {
	code, _ := ErrorCode(err, false)
	var id int64
	if ch != nil {
		ch.Log().Debug("Exchange error %s: %v", code, err)
		id = s.statsID(ch)
	}
	if recErr := s.collector.RecordError(context.Background(), id, code, err.Error()); recErr != nil {
		logger.Debug("Failed to record error: %v", recErr)
	}
}

// ServeHTTP receives every message of a channel, including those decrypted
// from an intercepted tunnel.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ch, ok := channel.FromContext(r.Context())
	if !ok {
		NewErrorResponse(ErrCodeInternalError, http.StatusInternalServerError).Write(w)
		return
	}

	if r.Method == http.MethodConnect {
		s.handleConnect(w, r, ch)
		return
	}

	secure := r.TLS != nil || ch.Attributes().TLSUpgraded
	msg, err := message.FromHTTPRequest(r, secure, s.maxBody)
	if err != nil {
		code, status := ErrCodeHTTPRequestReadFailed, http.StatusBadRequest
		if errors.Is(err, message.ErrBodyTooLarge) {
			code, status = ErrCodeRequestBodyTooLarge, http.StatusRequestEntityTooLarge
		}
		ch.Log().Debug("Rejecting request: %v", err)
		NewErrorResponse(code, status).Write(w)
		return
	}
	if target, ok := connectTargetFrom(r.Context()); ok && msg.Request.URI.Port() == "" && target.port != 443 {
		msg.Request.URI.Host = net.JoinHostPort(msg.Request.URI.Hostname(), strconv.Itoa(target.port))
	}

	res := s.processor.Process(r.Context(), ch, msg)
	if msg.Response.IsEmpty() && res.Err != nil && res.CloseChannel {
		// the channel went away before processing started
		ch.Log().Debug("Dropping %s %s: %v", msg.Request.Method, msg.Request.URI, res.Err)
		return
	}
	s.recordExchange(ch, msg, res)

	stream, hasStream := upgradeStream(msg)
	if hasStream {
		if msg.Response.StatusCode == http.StatusSwitchingProtocols {
			s.handleUpgrade(w, ch, msg, stream)
			return
		}
		closeStream(stream)
	}
	if msg.Response.StatusCode == http.StatusSwitchingProtocols {
		NewErrorResponse(ErrCodeHTTPUpgradeFailed, http.StatusBadGateway).Apply(msg)
	}

	if res.CloseChannel {
		if r.ProtoMajor < 2 {
			w.Header().Set("Connection", "close")
		} else {
			defer func() {
				if err := ch.Close(); err != nil && !isClosedConnError(err) {
					ch.Log().Debug("Error closing channel: %v", err)
				}
			}()
		}
	}
	if err := msg.WriteResponse(w); err != nil {
		ch.Log().Debug("%s: %v", GetErrorDescription(ErrCodeHTTPResponseWriteFailed), err)
	}
}

func (s *Server) recordExchange(ch *channel.Channel, msg *message.Message, res pipeline.Result) {
	ex := stats.Exchange{
		Method:        msg.Request.Method,
		Host:          msg.Request.HostName(),
		StatusCode:    msg.Response.StatusCode,
		RequestBytes:  int64(len(msg.RequestBody)),
		ResponseBytes: int64(len(msg.ResponseBody)),
		Outcome:       res.Outcome,
		Recursive:     res.Outcome == pipeline.OutcomeLocal,
		Duration:      msg.Elapsed,
	}
	if msg.Request.URI != nil {
		ex.URL = msg.Request.URI.String()
	}
	if err := s.collector.RecordExchange(context.Background(), s.statsID(ch), ex); err != nil {
		ch.Log().Debug("Failed to record exchange: %v", err)
	}
}

func upgradeStream(msg *message.Message) (io.ReadWriteCloser, bool) {
	v, ok := msg.UserObject(client.UpgradeStreamKey)
	if !ok {
		return nil, false
	}
	stream, ok := v.(io.ReadWriteCloser)
	return stream, ok
}

func closeStream(stream io.Closer) {
	if err := stream.Close(); err != nil && !isClosedConnError(err) {
		logger.Debug("Error closing upgraded stream: %v", err)
	}
}

// handleUpgrade writes the 101 response and relays the upgraded protocol
// between client and upstream until either side ends.
func (s *Server) handleUpgrade(w http.ResponseWriter, ch *channel.Channel, msg *message.Message, upstream io.ReadWriteCloser) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		closeStream(upstream)
		ch.Log().Warn("%s for upgraded %s", GetErrorDescription(ErrCodeHTTPHijackNotSupported), msg.Request.URI)
		NewErrorResponse(ErrCodeHTTPUpgradeFailed, http.StatusBadGateway).Write(w)
		return
	}
	clientConn, brw, err := hijacker.Hijack()
	if err != nil {
		closeStream(upstream)
		ch.Log().Error("%s: %v", GetErrorDescription(ErrCodeHTTPHijackFailed), err)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	reason := msg.Response.Reason
	if reason == "" {
		reason = http.StatusText(http.StatusSwitchingProtocols)
	}
	var head bytes.Buffer
	fmt.Fprintf(&head, "HTTP/1.1 %d %s\r\n", http.StatusSwitchingProtocols, reason)
	for _, f := range msg.Response.Header.Fields() {
		fmt.Fprintf(&head, "%s: %s\r\n", f.Name, f.Value)
	}
	head.WriteString("\r\n")
	if _, err := clientConn.Write(head.Bytes()); err != nil {
		ch.Log().Debug("Failed to write upgrade response: %v", err)
		closeStream(upstream)
		_ = ch.Close()
		return
	}

	ch.Log().Debug("Relaying upgraded connection to %s", msg.Request.URI)
	sent, received := relay(withReader(clientConn, brw.Reader), upstream)
	ch.Log().Debug("Upgraded connection ended, %d bytes sent, %d bytes received", sent, received)
	_ = ch.Close()
}

type connectTarget struct {
	host string
	port int
}

func parseConnectTarget(authority string) connectTarget {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return connectTarget{host: authority, port: 443}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		port = 443
	}
	return connectTarget{host: host, port: port}
}

func (t connectTarget) String() string {
	return net.JoinHostPort(t.host, strconv.Itoa(t.port))
}

func (s *Server) shouldIntercept(target connectTarget) bool {
	if s.issuer == nil || !s.cfg.Interception.Enabled {
		return false
	}
	input := classifier.NewInput(target.host, target.port)
	for i, c := range s.passThroughs {
		matched, err := c.Classify(input)
		if err != nil {
			logger.Error("Error evaluating pass-through[%d]: %v", i, err)
			continue
		}
		if matched {
			return false
		}
	}
	return true
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, ch *channel.Channel) {
	if ch.Attributes().TLSUpgraded {
		ch.Log().Warn("Rejecting CONNECT %s inside an intercepted tunnel", r.Host)
		NewErrorResponse(ErrCodeNestedConnect, http.StatusMethodNotAllowed).Write(w)
		return
	}
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		NewErrorResponse(ErrCodeHTTPHijackNotSupported, http.StatusInternalServerError).Write(w)
		return
	}

	authority := r.Host
	if r.URL != nil && r.URL.Host != "" {
		authority = r.URL.Host
	}
	target := parseConnectTarget(authority)

	if s.shouldIntercept(target) {
		s.interceptConnect(hijacker, r, ch, target)
	} else {
		s.tunnelConnect(w, hijacker, r, ch, target)
	}
}

// tunnelConnect relays the CONNECT tunnel as raw bytes to the target, using
// the same route an exchange to the target would take.
func (s *Server) tunnelConnect(w http.ResponseWriter, hijacker http.Hijacker, r *http.Request, ch *channel.Channel, target connectTarget) {
	route := s.sender.Planner().Plan(target.host, target.port, false)
	ch.Log().Debug("Tunneling CONNECT %s (%s)", target, route)

	upstream, err := s.sender.Dialer().DialRoute(r.Context(), route)
	if err != nil {
		metrics.ConnectsTotal.WithLabelValues("failure").Inc()
		s.recordError(ch, err)
		code, status := ErrorCode(err, false)
		ch.Log().Warn("Failed to connect to %s: %v", target, err)
		NewErrorResponse(code, status).Write(w)
		return
	}

	clientConn, brw, err := hijacker.Hijack()
	if err != nil {
		closeStream(upstream)
		ch.Log().Error("%s: %v", GetErrorDescription(ErrCodeHTTPHijackFailed), err)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		ch.Log().Debug("Failed to write CONNECT response: %v", err)
		closeStream(upstream)
		_ = ch.Close()
		return
	}
	metrics.ConnectsTotal.WithLabelValues("tunnel").Inc()

	sent, received := relay(withReader(clientConn, brw.Reader), upstream)
	ch.Log().Debug("Tunnel to %s closed, %d bytes sent, %d bytes received", target, sent, received)
	_ = ch.Close()
}

// interceptConnect terminates TLS on the tunnel with a certificate minted for
// the target and serves the decrypted messages on the same channel.
func (s *Server) interceptConnect(hijacker http.Hijacker, r *http.Request, ch *channel.Channel, target connectTarget) {
	clientConn, brw, err := hijacker.Hijack()
	if err != nil {
		ch.Log().Error("%s: %v", GetErrorDescription(ErrCodeHTTPHijackFailed), err)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		ch.Log().Debug("Failed to write CONNECT response: %v", err)
		_ = ch.Close()
		return
	}

	tlsConn := tls.Server(withReader(clientConn, brw.Reader), s.issuer.TLSConfig(target.host, s.self.AlpnEnabled()))
	timeout := s.cfg.Timeout()
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	hsCtx, cancel := context.WithTimeout(context.Background(), timeout)
	err = tlsConn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		metrics.ConnectsTotal.WithLabelValues("failure").Inc()
		ch.Log().Warn("%s for %s: %v", GetErrorDescription(ErrCodeTLSHandshakeFailed), target, err)
		if recErr := s.collector.RecordError(context.Background(), s.statsID(ch), ErrCodeTLSHandshakeFailed, err.Error()); recErr != nil {
			logger.Debug("Failed to record error: %v", recErr)
		}
		_ = ch.Close()
		return
	}

	if err := ch.MarkTLSUpgraded(); err != nil {
		ch.Log().Error("Failed to mark channel as upgraded: %v", err)
		_ = tlsConn.Close()
		_ = ch.Close()
		return
	}
	ch.SetCloser(tlsConn.Close)
	metrics.ConnectsTotal.WithLabelValues("intercept").Inc()
	ch.Log().Debug("Intercepting %s (%s)", target, tlsConn.ConnectionState().NegotiatedProtocol)

	tc, _ := trackedConnFrom(r.Context())
	s.serveIntercepted(ch, tc, tlsConn, target)
}

func (s *Server) serveIntercepted(ch *channel.Channel, tc *trackedConn, tlsConn *tls.Conn, target connectTarget) {
	ln := newSingleConnListener(tlsConn)
	inner := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ConnContext: func(ctx context.Context, _ net.Conn) context.Context {
			ctx = channel.NewContext(ctx, ch)
			if tc != nil {
				ctx = withTrackedConn(ctx, tc)
			}
			return withConnectTarget(ctx, target)
		},
		ConnState: func(_ net.Conn, state http.ConnState) {
			if state == http.StateClosed {
				_ = ch.Close()
			}
		},
	}
	if s.self.AlpnEnabled() {
		if err := http2.ConfigureServer(inner, &http2.Server{IdleTimeout: 120 * time.Second}); err != nil {
			ch.Log().Warn("Failed to enable h2 on intercepted tunnel: %v", err)
		}
	}

	go func() {
		if err := inner.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			ch.Log().Debug("Intercepted tunnel server ended: %v", err)
		}
	}()
	<-ch.Done()
	_ = ln.Close()
}

// singleConnListener hands out one connection, then blocks until closed.
type singleConnListener struct {
	mu     sync.Mutex
	conn   net.Conn
	addr   net.Addr
	closed chan struct{}
	once   sync.Once
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	return &singleConnListener{conn: conn, addr: conn.LocalAddr(), closed: make(chan struct{})}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	<-l.closed
	return nil, net.ErrClosed
}

func (l *singleConnListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return l.addr }

type ctxKey int

const (
	trackedConnKey ctxKey = iota
	connectTargetKey
)

func withTrackedConn(ctx context.Context, tc *trackedConn) context.Context {
	return context.WithValue(ctx, trackedConnKey, tc)
}

func trackedConnFrom(ctx context.Context) (*trackedConn, bool) {
	tc, ok := ctx.Value(trackedConnKey).(*trackedConn)
	return tc, ok
}

func withConnectTarget(ctx context.Context, target connectTarget) context.Context {
	return context.WithValue(ctx, connectTargetKey, target)
}

func connectTargetFrom(ctx context.Context) (connectTarget, bool) {
	target, ok := ctx.Value(connectTargetKey).(connectTarget)
	return target, ok
}

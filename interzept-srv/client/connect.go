package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"github.com/codefionn/interzept/interzept-srv/channel"
	"github.com/codefionn/interzept/interzept-srv/classifier"
	"github.com/codefionn/interzept/interzept-srv/config"
	"github.com/codefionn/interzept/interzept-srv/logger"
	"github.com/codefionn/interzept/interzept-srv/resolver"
)

// RouteKind is how the target is reached.
type RouteKind int

const (
	RouteDirect RouteKind = iota
	RouteSocks5
	RouteHTTPProxy
)

func (k RouteKind) String() string {
	switch k {
	case RouteSocks5:
		return "socks5"
	case RouteHTTPProxy:
		return "http-proxy"
	default:
		return "direct"
	}
}

// Route is the planned path to a target.
type Route struct {
	Kind         RouteKind
	Target       string // host:port
	ProxyAddress string // host:port of the forward proxy
	Username     *string
	Password     *string
	ForceIPv4    bool
}

func (r *Route) network() string {
	if r.ForceIPv4 {
		return "tcp4"
	}
	return "tcp"
}

// ProxyURL returns the forward proxy URL for HTTP proxy routes.
func (r *Route) ProxyURL() *url.URL {
	if r.Kind != RouteHTTPProxy {
		return nil
	}
	u := &url.URL{Scheme: "http", Host: r.ProxyAddress}
	if r.Username != nil {
		if r.Password != nil {
			u.User = url.UserPassword(*r.Username, *r.Password)
		} else {
			u.User = url.User(*r.Username)
		}
	}
	return u
}

func (r *Route) String() string {
	if r.Kind == RouteDirect {
		return fmt.Sprintf("direct %s", r.Target)
	}
	return fmt.Sprintf("%s %s via %s", r.Kind, r.Target, r.ProxyAddress)
}

type plannedForward struct {
	classifier classifier.Classifier
	forward    config.Forward
}

// RoutePlanner picks the route of a target from the configured forwards.
type RoutePlanner struct {
	forwards []plannedForward
}

// NewRoutePlanner compiles the classifiers of forwards.
func NewRoutePlanner(forwards []config.Forward, set *classifier.Set) (*RoutePlanner, error) {
	planner := &RoutePlanner{}
	for i, fwd := range forwards {
		c, err := set.Compile(fwd.Classifier())
		if err != nil {
			return nil, fmt.Errorf("forward[%d]: %w", i, err)
		}
		planner.forwards = append(planner.forwards, plannedForward{classifier: c, forward: fwd})
	}
	return planner, nil
}

// Plan returns the route to host:port. Recursive requests always go direct.
func (p *RoutePlanner) Plan(host string, port int, recursive bool) *Route {
	route := &Route{Kind: RouteDirect, Target: net.JoinHostPort(host, strconv.Itoa(port))}
	if recursive || p == nil {
		return route
	}

	input := classifier.NewInput(host, port)
	for i, pf := range p.forwards {
		matched, err := pf.classifier.Classify(input)
		if err != nil {
			logger.Error("Error evaluating classifier for forward[%d] type %T: %v", i, pf.forward, err)
			continue
		}
		if !matched {
			continue
		}

		logger.Debug("Matched forward[%d] type %T for %s", i, pf.forward, route.Target)
		switch fwd := pf.forward.(type) {
		case *config.ForwardDefaultNetwork:
			route.ForceIPv4 = fwd.ForceIPv4
		case *config.ForwardSocks5:
			route.Kind = RouteSocks5
			route.ProxyAddress = fwd.Address
			route.Username, route.Password = fwd.Username, fwd.Password
			route.ForceIPv4 = fwd.ForceIPv4
		case *config.ForwardProxy:
			route.Kind = RouteHTTPProxy
			route.ProxyAddress = fwd.Address
			route.Username, route.Password = fwd.Username, fwd.Password
			route.ForceIPv4 = fwd.ForceIPv4
		}
		return route
	}
	return route
}

type routeKey struct{}

// WithRoute stores route in ctx for the dialer.
func WithRoute(ctx context.Context, route *Route) context.Context {
	return context.WithValue(ctx, routeKey{}, route)
}

// RouteFromContext returns the route stored by WithRoute.
func RouteFromContext(ctx context.Context) (*Route, bool) {
	route, ok := ctx.Value(routeKey{}).(*Route)
	return route, ok
}

// Dialer opens connections along a route, resolving names with the configured resolver.
type Dialer struct {
	Resolver  *resolver.Resolver
	Timeout   time.Duration
	UserAgent string
}

// resolvingDialer dials host:port after resolving host itself.
type resolvingDialer struct {
	d         *Dialer
	network   string
	proxyHost bool
}

func (r *resolvingDialer) Dial(network, addr string) (net.Conn, error) {
	return r.DialContext(context.Background(), network, addr)
}

func (r *resolvingDialer) DialContext(ctx context.Context, _, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address format: %w", err)
	}

	addrs, err := r.d.lookupHost(ctx, host)
	if err != nil {
		return nil, &HostResolutionError{Host: host, ProxyHost: r.proxyHost, Cause: err}
	}
	if r.network == "tcp4" {
		addrs = onlyIPv4(addrs)
		if len(addrs) == 0 {
			return nil, &HostResolutionError{Host: host, ProxyHost: r.proxyHost, Cause: errors.New("no IPv4 address")}
		}
	}

	nd := &net.Dialer{Timeout: r.d.Timeout}
	var lastErr error
	for _, ip := range addrs {
		conn, err := nd.DialContext(ctx, r.network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (d *Dialer) lookupHost(ctx context.Context, host string) ([]string, error) {
	if d.Resolver == nil {
		if net.ParseIP(host) != nil {
			return []string{host}, nil
		}
		return net.DefaultResolver.LookupHost(ctx, host)
	}
	return d.Resolver.LookupHost(ctx, host)
}

func onlyIPv4(addrs []string) []string {
	out := addrs[:0:0]
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			out = append(out, a)
		}
	}
	return out
}

// DialRoute opens a byte stream to the route's target, tunneling through the
// forward proxy if there is one.
func (d *Dialer) DialRoute(ctx context.Context, route *Route) (net.Conn, error) {
	switch route.Kind {
	case RouteSocks5:
		return d.dialSocks5(ctx, route)
	case RouteHTTPProxy:
		var creds *Credentials
		if c, ok := proxyCredentialsFrom(ctx); ok {
			creds = &c
		}
		return d.dialHTTPProxy(ctx, route, creds)
	default:
		return (&resolvingDialer{d: d, network: route.network()}).DialContext(ctx, route.network(), route.Target)
	}
}

// DialContext serves http.Transport. The route is taken from ctx; for HTTP
// proxy routes the transport asks for the proxy address itself.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	route, ok := RouteFromContext(ctx)
	if !ok {
		route = &Route{Kind: RouteDirect, Target: addr}
	}
	switch route.Kind {
	case RouteSocks5:
		r := *route
		r.Target = addr
		return d.dialSocks5(ctx, &r)
	case RouteHTTPProxy:
		return (&resolvingDialer{d: d, network: route.network(), proxyHost: true}).DialContext(ctx, network, addr)
	default:
		return (&resolvingDialer{d: d, network: route.network()}).DialContext(ctx, network, addr)
	}
}

func (d *Dialer) dialSocks5(ctx context.Context, route *Route) (net.Conn, error) {
	var auth *proxy.Auth
	if route.Username != nil {
		auth = &proxy.Auth{User: *route.Username}
		if route.Password != nil {
			auth.Password = *route.Password
		}
	}

	forward := &resolvingDialer{d: d, network: route.network(), proxyHost: true}
	socksDialer, err := proxy.SOCKS5(route.network(), route.ProxyAddress, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy %s: %w", route.ProxyAddress, err)
	}

	// the SOCKS5 server resolves the target name
	conn, err := socksDialer.(proxy.ContextDialer).DialContext(ctx, route.network(), route.Target)
	if err != nil {
		var resolveErr *HostResolutionError
		if errors.As(err, &resolveErr) {
			return nil, resolveErr
		}
		return nil, fmt.Errorf("target %s via SOCKS5 proxy %s: %w", route.Target, route.ProxyAddress, err)
	}
	return conn, nil
}

// dialHTTPProxy establishes a CONNECT tunnel through an HTTP proxy.
func (d *Dialer) dialHTTPProxy(ctx context.Context, route *Route, creds *Credentials) (net.Conn, error) {
	proxyConn, err := (&resolvingDialer{d: d, network: route.network(), proxyHost: true}).DialContext(ctx, route.network(), route.ProxyAddress)
	if err != nil {
		return nil, err
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: route.Target},
		Host:   route.Target,
		Header: make(http.Header),
	}
	if d.UserAgent != "" {
		connectReq.Header.Set("User-Agent", d.UserAgent)
	}
	connectReq.Header.Set("Proxy-Connection", "keep-alive")
	if u := route.ProxyURL(); u != nil && u.User != nil {
		password, _ := u.User.Password()
		connectReq.Header.Set("Proxy-Authorization", Credentials{Username: u.User.Username(), Password: password}.BasicHeader())
	} else if creds != nil {
		connectReq.Header.Set("Proxy-Authorization", creds.BasicHeader())
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = proxyConn.SetDeadline(deadline)
		defer func() { _ = proxyConn.SetDeadline(time.Time{}) }()
	}

	if err := connectReq.Write(proxyConn); err != nil {
		closeConn(proxyConn)
		return nil, fmt.Errorf("sending CONNECT to proxy %s: %w", route.ProxyAddress, err)
	}

	br := bufio.NewReader(proxyConn)
	connectResp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		closeConn(proxyConn)
		return nil, &ProtocolViolationError{Cause: fmt.Errorf("reading CONNECT response from proxy %s: %w", route.ProxyAddress, err)}
	}
	defer func() {
		if closeErr := connectResp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if connectResp.StatusCode != http.StatusOK {
		closeConn(proxyConn)
		body, _ := io.ReadAll(io.LimitReader(connectResp.Body, 512))
		return nil, &ProxyDeniedError{Proxy: route.ProxyAddress, Target: route.Target, StatusCode: connectResp.StatusCode, Body: string(body)}
	}

	logger.Debug("CONNECT tunnel established via proxy %s to %s", route.ProxyAddress, route.Target)
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: proxyConn, r: br}, nil
	}
	return proxyConn, nil
}

// ProxyDeniedError is returned when a forward proxy refused a CONNECT.
type ProxyDeniedError struct {
	Proxy      string
	Target     string
	StatusCode int
	Body       string
}

func (e *ProxyDeniedError) Error() string {
	return fmt.Sprintf("proxy %s denied CONNECT to %s with status %d", e.Proxy, e.Target, e.StatusCode)
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func closeConn(conn net.Conn) {
	if closeErr := conn.Close(); closeErr != nil {
		logger.Error("Error closing proxy connection: %v", closeErr)
	}
}

// ConnectElement plans the route of each request and applies cached proxy credentials.
type ConnectElement struct {
	planner *RoutePlanner
	cache   *AuthCache
}

// NewConnectElement creates the connect element. cache may be nil.
func NewConnectElement(planner *RoutePlanner, cache *AuthCache) *ConnectElement {
	return &ConnectElement{planner: planner, cache: cache}
}

func (c *ConnectElement) Name() string { return ElementConnect }

func (c *ConnectElement) Execute(req *http.Request, scope *Scope, next Exec) (*http.Response, error) {
	_, host, port := requestAuthority(req)
	recursive := scope.Recursive || channel.IsRecursiveMessage(req.Context())
	route := c.planner.Plan(host, port, recursive)
	scope.Route = route
	logger.Trace("Route for %s %s: %s", req.Method, req.URL, route)

	if route.Kind == RouteHTTPProxy && c.cache != nil {
		if creds, ok := c.cache.Get(route.ProxyAddress, true); ok {
			req = applyProxyCredentials(req, creds)
		}
	}
	return next(req.WithContext(WithRoute(req.Context(), route)), scope)
}

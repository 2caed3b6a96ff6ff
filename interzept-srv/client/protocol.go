package client

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strconv"

	"golang.org/x/net/publicsuffix"

	"github.com/codefionn/interzept/interzept-srv/config"
	"github.com/codefionn/interzept/interzept-srv/logger"
)

type proxyCredentialsKey struct{}

// applyProxyCredentials attaches proxy credentials to req. Tunneled requests
// carry them on the CONNECT request only.
func applyProxyCredentials(req *http.Request, creds Credentials) *http.Request {
	req = req.WithContext(context.WithValue(req.Context(), proxyCredentialsKey{}, creds))
	if req.URL.Scheme == "http" || req.URL.Scheme == "ws" {
		req.Header.Set("Proxy-Authorization", creds.BasicHeader())
	}
	return req
}

func proxyCredentialsFrom(ctx context.Context) (Credentials, bool) {
	creds, ok := ctx.Value(proxyCredentialsKey{}).(Credentials)
	return creds, ok
}

// NewCookieJar creates a jar using the public suffix list.
func NewCookieJar() http.CookieJar {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		// cookiejar.New never fails with options set
		panic(err)
	}
	return jar
}

// ProtocolOptions configures the protocol element.
type ProtocolOptions struct {
	UserAgent   string
	CookieUsage config.CookieUsage
	// GlobalJar is shared by all senders for CookieUsageGlobal.
	GlobalJar http.CookieJar
	// HostNormalization rewrites the Host header from the target URI.
	HostNormalization            bool
	AuthCachingDisabled          bool
	RemoveUserDefinedAuthHeaders bool
}

// ProtocolElement applies request defaults, cookies and Basic authentication.
type ProtocolElement struct {
	opts        ProtocolOptions
	jar         http.CookieJar
	credentials CredentialsProvider
	cache       *AuthCache
}

// NewProtocolElement creates the protocol element. Auth caching is decided
// here and cannot be changed afterwards.
func NewProtocolElement(opts ProtocolOptions, credentials CredentialsProvider, cache *AuthCache) *ProtocolElement {
	p := &ProtocolElement{opts: opts, credentials: credentials, cache: cache}
	switch opts.CookieUsage {
	case config.CookieUsageGlobal:
		p.jar = opts.GlobalJar
		if p.jar == nil {
			p.jar = NewCookieJar()
		}
	case config.CookieUsageLocal:
		p.jar = NewCookieJar()
	}
	if opts.AuthCachingDisabled {
		p.cache = nil
	} else if p.cache == nil {
		p.cache = NewAuthCache()
	}
	return p
}

func (p *ProtocolElement) Name() string { return ElementProtocol }

// Jar returns the cookie jar in use, nil when cookies are ignored.
func (p *ProtocolElement) Jar() http.CookieJar { return p.jar }

func (p *ProtocolElement) Execute(req *http.Request, scope *Scope, next Exec) (*http.Response, error) {
	authority, host, port := requestAuthority(req)

	if p.opts.HostNormalization {
		req.Host = normalizedHost(req.URL.Scheme, host, port)
	}
	if req.Header.Get("User-Agent") == "" && p.opts.UserAgent != "" {
		req.Header.Set("User-Agent", p.opts.UserAgent)
	}
	if p.opts.RemoveUserDefinedAuthHeaders {
		req.Header.Del("Authorization")
		req.Header.Del("Proxy-Authorization")
	}
	if p.jar != nil {
		addCookies(req, p.jar.Cookies(req.URL))
	}

	if p.cache != nil {
		if creds, ok := p.cache.Get(authority, false); ok && req.Header.Get("Authorization") == "" {
			req.Header.Set("Authorization", creds.BasicHeader())
		}
	}

	resp, err := next(req, scope)
	if err != nil {
		return nil, err
	}
	p.storeCookies(req, resp)

	if retry, ok := p.challengeResponse(req, resp, scope, authority, host, port); ok {
		drainAndClose(resp)
		resp, err = next(retry, scope)
		if err != nil {
			return nil, err
		}
		p.storeCookies(retry, resp)
	}
	return resp, nil
}

// challengeResponse prepares the single re-authentication round.
func (p *ProtocolElement) challengeResponse(req *http.Request, resp *http.Response, scope *Scope, authority, host string, port int) (*http.Request, bool) {
	if p.credentials == nil {
		return nil, false
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized ||
		(resp.StatusCode == http.StatusForbidden && p.opts.RemoveUserDefinedAuthHeaders):
		realm, basic := basicRealm(resp.Header.Values("WWW-Authenticate"))
		if !basic && resp.StatusCode == http.StatusUnauthorized && len(resp.Header.Values("WWW-Authenticate")) > 0 {
			logger.Debug("No Basic challenge offered by %s", authority)
			return nil, false
		}
		creds, ok := p.credentials.Credentials(host, port, realm, false)
		if !ok || req.Header.Get("Authorization") == creds.BasicHeader() {
			return nil, false
		}
		retry, ok := rewind(req)
		if !ok {
			return nil, false
		}
		retry.Header.Set("Authorization", creds.BasicHeader())
		if p.cache != nil {
			p.cache.Put(authority, false, creds)
		}
		return retry, true

	case resp.StatusCode == http.StatusProxyAuthRequired ||
		(resp.StatusCode == http.StatusForbidden && p.opts.RemoveUserDefinedAuthHeaders && routeProxyAuthority(scope) != ""):
		proxyAuthority := routeProxyAuthority(scope)
		if proxyAuthority == "" {
			return nil, false
		}
		proxyHost, proxyPortStr, _ := net.SplitHostPort(proxyAuthority)
		proxyPort, _ := strconv.Atoi(proxyPortStr)
		realm, _ := basicRealm(resp.Header.Values("Proxy-Authenticate"))
		creds, ok := p.credentials.Credentials(proxyHost, proxyPort, realm, true)
		if !ok {
			return nil, false
		}
		if sent, ok := proxyCredentialsFrom(req.Context()); ok && sent == creds {
			return nil, false
		}
		retry, ok := rewind(req)
		if !ok {
			return nil, false
		}
		retry = applyProxyCredentials(retry, creds)
		if p.cache != nil {
			p.cache.Put(proxyAuthority, true, creds)
		}
		return retry, true
	}
	return nil, false
}

func (p *ProtocolElement) storeCookies(req *http.Request, resp *http.Response) {
	if p.jar == nil {
		return
	}
	if cookies := resp.Cookies(); len(cookies) > 0 {
		p.jar.SetCookies(req.URL, cookies)
	}
}

func addCookies(req *http.Request, cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	present := make(map[string]bool)
	for _, c := range req.Cookies() {
		present[c.Name] = true
	}
	for _, c := range cookies {
		if !present[c.Name] {
			req.AddCookie(c)
		}
	}
}

func normalizedHost(scheme, host string, port int) string {
	if port == defaultPort(scheme) {
		if net.ParseIP(host) != nil && net.ParseIP(host).To4() == nil {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func routeProxyAuthority(scope *Scope) string {
	if scope == nil || scope.Route == nil || scope.Route.Kind != RouteHTTPProxy {
		return ""
	}
	return scope.Route.ProxyAddress
}

// rewind returns a copy of req with a fresh body for a repeated send.
func rewind(req *http.Request) (*http.Request, bool) {
	retry := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return retry, true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	retry.Body = body
	return retry, true
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if closeErr := resp.Body.Close(); closeErr != nil {
		logger.Debug("Error closing challenged response body: %v", closeErr)
	}
}

package client

import (
	"encoding/base64"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/codefionn/interzept/interzept-srv/config"
)

// Credentials is a username/password pair used for Basic authentication.
type Credentials struct {
	Username string
	Password string
}

// BasicHeader returns the Authorization header value.
func (c Credentials) BasicHeader() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password))
}

// CredentialsProvider looks up credentials for an authentication scope.
// An empty realm matches any realm.
type CredentialsProvider interface {
	Credentials(host string, port int, realm string, proxy bool) (Credentials, bool)
}

// StaticCredentials serves the credentials of the auth configuration.
type StaticCredentials struct {
	entries []config.AuthCredential
}

// NewStaticCredentials creates a provider from configured credentials.
func NewStaticCredentials(entries []config.AuthCredential) *StaticCredentials {
	return &StaticCredentials{entries: append([]config.AuthCredential(nil), entries...)}
}

func (s *StaticCredentials) Credentials(host string, port int, realm string, proxy bool) (Credentials, bool) {
	for _, e := range s.entries {
		if e.Proxy != proxy || !strings.EqualFold(e.Host, host) {
			continue
		}
		if e.Port != 0 && e.Port != port {
			continue
		}
		if e.Realm != "" && realm != "" && e.Realm != realm {
			continue
		}
		return Credentials{Username: e.Username, Password: e.Password}, true
	}
	return Credentials{}, false
}

// AuthCache remembers the credentials that were accepted per authority.
type AuthCache struct {
	mu      sync.RWMutex
	entries map[string]Credentials
}

// NewAuthCache creates an empty cache.
func NewAuthCache() *AuthCache {
	return &AuthCache{entries: make(map[string]Credentials)}
}

func authCacheKey(authority string, proxy bool) string {
	if proxy {
		return "proxy:" + strings.ToLower(authority)
	}
	return strings.ToLower(authority)
}

// Get returns the cached credentials for authority.
func (c *AuthCache) Get(authority string, proxy bool) (Credentials, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	creds, ok := c.entries[authCacheKey(authority, proxy)]
	return creds, ok
}

// Put caches creds for authority.
func (c *AuthCache) Put(authority string, proxy bool, creds Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[authCacheKey(authority, proxy)] = creds
}

// Clear drops all cached credentials.
func (c *AuthCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// basicRealm extracts the realm of the first Basic challenge. ok is false
// when no Basic challenge was offered.
func basicRealm(challenges []string) (realm string, ok bool) {
	for _, challenge := range challenges {
		scheme, params, _ := strings.Cut(strings.TrimSpace(challenge), " ")
		if !strings.EqualFold(scheme, "Basic") {
			continue
		}
		for _, param := range strings.Split(params, ",") {
			key, value, found := strings.Cut(strings.TrimSpace(param), "=")
			if found && strings.EqualFold(key, "realm") {
				return strings.Trim(value, `"`), true
			}
		}
		return "", true
	}
	return "", false
}

// requestAuthority returns host:port of the request target.
func requestAuthority(req *http.Request) (string, string, int) {
	host := req.URL.Hostname()
	port := defaultPort(req.URL.Scheme)
	if p := req.URL.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), host, port
}

func defaultPort(scheme string) int {
	switch scheme {
	case "https", "wss":
		return 443
	default:
		return 80
	}
}

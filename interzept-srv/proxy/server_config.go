package proxy

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/interzept/interzept-srv/config"
	"github.com/codefionn/interzept/interzept-srv/logger"
	"github.com/codefionn/interzept/interzept-srv/message"
)

// ServerConfig is the runtime view of one listening endpoint. It decides
// whether a request is addressed to the proxy itself.
type ServerConfig struct {
	server     config.LocalServerConfig
	aliases    []config.Alias
	discoverer AddressDiscoverer

	mu    sync.RWMutex
	bound *net.TCPAddr

	// interfaceAddrs is replaced in tests.
	interfaceAddrs func() ([]net.Addr, error)
}

// NewServerConfig creates the runtime configuration of server. discoverer is
// only consulted when the server is behind NAT and may be nil otherwise.
func NewServerConfig(server config.LocalServerConfig, aliases []config.Alias, discoverer AddressDiscoverer) *ServerConfig {
	return &ServerConfig{
		server:         server,
		aliases:        aliases,
		discoverer:     discoverer,
		interfaceAddrs: net.InterfaceAddrs,
	}
}

// Config returns the static server configuration.
func (s *ServerConfig) Config() config.LocalServerConfig { return s.server }

func (s *ServerConfig) IsAnyLocalAddress() bool { return s.server.IsAnyLocalAddress() }

func (s *ServerConfig) IsBehindNAT() bool { return s.server.IsBehindNAT() }

// AlpnEnabled reports whether h2 is offered on intercepted tunnels.
func (s *ServerConfig) AlpnEnabled() bool { return s.server.AlpnEnabled }

// IsAlias reports whether host (with or without port) is an enabled alias.
func (s *ServerConfig) IsAlias(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	for _, alias := range s.aliases {
		if alias.Matches(host) {
			return true
		}
	}
	return false
}

// SetBoundAddress records the address the listener actually bound, which
// differs from the configuration for port 0.
func (s *ServerConfig) SetBoundAddress(addr net.Addr) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		logger.Warn("Unexpected listener address type %T", addr)
		return
	}
	s.mu.Lock()
	s.bound = tcpAddr
	s.mu.Unlock()
}

// BoundAddress returns the listening address, or nil before Bind.
func (s *ServerConfig) BoundAddress() *net.TCPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bound
}

func (s *ServerConfig) port() int {
	if bound := s.BoundAddress(); bound != nil {
		return bound.Port
	}
	return s.server.Port
}

// ProxyAddress is the host:port clients should use, as seen by a client that
// reached the proxy under requestHost.
func (s *ServerConfig) ProxyAddress(requestHost string) string {
	host := s.server.Address
	if bound := s.BoundAddress(); bound != nil && !s.IsAnyLocalAddress() {
		return bound.String()
	}
	if s.IsAnyLocalAddress() {
		host = requestHost
		if h, _, err := net.SplitHostPort(requestHost); err == nil {
			host = h
		}
		if host == "" || s.IsAlias(host) {
			host = "127.0.0.1"
		}
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(s.port()))
}

// IsSelf reports whether req targets this server: an alias on any port, or
// one of the server's own addresses on the bound port.
func (s *ServerConfig) IsSelf(req *message.RequestHeader) bool {
	host := req.HostName()
	if s.IsAlias(host) {
		return true
	}
	if req.HostPort() != s.port() {
		return false
	}
	return s.isOwnAddress(host)
}

func (s *ServerConfig) isOwnAddress(host string) bool {
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		host = "127.0.0.1"
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return s.server.Address != "" && strings.EqualFold(host, s.server.Address)
	}

	if s.IsAnyLocalAddress() {
		if ip.IsLoopback() || s.isInterfaceAddress(ip) {
			return true
		}
	} else if bound := s.BoundAddress(); bound != nil {
		if ip.Equal(bound.IP) || (ip.IsLoopback() && bound.IP.IsLoopback()) {
			return true
		}
	}

	if s.IsBehindNAT() && s.discoverer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		public, err := s.discoverer.PublicAddress(ctx)
		if err != nil {
			logger.Debug("Public address unknown: %v", err)
			return false
		}
		return ip.Equal(public)
	}
	return false
}

func (s *ServerConfig) isInterfaceAddress(ip net.IP) bool {
	addrs, err := s.interfaceAddrs()
	if err != nil {
		logger.Debug("Failed to list interface addresses: %v", err)
		return false
	}
	for _, addr := range addrs {
		var ifIP net.IP
		switch a := addr.(type) {
		case *net.IPNet:
			ifIP = a.IP
		case *net.IPAddr:
			ifIP = a.IP
		}
		if ifIP != nil && ifIP.Equal(ip) {
			return true
		}
	}
	return false
}

// Package resolver provides the host resolver used when the exec chain
// connects upstream. Custom DNS servers (UDP, TCP, DNS over TLS) are queried
// round-robin; without them the system resolver is used.
package resolver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/codefionn/interzept/interzept-srv/config"
	"github.com/codefionn/interzept/interzept-srv/logger"
)

// Resolver resolves host names for outbound connections.
// One instance is created per configuration and passed to its users.
type Resolver struct {
	servers   []config.DNSServerConfig
	next      atomic.Uint32
	tlsConfig *tls.Config
	netRes    *net.Resolver
}

// New creates a Resolver. Disabled or empty DNS configurations fall back to the system resolver.
func New(cfg config.DNSConfig) *Resolver {
	r := &Resolver{
		tlsConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
	if cfg.Enabled && len(cfg.Servers) > 0 {
		r.servers = append([]config.DNSServerConfig(nil), cfg.Servers...)
		r.netRes = &net.Resolver{PreferGo: true, Dial: r.dial}
		for i, server := range r.servers {
			logger.Info("DNS server %d: %s (%s)", i, server.Address, server.Type)
		}
	} else {
		r.netRes = &net.Resolver{PreferGo: true}
	}
	return r
}

// IsCustom reports whether configured DNS servers are used.
func (r *Resolver) IsCustom() bool {
	return len(r.servers) > 0
}

// NetResolver returns the underlying resolver for use in a net.Dialer.
func (r *Resolver) NetResolver() *net.Resolver {
	return r.netRes
}

// LookupHost resolves host into its addresses. IP literals are returned as is.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}
	addrs, err := r.netRes.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

// dial connects to the next DNS server in round-robin order. network and
// address requested by the Go resolver are replaced by the configured server.
func (r *Resolver) dial(ctx context.Context, _, _ string) (net.Conn, error) {
	idx := int(r.next.Add(1)-1) % len(r.servers)
	server := r.servers[idx]
	logger.Trace("Using DNS server %d: %s (%s)", idx, server.Address, server.Type)

	dialer := &net.Dialer{Timeout: server.GetTimeoutDuration()}
	switch server.Type {
	case config.DNSTypeUDP, config.DNSTypeTCP:
		return dialer.DialContext(ctx, string(server.Type), server.Address)
	case config.DNSTypeDoT:
		tcpConn, err := dialer.DialContext(ctx, "tcp", server.Address)
		if err != nil {
			return nil, fmt.Errorf("DoT TCP connection failed: %w", err)
		}

		tlsConfig := r.tlsConfig.Clone()
		if server.TLSHost != "" {
			tlsConfig.ServerName = server.TLSHost
		} else if host, _, err := net.SplitHostPort(server.Address); err == nil {
			tlsConfig.ServerName = host
		}

		tlsConn := tls.Client(tcpConn, tlsConfig)
		handshakeCtx, cancel := context.WithTimeout(ctx, server.GetTimeoutDuration())
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			if closeErr := tcpConn.Close(); closeErr != nil {
				logger.Debug("Error closing DoT connection: %v", closeErr)
			}
			return nil, fmt.Errorf("DoT TLS handshake failed: %w", err)
		}
		return tlsConn, nil
	default:
		return nil, fmt.Errorf("unsupported DNS server type: %s", server.Type)
	}
}

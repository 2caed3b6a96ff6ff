package config

import (
	"fmt"
	"time"
)

// DNSType defines the transport used to reach a DNS server
type DNSType string

const (
	DNSTypeUDP DNSType = "udp" // Standard DNS over UDP
	DNSTypeTCP DNSType = "tcp" // Standard DNS over TCP
	DNSTypeDoT DNSType = "dot" // DNS over TLS
)

// DNSServerConfig defines configuration for a single DNS server
type DNSServerConfig struct {
	Address        string  // host:port or [IPv6]:port
	Type           DNSType // udp, tcp, dot
	TimeoutSeconds int     // Query timeout in seconds
	TLSHost        string  // SNI host name, DoT only
}

// GetTimeoutDuration returns the query timeout, defaulting to 10s.
func (d DNSServerConfig) GetTimeoutDuration() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// DNSConfig holds configuration for the resolver used when connecting upstream.
type DNSConfig struct {
	Enabled bool
	Servers []DNSServerConfig
}

func parseDNSConfig(data map[string]any) (DNSConfig, error) {
	var cfg DNSConfig
	if err := readValue(data, "enabled", &cfg.Enabled); err != nil {
		return cfg, fmt.Errorf("dns: %w", err)
	}

	servers, _ := data["servers"].([]any)
	for i, s := range servers {
		serverMap, ok := s.(map[string]any)
		if !ok {
			return cfg, fmt.Errorf("dns server at index %d must be an object", i)
		}
		server := DNSServerConfig{Type: DNSTypeUDP, TimeoutSeconds: 10}
		var serverType string
		if err := firstErr(
			readValue(serverMap, "address", &server.Address),
			readValue(serverMap, "type", &serverType),
			readValue(serverMap, "timeout-seconds", &server.TimeoutSeconds),
			readValue(serverMap, "tls-host", &server.TLSHost),
		); err != nil {
			return cfg, fmt.Errorf("dns server at index %d: %w", i, err)
		}
		if server.Address == "" {
			return cfg, fmt.Errorf("dns server at index %d requires an address", i)
		}
		if serverType != "" {
			switch DNSType(serverType) {
			case DNSTypeUDP, DNSTypeTCP, DNSTypeDoT:
				server.Type = DNSType(serverType)
			default:
				return cfg, fmt.Errorf("dns server at index %d has unsupported type %q", i, serverType)
			}
		}
		cfg.Servers = append(cfg.Servers, server)
	}
	return cfg, nil
}

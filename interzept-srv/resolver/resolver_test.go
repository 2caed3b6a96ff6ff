package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/codefionn/interzept/interzept-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemResolverByDefault(t *testing.T) {
	r := New(config.DNSConfig{Enabled: true})
	assert.False(t, r.IsCustom())

	r = New(config.DNSConfig{Servers: []config.DNSServerConfig{{Address: "127.0.0.1:53"}}})
	assert.False(t, r.IsCustom(), "disabled configuration is ignored")
}

func TestLookupIPLiteral(t *testing.T) {
	r := New(config.DNSConfig{})
	addrs, err := r.LookupHost(context.Background(), "::1")
	require.NoError(t, err)
	assert.Equal(t, []string{"::1"}, addrs)
}

func TestDialRoundRobin(t *testing.T) {
	var listeners []net.Listener
	var servers []config.DNSServerConfig
	for i := 0; i < 2; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { _ = l.Close() })
		listeners = append(listeners, l)
		servers = append(servers, config.DNSServerConfig{Address: l.Addr().String(), Type: config.DNSTypeTCP, TimeoutSeconds: 1})
	}

	r := New(config.DNSConfig{Enabled: true, Servers: servers})
	require.True(t, r.IsCustom())

	for round := 0; round < 2; round++ {
		for i := range listeners {
			accepted := make(chan struct{})
			go func(l net.Listener) {
				if conn, err := l.Accept(); err == nil {
					_ = conn.Close()
					close(accepted)
				}
			}(listeners[i])

			conn, err := r.dial(context.Background(), "udp", "ignored:53")
			require.NoError(t, err)
			_ = conn.Close()

			select {
			case <-accepted:
			case <-time.After(2 * time.Second):
				t.Fatalf("server %d was not dialed in round %d", i, round)
			}
		}
	}
}

func TestDialUnsupportedType(t *testing.T) {
	r := New(config.DNSConfig{Enabled: true, Servers: []config.DNSServerConfig{{Address: "127.0.0.1:53", Type: "carrier"}}})
	_, err := r.dial(context.Background(), "udp", "")
	assert.ErrorContains(t, err, "unsupported DNS server type")
}

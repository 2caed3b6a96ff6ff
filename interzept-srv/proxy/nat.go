package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/interzept/interzept-srv/config"
	"github.com/codefionn/interzept/interzept-srv/logger"
)

// DefaultDiscoveryURL answers with the caller's public IP as plain text.
const DefaultDiscoveryURL = "https://api.ipify.org"

// AddressDiscoverer finds the public address of a proxy behind NAT.
type AddressDiscoverer interface {
	PublicAddress(ctx context.Context) (net.IP, error)
}

// HTTPAddressDiscoverer asks an HTTP endpoint for the public IP and caches
// the answer for Refresh.
type HTTPAddressDiscoverer struct {
	URL     string
	Refresh time.Duration
	Client  *http.Client

	mu        sync.Mutex
	ip        net.IP
	fetchedAt time.Time
}

// NewHTTPAddressDiscoverer creates a discoverer from the NAT configuration.
func NewHTTPAddressDiscoverer(cfg config.NATConfig) *HTTPAddressDiscoverer {
	url := cfg.DiscoveryURL
	if url == "" {
		url = DefaultDiscoveryURL
	}
	refresh := time.Duration(cfg.RefreshSeconds) * time.Second
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}
	return &HTTPAddressDiscoverer{
		URL:     url,
		Refresh: refresh,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// PublicAddress returns the cached address or fetches a new one. When a
// refresh fails the stale address is kept.
func (d *HTTPAddressDiscoverer) PublicAddress(ctx context.Context) (net.IP, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ip != nil && time.Since(d.fetchedAt) < d.Refresh {
		return d.ip, nil
	}

	ip, err := d.fetch(ctx)
	if err != nil {
		if d.ip != nil {
			logger.Warn("Public address refresh failed, keeping %s: %v", d.ip, err)
			return d.ip, nil
		}
		return nil, err
	}
	if !ip.Equal(d.ip) {
		logger.Info("Discovered public address %s", ip)
	}
	d.ip = ip
	d.fetchedAt = time.Now()
	return ip, nil
}

func (d *HTTPAddressDiscoverer) fetch(ctx context.Context) (net.IP, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, http.NoBody)
	if err != nil {
		return nil, err
	}
	httpClient := d.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("public address discovery: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Debug("Error closing discovery response body: %v", closeErr)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("public address discovery: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return nil, fmt.Errorf("public address discovery: %w", err)
	}
	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		return nil, fmt.Errorf("public address discovery: invalid address %q", strings.TrimSpace(string(body)))
	}
	return ip, nil
}

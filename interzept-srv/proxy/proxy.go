package proxy

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/codefionn/interzept/interzept-srv/classifier"
	"github.com/codefionn/interzept/interzept-srv/client"
	"github.com/codefionn/interzept/interzept-srv/config"
	"github.com/codefionn/interzept/interzept-srv/logger"
	"github.com/codefionn/interzept/interzept-srv/pipeline"
	"github.com/codefionn/interzept/interzept-srv/stats"
)

// Proxy runs all enabled servers of a configuration with one shared sender,
// certificate issuer and stats collector.
type Proxy struct {
	config    *config.Config
	servers   []*Server
	sender    *client.Sender
	issuer    *CertificateIssuer
	collector stats.Collector
	pool      *pipeline.WorkerPool
	pipeline  *pipeline.Pipeline

	stopOnce sync.Once
	stopErr  error
}

// NewProxy binds every enabled server of cfg. Messages run through p, which
// may be nil for a proxy without handlers.
func NewProxy(cfg *config.Config, p *pipeline.Pipeline) (*Proxy, error) {
	if p == nil {
		p = pipeline.New()
	}

	collector, err := stats.NewCollector(cfg.Statistics)
	if err != nil {
		logger.Error("Failed to create stats collector, statistics disabled: %v", err)
		collector = stats.NewDummyCollector()
	}

	set, err := classifier.NewSet(cfg.Classifiers)
	if err != nil {
		_ = collector.Close()
		return nil, NewProxyError(ErrCodeInvalidServerConfig, "invalid classifiers", err)
	}
	sender, err := client.NewSender(cfg, client.Deps{Classifiers: set})
	if err != nil {
		_ = collector.Close()
		return nil, err
	}

	var issuer *CertificateIssuer
	if cfg.Interception.Enabled {
		if cfg.Interception.CAFile == "" && cfg.Interception.CAKeyFile == "" {
			logger.Warn("Interception enabled without CA certificate, CONNECT tunnels are relayed unmodified")
		} else {
			issuer, err = LoadCertificateIssuer(cfg.Interception.CAFile, cfg.Interception.CAKeyFile)
			if err != nil {
				sender.Close()
				_ = collector.Close()
				return nil, err
			}
		}
	}

	px := &Proxy{
		config:    cfg,
		sender:    sender,
		issuer:    issuer,
		collector: collector,
		pool:      pipeline.NewWorkerPool(runtime.NumCPU() * 2),
		pipeline:  p,
	}

	var discoverer AddressDiscoverer
	for _, srv := range cfg.Servers {
		if srv.Enabled && srv.IsBehindNAT() {
			discoverer = NewHTTPAddressDiscoverer(cfg.NAT)
			break
		}
	}

	for i, srv := range cfg.Servers {
		if !srv.Enabled {
			logger.Debug("Server[%d] %s is disabled", i, srv.ListenAddress())
			continue
		}
		sc := NewServerConfig(srv, cfg.Aliases, discoverer)
		s, err := Bind(srv.ListenAddress(), sc, Options{
			Config:      cfg,
			Pipeline:    p,
			Sender:      sender,
			Issuer:      issuer,
			Collector:   collector,
			Classifiers: set,
			Pool:        px.pool,
		})
		if err != nil {
			_ = px.Stop(context.Background())
			return nil, fmt.Errorf("server[%d]: %w", i, err)
		}
		px.servers = append(px.servers, s)
	}
	if len(px.servers) == 0 {
		_ = px.Stop(context.Background())
		return nil, NewProxyError(ErrCodeNoEnabledServers, "", nil)
	}
	return px, nil
}

// Servers returns the bound servers in configuration order.
func (p *Proxy) Servers() []*Server { return p.servers }

// Issuer returns the certificate issuer, nil without interception.
func (p *Proxy) Issuer() *CertificateIssuer { return p.issuer }

// Collector returns the stats collector.
func (p *Proxy) Collector() stats.Collector { return p.collector }

// Pipeline returns the handler pipeline shared by all servers.
func (p *Proxy) Pipeline() *pipeline.Pipeline { return p.pipeline }

// Start serves all servers until ctx is done or one of them fails, then
// shuts everything down.
func (p *Proxy) Start(ctx context.Context) error {
	errCh := make(chan error, len(p.servers))
	for _, s := range p.servers {
		go func(s *Server) {
			if err := s.Serve(); err != nil {
				errCh <- fmt.Errorf("server %s: %w", s.Addr(), err)
			}
		}(s)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		logger.Error("Server failed: %v", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(serveErr, p.Stop(shutdownCtx))
}

// Stop shuts down all servers and releases shared resources. It is safe to
// call more than once.
func (p *Proxy) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		var errs []error
		for _, s := range p.servers {
			if err := s.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", s.Addr(), err))
			}
		}
		p.sender.Close()
		p.pool.Stop()
		if err := p.collector.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stats collector: %w", err))
		}
		p.stopErr = errors.Join(errs...)
	})
	return p.stopErr
}

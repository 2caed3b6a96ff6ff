package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/codefionn/interzept/interzept-srv/channel"
	"github.com/codefionn/interzept/interzept-srv/classifier"
	"github.com/codefionn/interzept/interzept-srv/config"
	"github.com/codefionn/interzept/interzept-srv/logger"
	"github.com/codefionn/interzept/interzept-srv/message"
	"github.com/codefionn/interzept/interzept-srv/resolver"
)

// UpgradeStreamKey is the side-table key of the upstream stream after a
// 101 Switching Protocols response. The value is an io.ReadWriteCloser.
const UpgradeStreamKey = "client.upgrade.stream"

const chunkSize = 32 * 1024

var chunkPool = sync.Pool{
	New: func() any {
		buf := make([]byte, chunkSize)
		return &buf
	},
}

// Deps are the shared services of a sender. Nil fields get defaults.
type Deps struct {
	Resolver    *resolver.Resolver
	Classifiers *classifier.Set
	GlobalJar   http.CookieJar
	AuthCache   *AuthCache
	Credentials CredentialsProvider
	Retry       RetryStrategy
	// Customize may rearrange the default chain before it is built.
	Customize func(b *ChainBuilder)
}

// Sender executes messages through the exec chain.
type Sender struct {
	chain     *Chain
	transport *MainTransport
	dialer    *Dialer
	planner   *RoutePlanner
	cache     *AuthCache
}

// NewSender builds the default chain Retry, Protocol, Connect, MainTransport
// from cfg and deps.
func NewSender(cfg *config.Config, deps Deps) (*Sender, error) {
	if deps.Resolver == nil {
		deps.Resolver = resolver.New(cfg.DNS)
	}
	if deps.Classifiers == nil {
		set, err := classifier.NewSet(cfg.Classifiers)
		if err != nil {
			return nil, err
		}
		deps.Classifiers = set
	}
	if deps.Credentials == nil {
		deps.Credentials = NewStaticCredentials(cfg.Auth.Credentials)
	}
	if deps.AuthCache == nil && !cfg.Auth.CachingDisabled {
		deps.AuthCache = NewAuthCache()
	}
	if deps.Retry == nil {
		deps.Retry = NewDefaultRetryStrategy(cfg.Retry)
	}

	planner, err := NewRoutePlanner(cfg.Forwards, deps.Classifiers)
	if err != nil {
		return nil, err
	}
	dialer := &Dialer{Resolver: deps.Resolver, Timeout: cfg.Timeout(), UserAgent: cfg.UserAgent}
	transport, err := NewMainTransport(TransportOptions{
		Timeout:             cfg.Timeout(),
		MaxIdleConnsPerHost: 16,
		HTTP3:               cfg.HTTP3Upstream,
	}, dialer)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	protocol := NewProtocolElement(ProtocolOptions{
		UserAgent:                    cfg.UserAgent,
		CookieUsage:                  cfg.CookieUsage,
		GlobalJar:                    deps.GlobalJar,
		HostNormalization:            true,
		AuthCachingDisabled:          cfg.Auth.CachingDisabled,
		RemoveUserDefinedAuthHeaders: cfg.Auth.RemoveUserDefinedAuthHeaders,
	}, deps.Credentials, deps.AuthCache)

	builder := NewChainBuilder(
		NewRetryElement(deps.Retry),
		protocol,
		NewConnectElement(planner, deps.AuthCache),
		transport,
	)
	if deps.Customize != nil {
		deps.Customize(builder)
	}
	chain, err := builder.Build()
	if err != nil {
		return nil, err
	}

	return &Sender{
		chain:     chain,
		transport: transport,
		dialer:    dialer,
		planner:   planner,
		cache:     deps.AuthCache,
	}, nil
}

// NewSenderWithChain creates a sender running an already built chain.
func NewSenderWithChain(chain *Chain, dialer *Dialer, planner *RoutePlanner) *Sender {
	s := &Sender{chain: chain, dialer: dialer, planner: planner}
	if e, ok := chain.Element(ElementMainTransport); ok {
		s.transport, _ = e.(*MainTransport)
	}
	return s
}

// Chain returns the exec chain.
func (s *Sender) Chain() *Chain { return s.chain }

// Dialer returns the route dialer, used for raw tunnels.
func (s *Sender) Dialer() *Dialer { return s.dialer }

// Planner returns the route planner.
func (s *Sender) Planner() *RoutePlanner { return s.planner }

// Send executes msg upstream and fills its response half. Requests sent with
// a context marked by channel.WithRecursiveMessage always route direct.
func (s *Sender) Send(ctx context.Context, msg *message.Message) error {
	req, err := msg.ToHTTPRequest(ctx)
	if err != nil {
		return err
	}
	scope := &Scope{Recursive: channel.IsRecursiveMessage(ctx)}

	resp, err := s.chain.Execute(req, scope)
	if err != nil {
		return fmt.Errorf("%s %s: %w", msg.Request.Method, msg.Request.URI, err)
	}

	if resp.StatusCode == http.StatusSwitchingProtocols {
		consumer := NewResponseConsumer(msg)
		consumer.OnStatus(resp.Proto, resp.StatusCode, statusReason(resp), message.HeaderFromHTTP(resp.Header))
		if stream, ok := resp.Body.(io.ReadWriteCloser); ok {
			msg.SetUserObject(UpgradeStreamKey, stream)
		} else {
			closeBody(resp)
		}
		return nil
	}
	defer closeBody(resp)

	buf := chunkPool.Get().(*[]byte)
	defer chunkPool.Put(buf)

	if err := NewResponseConsumer(msg).ConsumeHTTP(resp, *buf); err != nil {
		err = classifyTransportError(err, s.timeout())
		var timeoutErr *TimeoutError
		if !errors.As(err, &timeoutErr) && !errors.Is(err, context.Canceled) {
			err = &ProtocolViolationError{Cause: err}
		}
		msg.ResetResponse()
		return fmt.Errorf("%s %s: reading response body: %w", msg.Request.Method, msg.Request.URI, err)
	}
	return nil
}

// Close releases pooled connections.
func (s *Sender) Close() {
	if s.transport != nil {
		s.transport.CloseIdleConnections()
	}
}

func (s *Sender) timeout() time.Duration {
	if s.transport == nil {
		return 0
	}
	return s.transport.opts.Timeout
}

func statusReason(resp *http.Response) string {
	if len(resp.Status) > 4 {
		return resp.Status[4:]
	}
	return ""
}

func closeBody(resp *http.Response) {
	if closeErr := resp.Body.Close(); closeErr != nil {
		logger.Debug("Error closing response body: %v", closeErr)
	}
}

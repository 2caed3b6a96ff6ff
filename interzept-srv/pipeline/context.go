package pipeline

import (
	"context"
	"errors"

	"github.com/codefionn/interzept/interzept-srv/channel"
	"github.com/codefionn/interzept/interzept-srv/logger"
	"github.com/codefionn/interzept/interzept-srv/message"
)

// ErrNoSender is returned by Context.Send when no sender was configured.
var ErrNoSender = errors.New("no sender configured")

// Context is the per-exchange view handlers get. A new one is created for
// every message.
type Context struct {
	ctx        context.Context
	ch         *channel.Channel
	processor  *Processor
	fromClient bool
	recursive  bool
	nested     bool

	closeRequested bool
	exchangeErr    error
}

// Context returns the request-scoped context, cancelled when the client goes away.
func (c *Context) Context() context.Context { return c.ctx }

// Channel returns the client channel, nil for detached contexts.
func (c *Context) Channel() *channel.Channel { return c.ch }

// Attributes returns the channel attributes as seen by this exchange.
func (c *Context) Attributes() channel.Attributes {
	var attrs channel.Attributes
	if c.ch != nil {
		attrs = c.ch.Attributes()
	}
	attrs.RecursiveMessage = c.recursive || c.nested
	return attrs
}

// FromClient reports whether the handler runs in the request phase.
func (c *Context) FromClient() bool { return c.fromClient }

// IsRecursive reports whether the message targets the proxy itself.
func (c *Context) IsRecursive() bool { return c.recursive }

// Close closes the channel once the response of this exchange was written.
// Following handlers are not invoked.
func (c *Context) Close() { c.closeRequested = true }

// CloseRequested reports whether a handler called Close.
func (c *Context) CloseRequested() bool { return c.closeRequested }

// ExchangeError returns the upstream failure the current response was synthesized for.
func (c *Context) ExchangeError() error { return c.exchangeErr }

// Send runs a nested exchange for msg directly through the exec chain. It
// never re-enters the pipeline and is not served locally even when msg targets an alias.
func (c *Context) Send(msg *message.Message) error {
	if c.processor == nil || c.processor.Sender == nil {
		return ErrNoSender
	}
	return c.processor.Sender.Send(channel.WithRecursiveMessage(c.ctx), msg)
}

// Derive returns a context for a nested exchange with RecursiveMessage set.
func (c *Context) Derive() *Context {
	return &Context{
		ctx:        channel.WithRecursiveMessage(c.ctx),
		ch:         c.ch,
		processor:  c.processor,
		fromClient: c.fromClient,
		nested:     true,
	}
}

// Go runs fn on the worker pool of the processor, or on a new goroutine
// without one. fn receives the exchange context; pooled jobs whose exchange
// already ended are skipped.
func (c *Context) Go(fn func(ctx context.Context)) error {
	if c.processor != nil && c.processor.Pool != nil {
		return c.processor.Pool.Submit(c.ctx, fn)
	}
	go fn(c.ctx)
	return nil
}

func (c *Context) detectSelf(msg *message.Message) bool {
	if c.nested || c.processor == nil || c.processor.Self == nil {
		return false
	}
	return c.processor.Self.IsSelf(&msg.Request)
}

func (c *Context) log() *logger.ChannelLogger {
	if c.ch != nil {
		return c.ch.Log()
	}
	return logger.ForChannel("-")
}

// NewContext creates a context outside of a processed exchange, mainly for tests.
func NewContext(ctx context.Context, ch *channel.Channel) *Context {
	return &Context{ctx: ctx, ch: ch, fromClient: true}
}

// Package channel holds the per-connection state of the proxy.
package channel

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/codefionn/interzept/interzept-srv/logger"
	"github.com/google/uuid"
)

// ErrAlreadyUpgraded is returned when a channel is TLS-upgraded twice.
var ErrAlreadyUpgraded = errors.New("channel already TLS upgraded")

// ErrClosed is returned when processing is requested on a closed channel.
var ErrClosed = errors.New("channel closed")

// Attributes is the attribute set of a channel.
type Attributes struct {
	LocalAddress      net.Addr
	RemoteAddress     net.Addr
	TLSUpgraded       bool // CONNECT + TLS handshake completed
	ProcessingMessage bool // a message of this channel runs through the pipeline
	RecursiveMessage  bool // the current message targets the proxy itself
}

// Channel is one accepted client connection. Its attributes survive a TLS
// upgrade; only the flags are reset.
type Channel struct {
	id        string
	createdAt time.Time
	log       *logger.ChannelLogger

	mu    sync.RWMutex
	attrs Attributes

	// sem serializes message processing, capacity 1
	sem chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	closer    func() error
	closeErr  error
}

// New creates a channel for an accepted connection. conn may be nil in tests.
func New(conn net.Conn) *Channel {
	id := uuid.NewString()
	c := &Channel{
		id:        id,
		createdAt: time.Now(),
		log:       logger.ForChannel(id[:8]),
		sem:       make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if conn != nil {
		c.attrs.LocalAddress = conn.LocalAddr()
		c.attrs.RemoteAddress = conn.RemoteAddr()
		c.closer = conn.Close
	}
	c.log.Trace("channel created local=%v remote=%v", c.attrs.LocalAddress, c.attrs.RemoteAddress)
	return c
}

// ID returns the channel identifier.
func (c *Channel) ID() string { return c.id }

// CreatedAt returns when the connection was accepted.
func (c *Channel) CreatedAt() time.Time { return c.createdAt }

// Log returns the channel-scoped logger.
func (c *Channel) Log() *logger.ChannelLogger { return c.log }

// Attributes returns a snapshot of the attributes.
func (c *Channel) Attributes() Attributes {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attrs
}

// MarkTLSUpgraded re-attributes the channel for its encrypted stream.
// Addresses are preserved, flags are reset and TLSUpgraded is set.
func (c *Channel) MarkTLSUpgraded() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attrs.TLSUpgraded {
		return ErrAlreadyUpgraded
	}
	c.attrs = Attributes{
		LocalAddress:  c.attrs.LocalAddress,
		RemoteAddress: c.attrs.RemoteAddress,
		TLSUpgraded:   true,
	}
	c.log.Trace("channel TLS upgraded")
	return nil
}

// SetRecursive flags the message currently processed as addressed to the proxy itself.
func (c *Channel) SetRecursive(recursive bool) {
	c.mu.Lock()
	c.attrs.RecursiveMessage = recursive
	c.mu.Unlock()
}

// BeginProcessing waits until no other message of this channel is processed
// and then sets ProcessingMessage. Every successful call must be paired with EndProcessing.
func (c *Channel) BeginProcessing(ctx context.Context) error {
	if c.Closed() {
		return ErrClosed
	}
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}

	c.mu.Lock()
	c.attrs.ProcessingMessage = true
	c.mu.Unlock()
	return nil
}

// EndProcessing clears ProcessingMessage and RecursiveMessage and lets the next message run.
func (c *Channel) EndProcessing() {
	c.mu.Lock()
	c.attrs.ProcessingMessage = false
	c.attrs.RecursiveMessage = false
	c.mu.Unlock()
	<-c.sem
}

// SetCloser replaces the function that closes the underlying connection,
// used when the connection is wrapped after a TLS upgrade.
func (c *Channel) SetCloser(closer func() error) {
	c.mu.Lock()
	c.closer = closer
	c.mu.Unlock()
}

// Close closes the underlying connection once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.RLock()
		closer := c.closer
		c.mu.RUnlock()
		if closer != nil {
			c.closeErr = closer()
		}
		c.log.Trace("channel closed after %s", time.Since(c.createdAt))
	})
	return c.closeErr
}

// Done is closed when the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

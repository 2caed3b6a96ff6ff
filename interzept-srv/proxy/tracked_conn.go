package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/interzept/interzept-srv/channel"
	"github.com/codefionn/interzept/interzept-srv/logger"
	"github.com/codefionn/interzept/interzept-srv/metrics"
	"github.com/codefionn/interzept/interzept-srv/stats"
)

// flushThreshold is the amount of unreported traffic after which a long
// lived connection reports a partial transfer.
const flushThreshold = 256 * 1024

// trackedConn is an accepted client connection. It owns the channel of the
// connection and reports its traffic to the stats collector.
type trackedConn struct {
	net.Conn
	ch        *channel.Channel
	collector stats.Collector
	statsID   int64
	startTime time.Time

	bytesSent     atomic.Int64 // to the client
	bytesReceived atomic.Int64 // from the client
	flushed       atomic.Int64 // sent+received already reported

	endOnce  sync.Once
	closeErr error
	onClose  func(*trackedConn)
}

func newTrackedConn(conn net.Conn, collector stats.Collector) *trackedConn {
	c := &trackedConn{
		Conn:      conn,
		ch:        channel.New(conn),
		collector: collector,
		startTime: time.Now(),
	}

	clientIP, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		clientIP = conn.RemoteAddr().String()
	}
	id, err := collector.StartChannel(context.Background(), c.ch.ID(), clientIP, conn.LocalAddr().String())
	if err != nil {
		c.ch.Log().Error("Failed to record channel start: %v", err)
	}
	c.statsID = id

	metrics.ChannelsTotal.Inc()
	metrics.ChannelsOpen.Inc()
	return c
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.bytesReceived.Add(int64(n))
		c.maybeFlush()
	}
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.bytesSent.Add(int64(n))
		c.maybeFlush()
	}
	return n, err
}

func (c *trackedConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return net.ErrClosed
}

// maybeFlush reports traffic of long lived connections (tunnels) before they
// end. Exact split between directions is not preserved for partial reports;
// EndChannel stores the final totals.
func (c *trackedConn) maybeFlush() {
	sent, received := c.bytesSent.Load(), c.bytesReceived.Load()
	flushed := c.flushed.Load()
	if sent+received-flushed < flushThreshold {
		return
	}
	if !c.flushed.CompareAndSwap(flushed, sent+received) {
		return
	}
	if err := c.collector.RecordDataTransfer(context.Background(), c.statsID, 0, sent+received-flushed); err != nil {
		logger.Debug("Failed to record data transfer: %v", err)
	}
}

// Close closes the connection and records the final statistics once.
func (c *trackedConn) Close() error {
	c.endOnce.Do(func() {
		c.closeErr = c.Conn.Close()
		reason := "normal"
		if c.closeErr != nil {
			reason = c.closeErr.Error()
		}
		if err := c.collector.EndChannel(context.Background(), c.statsID, c.bytesSent.Load(), c.bytesReceived.Load(), time.Since(c.startTime), reason); err != nil {
			logger.Debug("Failed to record channel end: %v", err)
		}
		metrics.ChannelsOpen.Dec()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return c.closeErr
}

// trackingListener wraps accepted connections in trackedConn.
type trackingListener struct {
	net.Listener
	collector stats.Collector
	onAccept  func(*trackedConn)
	onClose   func(*trackedConn)
}

func (l *trackingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	tc := newTrackedConn(conn, l.collector)
	tc.onClose = l.onClose
	tc.ch.SetCloser(tc.Close)
	if l.onAccept != nil {
		l.onAccept(tc)
	}
	return tc, nil
}

package proxy

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/codefionn/interzept/interzept-srv/logger"
)

// DefaultBufferSize matches the buffer size io.Copy would allocate.
const DefaultBufferSize = 32 * 1024

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func putBuffer(buf *[]byte) {
	if buf != nil {
		bufferPool.Put(buf)
	}
}

// copyBuffer is io.Copy with a pooled buffer.
func copyBuffer(dst io.Writer, src io.Reader) (int64, error) {
	buf := getBuffer()
	defer putBuffer(buf)
	return io.CopyBuffer(dst, src, *buf)
}

// readerConn reads through a bufio.Reader that may hold bytes the HTTP
// server read ahead before the connection was hijacked.
type readerConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *readerConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *readerConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return errors.ErrUnsupported
}

func withReader(conn net.Conn, r *bufio.Reader) net.Conn {
	if r == nil || r.Buffered() == 0 {
		return conn
	}
	return &readerConn{Conn: conn, r: r}
}

type closeWriter interface {
	CloseWrite() error
}

// closeWrite half-closes c, or closes it completely when that is not possible.
func closeWrite(c io.Closer) {
	if cw, ok := c.(closeWriter); ok && cw.CloseWrite() == nil {
		return
	}
	if closeErr := c.Close(); closeErr != nil && !isClosedConnError(closeErr) {
		logger.Debug("Error closing tunnel side: %v", closeErr)
	}
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}

// relay copies bytes in both directions until both sides are done and closes
// both streams. It returns the bytes sent upstream and received from upstream.
func relay(clientConn io.ReadWriteCloser, upstream io.ReadWriteCloser) (sent, received int64) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, err := copyBuffer(upstream, clientConn)
		sent = n
		if err != nil && !isClosedConnError(err) {
			logger.Debug("Tunnel copy error (client to upstream): %v", err)
		}
		closeWrite(upstream)
	}()

	go func() {
		defer wg.Done()
		n, err := copyBuffer(clientConn, upstream)
		received = n
		if err != nil && !isClosedConnError(err) {
			logger.Debug("Tunnel copy error (upstream to client): %v", err)
		}
		closeWrite(clientConn)
	}()

	wg.Wait()
	if closeErr := upstream.Close(); closeErr != nil && !isClosedConnError(closeErr) {
		logger.Debug("Error closing upstream: %v", closeErr)
	}
	if closeErr := clientConn.Close(); closeErr != nil && !isClosedConnError(closeErr) {
		logger.Debug("Error closing client connection: %v", closeErr)
	}
	return sent, received
}

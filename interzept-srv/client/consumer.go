package client

import (
	"errors"
	"io"
	"net/http"

	"github.com/codefionn/interzept/interzept-srv/message"
)

// ResponseConsumer assembles a streamed upstream response into a message.
type ResponseConsumer struct {
	msg   *message.Message
	proto string
}

// NewResponseConsumer creates a consumer writing into msg. The response half
// of msg is discarded.
func NewResponseConsumer(msg *message.Message) *ResponseConsumer {
	msg.ResetResponse()
	return &ResponseConsumer{msg: msg, proto: "HTTP/1.1"}
}

// OnStatus sets status line and header fields. The body becomes empty, not nil.
func (c *ResponseConsumer) OnStatus(proto string, code int, reason string, header message.Header) {
	if proto != "" {
		c.proto = proto
	}
	c.msg.Response = message.ResponseHeader{
		Proto:      c.proto,
		StatusCode: code,
		Reason:     reason,
		Header:     header,
	}
	c.msg.ResponseBody = []byte{}
}

// OnBodyChunk appends data to the body unchanged.
func (c *ResponseConsumer) OnBodyChunk(data []byte) {
	if len(data) == 0 {
		return
	}
	c.msg.ResponseBody = append(c.msg.ResponseBody, data...)
}

// OnTrailers stores the trailer fields. An empty set is stored as an empty list.
func (c *ResponseConsumer) OnTrailers(fields []message.Field) {
	if fields == nil {
		fields = []message.Field{}
	}
	c.msg.SetUserObject(message.TrailerKey(c.proto, false), fields)
}

// Complete reconciles the framing header fields with the received body.
func (c *ResponseConsumer) Complete() {
	if c.msg.Response.IsEmpty() {
		return
	}
	c.msg.ReconcileResponseFraming()
}

// ConsumeHTTP feeds resp into the consumer, reading the body in chunks.
// Trailers are reported only when the peer sent at least one.
func (c *ResponseConsumer) ConsumeHTTP(resp *http.Response, buf []byte) error {
	c.OnStatus(resp.Proto, resp.StatusCode, statusReason(resp), message.HeaderFromHTTP(resp.Header))

	for {
		n, err := resp.Body.Read(buf)
		c.OnBodyChunk(buf[:n])
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
	}

	// declared names without values are pre-populated in resp.Trailer
	if fields := message.TrailerFields(resp.Trailer, resp.Header.Values("Trailer")); len(fields) > 0 {
		c.OnTrailers(fields)
	}
	c.Complete()
	return nil
}

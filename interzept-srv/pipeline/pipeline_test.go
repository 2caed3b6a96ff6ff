package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codefionn/interzept/interzept-srv/channel"
	"github.com/codefionn/interzept/interzept-srv/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// call records one handler invocation.
type call struct {
	name       string
	fromClient bool
	recursive  bool
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) add(c call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, c := range r.calls {
		names = append(names, c.name)
	}
	return names
}

// testHandler records calls and runs the action registered for its n-th call.
type testHandler struct {
	name    string
	rec     *recorder
	count   int
	actions map[int]func(ctx *Context, msg *message.Message) Action
}

func newTestHandler(name string, rec *recorder) *testHandler {
	return &testHandler{name: name, rec: rec, actions: map[int]func(*Context, *message.Message) Action{}}
}

func (h *testHandler) Handle(ctx *Context, msg *message.Message) Action {
	h.rec.add(call{name: h.name, fromClient: ctx.FromClient(), recursive: ctx.IsRecursive()})
	n := h.count
	h.count++
	if fn, ok := h.actions[n]; ok {
		return fn(ctx, msg)
	}
	return Continue()
}

type countingSender struct {
	calls atomic.Int32
	err   error
	ctxs  []context.Context
}

func (s *countingSender) Send(ctx context.Context, msg *message.Message) error {
	s.calls.Add(1)
	s.ctxs = append(s.ctxs, ctx)
	if s.err != nil {
		return s.err
	}
	msg.SetResponse(http.StatusOK, message.Header{}, []byte("upstream"))
	return nil
}

type hostSelf string

func (h hostSelf) IsSelf(req *message.RequestHeader) bool {
	return req.HostName() == string(h)
}

type localResponder struct{ calls int }

func (l *localResponder) ServeLocal(_ *Context, msg *message.Message) {
	l.calls++
	msg.SetResponse(http.StatusOK, message.Header{}, []byte("local"))
}

func newMessage(t *testing.T, rawURL string) *message.Message {
	t.Helper()
	m, err := message.NewRequest("GET", rawURL)
	require.NoError(t, err)
	return m
}

func TestHandlersRunInRegistrationOrderForBothPhases(t *testing.T) {
	rec := &recorder{}
	h1, h2, h3 := newTestHandler("h1", rec), newTestHandler("h2", rec), newTestHandler("h3", rec)
	sender := &countingSender{}
	p := &Processor{Pipeline: New(h1, h2, h3), Sender: sender}

	res := p.Process(context.Background(), channel.New(nil), newMessage(t, "http://example.com/"))

	assert.Equal(t, OutcomeForwarded, res.Outcome)
	assert.Equal(t, []string{"h1", "h2", "h3", "h1", "h2", "h3"}, rec.names())
	assert.True(t, rec.calls[0].fromClient)
	assert.False(t, rec.calls[3].fromClient)
	assert.Equal(t, int32(1), sender.calls.Load())
}

func TestStopInRequestPhaseSkipsFollowingHandlersAndExec(t *testing.T) {
	rec := &recorder{}
	h1, h2, h3 := newTestHandler("h1", rec), newTestHandler("h2", rec), newTestHandler("h3", rec)
	h2.actions[0] = func(_ *Context, msg *message.Message) Action {
		msg.SetResponse(http.StatusForbidden, message.Header{}, []byte("blocked"))
		return Stop()
	}
	sender := &countingSender{}
	p := &Processor{Pipeline: New(h1, h2, h3), Sender: sender}

	msg := newMessage(t, "http://example.com/")
	res := p.Process(context.Background(), channel.New(nil), msg)

	assert.Equal(t, OutcomeStopped, res.Outcome)
	assert.Equal(t, []string{"h1", "h2"}, rec.names())
	assert.Equal(t, int32(0), sender.calls.Load())
	assert.Equal(t, http.StatusForbidden, msg.Response.StatusCode)
}

func TestStopInResponsePhaseSkipsFollowingHandlers(t *testing.T) {
	rec := &recorder{}
	h1, h2 := newTestHandler("h1", rec), newTestHandler("h2", rec)
	h1.actions[1] = func(_ *Context, msg *message.Message) Action {
		msg.SetResponse(http.StatusTeapot, message.Header{}, nil)
		return Stop()
	}
	p := &Processor{Pipeline: New(h1, h2), Sender: &countingSender{}}

	msg := newMessage(t, "http://example.com/")
	p.Process(context.Background(), channel.New(nil), msg)

	assert.Equal(t, []string{"h1", "h2", "h1"}, rec.names())
	assert.Equal(t, http.StatusTeapot, msg.Response.StatusCode)
}

func TestFailSynthesizesErrorAndKeepsChannelOpen(t *testing.T) {
	rec := &recorder{}
	h1, h2 := newTestHandler("h1", rec), newTestHandler("h2", rec)
	boom := errors.New("boom")
	h1.actions[0] = func(*Context, *message.Message) Action { return Fail(boom) }

	var sunk []error
	sender := &countingSender{}
	p := &Processor{
		Pipeline: New(h1, h2),
		Sender:   sender,
		OnError:  func(_ *channel.Channel, err error) { sunk = append(sunk, err) },
	}

	ch := channel.New(nil)
	msg := newMessage(t, "http://example.com/")
	res := p.Process(context.Background(), ch, msg)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, boom)
	assert.False(t, res.CloseChannel)
	assert.Equal(t, []error{boom}, sunk)
	assert.Equal(t, http.StatusInternalServerError, msg.Response.StatusCode)
	assert.Equal(t, []string{"h1"}, rec.names())
	assert.Equal(t, int32(0), sender.calls.Load())
	assert.False(t, ch.Attributes().ProcessingMessage)
}

func TestPanickingHandlerFails(t *testing.T) {
	p := &Processor{
		Pipeline: New(HandlerFunc("panics", func(*Context, *message.Message) Action { panic("bad") })),
		Sender:   &countingSender{},
	}
	res := p.Process(context.Background(), channel.New(nil), newMessage(t, "http://example.com/"))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorContains(t, res.Err, "panicked")
}

func TestUpstreamErrorRunsResponsePhase(t *testing.T) {
	upstreamErr := errors.New("connection refused")
	var seen error
	observer := HandlerFunc("observer", func(ctx *Context, msg *message.Message) Action {
		if !ctx.FromClient() {
			seen = ctx.ExchangeError()
		}
		return Continue()
	})
	p := &Processor{
		Pipeline: New(observer),
		Sender:   &countingSender{err: upstreamErr},
		ErrorResponse: func(msg *message.Message, err error, handlerFailure bool) {
			assert.False(t, handlerFailure)
			msg.SetResponse(http.StatusGatewayTimeout, message.Header{}, nil)
		},
	}

	msg := newMessage(t, "http://example.com/")
	res := p.Process(context.Background(), channel.New(nil), msg)

	assert.Equal(t, OutcomeUpstreamError, res.Outcome)
	assert.Equal(t, upstreamErr, seen)
	assert.Equal(t, http.StatusGatewayTimeout, msg.Response.StatusCode)
}

func TestSelfRequestsAreServedLocally(t *testing.T) {
	rec := &recorder{}
	h1 := newTestHandler("h1", rec)
	sender := &countingSender{}
	local := &localResponder{}
	p := &Processor{Pipeline: New(h1), Sender: sender, Local: local, Self: hostSelf("interzept")}

	ch := channel.New(nil)
	msg := newMessage(t, "http://interzept/")
	res := p.Process(context.Background(), ch, msg)

	assert.Equal(t, OutcomeLocal, res.Outcome)
	assert.Equal(t, int32(0), sender.calls.Load())
	assert.Equal(t, 1, local.calls)
	assert.Equal(t, "local", string(msg.ResponseBody))
	assert.True(t, rec.calls[0].recursive)
	assert.True(t, rec.calls[1].recursive)
	assert.False(t, ch.Attributes().RecursiveMessage, "cleared once processing ends")
}

func TestRecursionIsReevaluatedAfterEachRequestHandler(t *testing.T) {
	rewrite := func(rawURL string) func(*Context, *message.Message) Action {
		return func(_ *Context, msg *message.Message) Action {
			m, _ := message.NewRequest("GET", rawURL)
			msg.Request = m.Request
			return Continue()
		}
	}

	t.Run("rewritten away from self", func(t *testing.T) {
		rec := &recorder{}
		h1, h2 := newTestHandler("h1", rec), newTestHandler("h2", rec)
		h1.actions[0] = rewrite("http://example.com/")
		sender := &countingSender{}
		p := &Processor{Pipeline: New(h1, h2), Sender: sender, Local: &localResponder{}, Self: hostSelf("interzept")}

		p.Process(context.Background(), channel.New(nil), newMessage(t, "http://interzept/"))

		require.Len(t, rec.calls, 4)
		assert.True(t, rec.calls[0].recursive)
		assert.False(t, rec.calls[1].recursive)
		assert.False(t, rec.calls[2].recursive)
		assert.False(t, rec.calls[3].recursive)
		assert.Equal(t, int32(1), sender.calls.Load())
	})

	t.Run("rewritten back to self", func(t *testing.T) {
		rec := &recorder{}
		h1, h2 := newTestHandler("h1", rec), newTestHandler("h2", rec)
		h1.actions[0] = rewrite("http://example.com/")
		h2.actions[0] = rewrite("http://interzept/")
		sender := &countingSender{}
		p := &Processor{Pipeline: New(h1, h2), Sender: sender, Local: &localResponder{}, Self: hostSelf("interzept")}

		p.Process(context.Background(), channel.New(nil), newMessage(t, "http://interzept/"))

		require.Len(t, rec.calls, 4)
		assert.True(t, rec.calls[0].recursive)
		assert.False(t, rec.calls[1].recursive)
		assert.True(t, rec.calls[2].recursive)
		assert.True(t, rec.calls[3].recursive)
		assert.Equal(t, int32(0), sender.calls.Load())
	})
}

func TestCloseStopsFollowingHandlers(t *testing.T) {
	rec := &recorder{}
	h1, h2 := newTestHandler("h1", rec), newTestHandler("h2", rec)
	h1.actions[0] = func(ctx *Context, _ *message.Message) Action {
		ctx.Close()
		return Continue()
	}
	p := &Processor{Pipeline: New(h1, h2), Sender: &countingSender{}}

	res := p.Process(context.Background(), channel.New(nil), newMessage(t, "http://example.com/"))
	assert.True(t, res.CloseChannel)
	assert.Equal(t, []string{"h1"}, rec.names())
}

func TestNestedSendIsRecursiveAndBypassesPipeline(t *testing.T) {
	rec := &recorder{}
	sender := &countingSender{}
	var nestedErr error
	nester := HandlerFunc("nester", func(ctx *Context, msg *message.Message) Action {
		if ctx.FromClient() {
			nested, _ := message.NewRequest("GET", "http://interzept/")
			nestedErr = ctx.Send(nested)
			assert.True(t, ctx.Derive().Attributes().RecursiveMessage)
		}
		return Continue()
	})
	h := newTestHandler("h", rec)
	local := &localResponder{}
	p := &Processor{Pipeline: New(nester, h), Sender: sender, Local: local, Self: hostSelf("interzept")}

	p.Process(context.Background(), channel.New(nil), newMessage(t, "http://example.com/"))

	require.NoError(t, nestedErr)
	assert.Equal(t, int32(2), sender.calls.Load(), "nested exchange goes upstream even for alias hosts")
	assert.Equal(t, 0, local.calls)
	assert.Equal(t, []string{"h", "h"}, rec.names(), "nested exchange does not re-enter the pipeline")
	assert.True(t, channel.IsRecursiveMessage(sender.ctxs[0]))
	assert.False(t, channel.IsRecursiveMessage(sender.ctxs[1]))
}

func TestRegisterAtAndRemove(t *testing.T) {
	rec := &recorder{}
	a, b, c := newTestHandler("a", rec), newTestHandler("b", rec), newTestHandler("c", rec)
	p := New(a, c)

	require.NoError(t, p.RegisterAt(1, b))
	assert.Equal(t, []Handler{a, b, c}, p.Handlers())
	assert.Error(t, p.RegisterAt(5, b))

	assert.True(t, p.Remove(b))
	assert.False(t, p.Remove(b))
	assert.Equal(t, []Handler{a, c}, p.Handlers())

	fn := HandlerFunc("fn", func(*Context, *message.Message) Action { return Continue() })
	p.Register(fn)
	assert.Equal(t, 3, p.Len())
	assert.True(t, p.Remove(fn))
}

func TestMessagesOfOneChannelAreSerialized(t *testing.T) {
	var active, maxActive atomic.Int32
	slow := HandlerFunc("slow", func(ctx *Context, _ *message.Message) Action {
		if ctx.FromClient() {
			assert.True(t, ctx.Attributes().ProcessingMessage)
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
		}
		return Continue()
	})
	p := &Processor{Pipeline: New(slow), Sender: &countingSender{}}
	ch := channel.New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Process(context.Background(), ch, newMessage(t, "http://example.com/"))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestWorkerPool(t *testing.T) {
	pool := NewWorkerPool(2)
	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(10), ran.Load())

	pool.Stop()
	assert.ErrorIs(t, pool.Submit(context.Background(), func(context.Context) {}), ErrPoolStopped)
}

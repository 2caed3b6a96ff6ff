// Package pipeline runs messages through the ordered list of registered handlers.
package pipeline

import (
	"fmt"
	"sync"

	"github.com/codefionn/interzept/interzept-srv/message"
	"github.com/codefionn/interzept/interzept-srv/metrics"
)

// Phase is the direction a handler is invoked for.
type Phase int

const (
	RequestPhase Phase = iota
	ResponsePhase
)

func (p Phase) String() string {
	if p == RequestPhase {
		return "request"
	}
	return "response"
}

type actionKind int

const (
	actionContinue actionKind = iota
	actionStop
	actionFail
)

// Action is what a handler wants to happen after it returns.
type Action struct {
	kind actionKind
	err  error
}

// Continue passes the message to the next handler.
func Continue() Action { return Action{kind: actionContinue} }

// Stop declares the message final as the handler left it. In the request
// phase the exec chain and the response phase are skipped, so the handler is
// expected to have set a response.
func Stop() Action { return Action{kind: actionStop} }

// Fail aborts the exchange with err.
func Fail(err error) Action { return Action{kind: actionFail, err: err} }

// IsContinue reports whether the action is Continue.
func (a Action) IsContinue() bool { return a.kind == actionContinue }

// IsStop reports whether the action is Stop.
func (a Action) IsStop() bool { return a.kind == actionStop }

// Err returns the error of a Fail action.
func (a Action) Err() error { return a.err }

func (a Action) String() string {
	switch a.kind {
	case actionStop:
		return "stop"
	case actionFail:
		return "fail"
	default:
		return "continue"
	}
}

// Handler inspects or rewrites a message. Handlers are compared by identity
// on removal, so implementations should be pointer types.
type Handler interface {
	Handle(ctx *Context, msg *message.Message) Action
}

type funcHandler struct {
	name string
	fn   func(ctx *Context, msg *message.Message) Action
}

// HandlerFunc wraps fn into a Handler with its own identity.
func HandlerFunc(name string, fn func(ctx *Context, msg *message.Message) Action) Handler {
	return &funcHandler{name: name, fn: fn}
}

func (f *funcHandler) Handle(ctx *Context, msg *message.Message) Action { return f.fn(ctx, msg) }

func (f *funcHandler) String() string { return f.name }

// Pipeline is the ordered handler list. Registration order is execution
// order for both phases.
type Pipeline struct {
	mu       sync.RWMutex
	handlers []Handler
}

// New creates a pipeline with handlers in the given order.
func New(handlers ...Handler) *Pipeline {
	return &Pipeline{handlers: append([]Handler(nil), handlers...)}
}

// Register appends h.
func (p *Pipeline) Register(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

// RegisterAt inserts h at position, shifting later handlers back.
func (p *Pipeline) RegisterAt(position int, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if position < 0 || position > len(p.handlers) {
		return fmt.Errorf("handler position %d out of range [0, %d]", position, len(p.handlers))
	}
	p.handlers = append(p.handlers, nil)
	copy(p.handlers[position+1:], p.handlers[position:])
	p.handlers[position] = h
	return nil
}

// Remove deletes the first registration of h. It reports whether h was registered.
func (p *Pipeline) Remove(h Handler) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, registered := range p.handlers {
		if registered == h {
			p.handlers = append(p.handlers[:i], p.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Handlers returns a snapshot of the registered handlers.
func (p *Pipeline) Handlers() []Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Handler(nil), p.handlers...)
}

// Len returns the number of registered handlers.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handlers)
}

// Run passes msg through all handlers for phase until one stops or fails.
// Changes to the registration while a message runs apply to the next message.
func (p *Pipeline) Run(ctx *Context, msg *message.Message, phase Phase) Action {
	ctx.fromClient = phase == RequestPhase
	for _, h := range p.Handlers() {
		if phase == RequestPhase {
			// handlers may rewrite the target
			ctx.recursive = ctx.detectSelf(msg)
		}

		action := invoke(h, ctx, msg)
		metrics.HandlerInvocationsTotal.WithLabelValues(phase.String(), action.String()).Inc()

		if ctx.closeRequested && action.IsContinue() {
			action = Stop()
		}
		if !action.IsContinue() {
			ctx.log().Debug("%s handler %v returned %s", phase, h, action)
			return action
		}
	}
	return Continue()
}

func invoke(h Handler, ctx *Context, msg *message.Message) (action Action) {
	defer func() {
		if r := recover(); r != nil {
			action = Fail(fmt.Errorf("handler %v panicked: %v", h, r))
		}
	}()
	return h.Handle(ctx, msg)
}

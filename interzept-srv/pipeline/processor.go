package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/codefionn/interzept/interzept-srv/channel"
	"github.com/codefionn/interzept/interzept-srv/message"
	"github.com/codefionn/interzept/interzept-srv/metrics"
)

// Outcomes of a processed exchange, also used as metric labels.
const (
	OutcomeForwarded     = "forwarded"
	OutcomeLocal         = "local"
	OutcomeStopped       = "stopped"
	OutcomeFailed        = "failed"
	OutcomeUpstreamError = "upstream_error"
)

// Sender executes a request upstream and fills the response half of msg.
type Sender interface {
	Send(ctx context.Context, msg *message.Message) error
}

// LocalResponder answers requests addressed to the proxy itself.
type LocalResponder interface {
	ServeLocal(ctx *Context, msg *message.Message)
}

// SelfDetector decides whether a request targets the proxy (alias or own address).
type SelfDetector interface {
	IsSelf(req *message.RequestHeader) bool
}

// ErrorResponder fills msg with a response synthesized for err. handlerFailure
// distinguishes a failing handler from a failed upstream exchange.
type ErrorResponder func(msg *message.Message, err error, handlerFailure bool)

// Result summarizes one processed exchange.
type Result struct {
	Outcome      string
	Err          error
	CloseChannel bool
}

// Processor drives one message through request phase, exec chain or local
// responder, and response phase.
type Processor struct {
	Pipeline      *Pipeline
	Sender        Sender
	Local         LocalResponder
	Self          SelfDetector
	ErrorResponse ErrorResponder
	// OnError is the error sink of failed handlers and upstream exchanges.
	OnError func(ch *channel.Channel, err error)
	Pool    *WorkerPool
}

// Process handles msg received on ch. Messages of one channel are processed one at a time.
func (p *Processor) Process(ctx context.Context, ch *channel.Channel, msg *message.Message) Result {
	start := time.Now()
	if err := ch.BeginProcessing(ctx); err != nil {
		return Result{Outcome: OutcomeFailed, Err: err, CloseChannel: true}
	}
	defer ch.EndProcessing()

	pctx := &Context{ctx: ctx, ch: ch, processor: p}
	res := p.process(pctx, msg)
	res.CloseChannel = res.CloseChannel || pctx.closeRequested

	msg.Elapsed = time.Since(start)
	metrics.ObserveExchange(res.Outcome, msg.Elapsed)
	return res
}

func (p *Processor) process(pctx *Context, msg *message.Message) Result {
	action := p.Pipeline.Run(pctx, msg, RequestPhase)
	if err := action.Err(); err != nil {
		p.fail(pctx, msg, err, true)
		return Result{Outcome: OutcomeFailed, Err: err}
	}
	if action.IsStop() {
		return Result{Outcome: OutcomeStopped}
	}

	outcome := OutcomeForwarded
	pctx.recursive = pctx.detectSelf(msg)
	if pctx.ch != nil {
		pctx.ch.SetRecursive(pctx.recursive)
	}

	switch {
	case pctx.recursive:
		outcome = OutcomeLocal
		if p.Local != nil {
			p.Local.ServeLocal(pctx, msg)
		} else {
			msg.SetResponse(http.StatusNotFound, message.Header{}, nil)
		}
	case p.Sender == nil:
		pctx.exchangeErr = ErrNoSender
		outcome = OutcomeUpstreamError
		p.synthesize(msg, ErrNoSender, false)
	default:
		if err := p.Sender.Send(pctx.ctx, msg); err != nil {
			pctx.exchangeErr = err
			outcome = OutcomeUpstreamError
			pctx.log().Debug("upstream exchange for %s %s failed: %v", msg.Request.Method, msg.Request.URI, err)
			if p.OnError != nil {
				p.OnError(pctx.ch, err)
			}
			p.synthesize(msg, err, false)
		}
	}

	action = p.Pipeline.Run(pctx, msg, ResponsePhase)
	if err := action.Err(); err != nil {
		p.fail(pctx, msg, err, true)
		return Result{Outcome: OutcomeFailed, Err: err}
	}
	return Result{Outcome: outcome, Err: pctx.exchangeErr}
}

func (p *Processor) fail(pctx *Context, msg *message.Message, err error, handlerFailure bool) {
	pctx.log().Warn("handler failed for %s %s: %v", msg.Request.Method, msg.Request.URI, err)
	if p.OnError != nil {
		p.OnError(pctx.ch, err)
	}
	p.synthesize(msg, err, handlerFailure)
}

func (p *Processor) synthesize(msg *message.Message, err error, handlerFailure bool) {
	if p.ErrorResponse != nil {
		p.ErrorResponse(msg, err, handlerFailure)
		return
	}
	status := http.StatusBadGateway
	if handlerFailure {
		status = http.StatusInternalServerError
	}
	msg.SetResponse(status, message.NewHeader(message.Field{Name: "Content-Type", Value: "text/plain; charset=utf-8"}),
		[]byte(http.StatusText(status)+"\n"))
}

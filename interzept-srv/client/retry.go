package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/codefionn/interzept/interzept-srv/config"
	"github.com/codefionn/interzept/interzept-srv/logger"
	"github.com/codefionn/interzept/interzept-srv/metrics"
)

// RetryStrategy decides whether a failed attempt is repeated.
type RetryStrategy interface {
	// RetryRequest reports whether req is tried again after attempt failed with err.
	RetryRequest(req *http.Request, err error, attempt int) bool
	// RetryInterval is the pause before the next attempt.
	RetryInterval(attempt int) time.Duration
}

// ReplayAllower is implemented by strategies that permit resending a request
// body of a non-idempotent method.
type ReplayAllower interface {
	AllowReplay(req *http.Request) bool
}

// DefaultRetryStrategy retries connection failures up to MaxRetries times.
// Host resolution failures and protocol violations are never retried,
// timeouts only with RetryOnTimeout.
type DefaultRetryStrategy struct {
	MaxRetries     int
	RetryOnTimeout bool
	Backoff        backoff.Backoff
}

// NewDefaultRetryStrategy creates the strategy from the retry configuration.
func NewDefaultRetryStrategy(cfg config.RetryConfig) *DefaultRetryStrategy {
	return &DefaultRetryStrategy{
		MaxRetries:     cfg.MaxRetries,
		RetryOnTimeout: cfg.RetryOnTimeout,
		Backoff: backoff.Backoff{
			Min:    cfg.MinInterval(),
			Max:    cfg.MaxInterval(),
			Factor: 2,
			Jitter: true,
		},
	}
}

func (s *DefaultRetryStrategy) RetryRequest(req *http.Request, err error, attempt int) bool {
	if attempt > s.MaxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var (
		resolveErr  *HostResolutionError
		protocolErr *ProtocolViolationError
		timeoutErr  *TimeoutError
	)
	switch {
	case errors.As(err, &resolveErr), errors.As(err, &protocolErr):
		return false
	case errors.As(err, &timeoutErr):
		return s.RetryOnTimeout
	}
	return true
}

func (s *DefaultRetryStrategy) RetryInterval(attempt int) time.Duration {
	return s.Backoff.ForAttempt(float64(attempt - 1))
}

// countingReader records whether any byte of the body was read. While held,
// closing an unread body is deferred so the next attempt can send it.
type countingReader struct {
	rc   io.ReadCloser
	read atomic.Int64

	mu       sync.Mutex
	hold     bool
	deferred bool
	closed   bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	c.read.Add(int64(n))
	return n, err
}

func (c *countingReader) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hold && c.read.Load() == 0 {
		c.deferred = true
		return nil
	}
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rc.Close()
}

// release ends the hold and performs a deferred close.
func (c *countingReader) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = false
	if c.deferred && !c.closed {
		c.closed = true
		if err := c.rc.Close(); err != nil {
			logger.Debug("Error closing request body: %v", err)
		}
	}
}

// unread reports whether the attempt left the body untouched.
func (c *countingReader) unread() bool {
	return c != nil && c.hold && c.read.Load() == 0
}

// RetryElement repeats failed attempts as decided by its strategy.
type RetryElement struct {
	strategy RetryStrategy
}

// NewRetryElement creates the retry element.
func NewRetryElement(strategy RetryStrategy) *RetryElement {
	return &RetryElement{strategy: strategy}
}

func (r *RetryElement) Name() string { return ElementRetry }

func (r *RetryElement) Execute(req *http.Request, scope *Scope, next Exec) (*http.Response, error) {
	ctx := req.Context()
	var counter *countingReader
	defer func() {
		if counter != nil {
			counter.release()
		}
	}()
	for attempt := 1; ; attempt++ {
		scope.Attempt = attempt

		attemptReq, attemptCounter, err := prepareAttempt(req, attempt, counter)
		if err != nil {
			return nil, err
		}
		counter = attemptCounter

		resp, err := next(attemptReq, scope)
		if err == nil {
			return resp, nil
		}

		if ctx.Err() != nil || !r.strategy.RetryRequest(req, err, attempt) {
			return nil, err
		}
		if counter != nil && counter.read.Load() > 0 && !r.mayReplay(req) {
			return nil, &BodyExhaustedError{Method: req.Method, Cause: err}
		}

		wait := r.strategy.RetryInterval(attempt)
		logger.Debug("Attempt %d for %s %s failed, retrying in %s: %v", attempt, req.Method, req.URL, wait, err)
		metrics.ExecRetriesTotal.Inc()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, err
		case <-timer.C:
		}
	}
}

func (r *RetryElement) mayReplay(req *http.Request) bool {
	if req.GetBody == nil {
		return false
	}
	if isIdempotent(req.Method) {
		return true
	}
	allower, ok := r.strategy.(ReplayAllower)
	return ok && allower.AllowReplay(req)
}

// prepareAttempt returns the request for one attempt with a fresh body. A
// body without GetBody is sent again only if the previous attempt never read it.
func prepareAttempt(req *http.Request, attempt int, prev *countingReader) (*http.Request, *countingReader, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil, nil
	}

	body := req.Body
	if attempt > 1 {
		switch {
		case req.GetBody != nil:
			fresh, err := req.GetBody()
			if err != nil {
				return nil, nil, &BodyExhaustedError{Method: req.Method, Cause: err}
			}
			body = fresh
		case prev.unread():
			body = prev.rc
		default:
			return nil, nil, &BodyExhaustedError{Method: req.Method, Cause: errors.New("request body cannot be rewound")}
		}
	}

	counter := &countingReader{rc: body, hold: req.GetBody == nil}
	attemptReq := req.Clone(req.Context())
	attemptReq.Body = counter
	return attemptReq, counter, nil
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

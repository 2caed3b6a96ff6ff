package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// TimeoutError is returned when an attempt did not complete within the configured timeout.
type TimeoutError struct {
	Timeout time.Duration
	Cause   error
}

func (e *TimeoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream timed out after %s: %v", e.Timeout, e.Cause)
	}
	return fmt.Sprintf("upstream timed out after %s", e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// HostResolutionError is returned when the origin host or the forward proxy
// host could not be resolved.
type HostResolutionError struct {
	Host      string
	ProxyHost bool
	Cause     error
}

func (e *HostResolutionError) Error() string {
	kind := "host"
	if e.ProxyHost {
		kind = "proxy host"
	}
	return fmt.Sprintf("failed to resolve %s %s: %v", kind, e.Host, e.Cause)
}

func (e *HostResolutionError) Unwrap() error { return e.Cause }

// ProtocolViolationError is returned when the peer sent something that is not HTTP.
type ProtocolViolationError struct {
	Cause error
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %v", e.Cause)
}

func (e *ProtocolViolationError) Unwrap() error { return e.Cause }

// BodyExhaustedError is returned when an attempt failed after the request body
// was already sent and the body cannot be replayed.
type BodyExhaustedError struct {
	Method string
	Cause  error
}

func (e *BodyExhaustedError) Error() string {
	return fmt.Sprintf("cannot retry %s request, body already sent: %v", e.Method, e.Cause)
}

func (e *BodyExhaustedError) Unwrap() error { return e.Cause }

// ChainBuildError reports an invalid exec chain composition.
type ChainBuildError struct {
	Op      string
	Element string
	Reason  string
}

func (e *ChainBuildError) Error() string {
	if e.Element == "" {
		return fmt.Sprintf("invalid exec chain: %s", e.Reason)
	}
	return fmt.Sprintf("invalid exec chain: %s %q: %s", e.Op, e.Element, e.Reason)
}

// classifyTransportError maps errors of a round trip to the typed errors above.
func classifyTransportError(err error, timeout time.Duration) error {
	if err == nil {
		return nil
	}

	var (
		timeoutErr  *TimeoutError
		resolveErr  *HostResolutionError
		protocolErr *ProtocolViolationError
	)
	if errors.As(err, &timeoutErr) || errors.As(err, &resolveErr) || errors.As(err, &protocolErr) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Timeout: timeout, Cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Timeout: timeout, Cause: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &HostResolutionError{Host: dnsErr.Name, Cause: err}
	}
	if isMalformedResponse(err) {
		return &ProtocolViolationError{Cause: err}
	}
	return err
}

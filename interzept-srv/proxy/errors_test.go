package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/interzept/interzept-srv/client"
	"github.com/codefionn/interzept/interzept-srv/message"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		handlerFailure bool
		code           string
		status         int
	}{
		{"timeout", &client.TimeoutError{Timeout: time.Second}, false, ErrCodeConnectionTimeout, http.StatusGatewayTimeout},
		{"wrapped timeout", fmt.Errorf("attempt 2: %w", &client.TimeoutError{Timeout: time.Second}), false, ErrCodeConnectionTimeout, http.StatusGatewayTimeout},
		{"origin resolution", &client.HostResolutionError{Host: "nx.invalid", Cause: errors.New("no such host")}, false, ErrCodeHostResolutionFailed, http.StatusBadGateway},
		{"proxy resolution", &client.HostResolutionError{Host: "proxy.invalid", ProxyHost: true, Cause: errors.New("no such host")}, false, ErrCodeProxyHostResolution, http.StatusBadGateway},
		{"proxy auth", &client.ProxyDeniedError{StatusCode: http.StatusProxyAuthRequired}, false, ErrCodeProxyAuthFailed, http.StatusBadGateway},
		{"proxy denied", &client.ProxyDeniedError{StatusCode: http.StatusForbidden}, false, ErrCodeProxyDenied, http.StatusBadGateway},
		{"protocol violation", &client.ProtocolViolationError{Cause: errors.New("malformed")}, false, ErrCodeProtocolViolation, http.StatusBadGateway},
		{"body exhausted", &client.BodyExhaustedError{Method: http.MethodPost}, false, ErrCodeRequestBodyExhausted, http.StatusBadGateway},
		{"chain build", &client.ChainBuildError{Reason: "empty"}, false, ErrCodeChainBuildFailed, http.StatusInternalServerError},
		{"canceled", context.Canceled, false, ErrCodeConnectionClosed, http.StatusBadGateway},
		{"deadline", context.DeadlineExceeded, false, ErrCodeConnectionTimeout, http.StatusGatewayTimeout},
		{"other", errors.New("connection refused"), false, ErrCodeUpstreamConnectFailed, http.StatusBadGateway},
		{"handler", errors.New("boom"), true, ErrCodeHandlerFailed, http.StatusInternalServerError},
		{"coded handler", NewProxyError(ErrCodeRequestBodyTooLarge, "", nil), true, ErrCodeRequestBodyTooLarge, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, status := ErrorCode(tt.err, tt.handlerFailure)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestProxyError(t *testing.T) {
	cause := errors.New("disk on fire")
	err := NewProxyError(ErrCodeInvalidCAFile, "", cause)
	assert.Equal(t, GetErrorDescription(ErrCodeInvalidCAFile), err.Description)
	assert.Contains(t, err.Error(), ErrCodeInvalidCAFile)
	assert.ErrorIs(t, err, cause)

	assert.True(t, IsConnectionError(NewProxyError(ErrCodeDialFailed, "", nil)))
	assert.False(t, IsConnectionError(NewProxyError(ErrCodeTLSHandshakeFailed, "", nil)))
	assert.True(t, IsTLSError(fmt.Errorf("wrapped: %w", NewProxyError(ErrCodeTLSHandshakeFailed, "", nil))))
	assert.False(t, IsTLSError(cause))
}

func TestErrorResponderFillsMessage(t *testing.T) {
	msg, err := message.NewRequest(http.MethodGet, "http://nx.invalid/")
	require.NoError(t, err)

	ErrorResponder(msg, &client.HostResolutionError{Host: "nx.invalid", Cause: errors.New("no such host")}, false)

	assert.Equal(t, http.StatusBadGateway, msg.Response.StatusCode)
	assert.Equal(t, "Bad Gateway", msg.Response.Reason)
	assert.Equal(t, ErrCodeHostResolutionFailed, msg.Response.Header.Get("X-Proxy-Error"))
	assert.Contains(t, string(msg.ResponseBody), ErrCodeHostResolutionFailed)
}

func TestErrorResponseWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	NewErrorResponse(ErrCodeNestedConnect, http.StatusMethodNotAllowed).Write(rec)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, ErrCodeNestedConnect, rec.Header().Get("X-Proxy-Error"))
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "405 Method Not Allowed")
}

func TestNewBindError(t *testing.T) {
	inUse := newBindError("127.0.0.1:80", &net.OpError{Op: "listen", Err: syscall.EADDRINUSE})
	assert.Equal(t, BindAddressInUse, inUse.Kind)

	denied := newBindError("127.0.0.1:80", &net.OpError{Op: "listen", Err: syscall.EACCES})
	assert.Equal(t, BindPermissionDenied, denied.Kind)

	other := newBindError("127.0.0.1:80", errors.New("weird"))
	assert.Equal(t, BindOther, other.Kind)
	assert.Contains(t, other.Error(), "other")
}

package proxy

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"syscall"

	"github.com/codefionn/interzept/interzept-srv/client"
	"github.com/codefionn/interzept/interzept-srv/message"
)

// Error is a proxy error with a code from the tables below.
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates an Error. An empty description is looked up from the code.
func NewProxyError(code, description string, cause error) *Error {
	if description == "" {
		description = GetErrorDescription(code)
	}
	return &Error{Code: code, Description: description, Cause: cause}
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeNoEnabledServers     = "E1001"
	ErrCodeInvalidCAFile        = "E1002"
	ErrCodeInvalidCAKey         = "E1003"
	ErrCodeCADecodeFailed       = "E1005"
	ErrCodeCAParseFailed        = "E1006"
	ErrCodeListenerCreateFailed = "E1008"
	ErrCodeInvalidServerConfig  = "E1010"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeConnectionTimeout     = "E2002"
	ErrCodeHostResolutionFailed  = "E2004"
	ErrCodeConnectionClosed      = "E2008"
	ErrCodeDialFailed            = "E2009"
	ErrCodeUpstreamConnectFailed = "E2010"

	// TLS and Certificate Errors (E3000-E3999)
	ErrCodeTLSHandshakeFailed   = "E3001"
	ErrCodeCertGenerationFailed = "E3002"
	ErrCodeNoSNIHostname        = "E3004"
	ErrCodeX509KeyPairFailed    = "E3006"

	// HTTP/HTTPS Processing Errors (E4000-E4999)
	ErrCodeHTTPRequestReadFailed   = "E4001"
	ErrCodeHTTPResponseWriteFailed = "E4004"
	ErrCodeHTTPHijackFailed        = "E4008"
	ErrCodeHTTPHijackNotSupported  = "E4009"
	ErrCodeHTTPUpgradeFailed       = "E4011"
	ErrCodeProtocolViolation       = "E4012"
	ErrCodeRequestBodyExhausted    = "E4013"
	ErrCodeRequestBodyTooLarge     = "E4014"
	ErrCodeNestedConnect           = "E4015"

	// Proxy Chain and Forwarding Errors (E6000-E6999)
	ErrCodeHTTPProxyDialFailed    = "E6003"
	ErrCodeHTTPProxyConnectFailed = "E6004"
	ErrCodeProxyAuthFailed        = "E6007"
	ErrCodeProxyDenied            = "E6008"
	ErrCodeChainBuildFailed       = "E6010"
	ErrCodeProxyHostResolution    = "E6011"

	// Interception and Pipeline Errors (E8000-E8999)
	ErrCodeInterceptionDisabled = "E8001"
	ErrCodeHandlerFailed        = "E8002"

	// Resource and Limit Errors (E9000-E9899)
	ErrCodeConcurrencyLimitReached = "E9006"

	// Internal and System Errors (E9900-E9999)
	ErrCodeInternalError = "E9901"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeNoEnabledServers:     "No enabled proxy servers configured",
	ErrCodeInvalidCAFile:        "Invalid or unreadable CA certificate file",
	ErrCodeInvalidCAKey:         "Invalid or unreadable CA private key file",
	ErrCodeCADecodeFailed:       "Failed to decode CA certificate or key PEM",
	ErrCodeCAParseFailed:        "Failed to parse CA certificate or key",
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeInvalidServerConfig:  "Invalid server configuration",

	ErrCodeConnectionTimeout:     "Upstream did not answer in time",
	ErrCodeHostResolutionFailed:  "Failed to resolve target host",
	ErrCodeConnectionClosed:      "Connection closed unexpectedly",
	ErrCodeDialFailed:            "Failed to dial target address",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream server",

	ErrCodeTLSHandshakeFailed:   "TLS handshake failed",
	ErrCodeCertGenerationFailed: "Failed to generate SSL certificate",
	ErrCodeNoSNIHostname:        "No SNI hostname provided in TLS handshake",
	ErrCodeX509KeyPairFailed:    "Failed to create X.509 key pair",

	ErrCodeHTTPRequestReadFailed:   "Failed to read HTTP request",
	ErrCodeHTTPResponseWriteFailed: "Failed to write HTTP response",
	ErrCodeHTTPHijackFailed:        "Failed to hijack HTTP connection",
	ErrCodeHTTPHijackNotSupported:  "HTTP connection hijacking not supported",
	ErrCodeHTTPUpgradeFailed:       "HTTP protocol upgrade failed",
	ErrCodeProtocolViolation:       "Upstream response violated the HTTP protocol",
	ErrCodeRequestBodyExhausted:    "Request body already sent, request cannot be retried",
	ErrCodeRequestBodyTooLarge:     "Request body too large",
	ErrCodeNestedConnect:           "CONNECT inside an intercepted tunnel is not supported",

	ErrCodeHTTPProxyDialFailed:    "Failed to dial HTTP proxy server",
	ErrCodeHTTPProxyConnectFailed: "HTTP proxy connection failed",
	ErrCodeProxyAuthFailed:        "Proxy authentication failed",
	ErrCodeProxyDenied:            "Proxy request denied",
	ErrCodeChainBuildFailed:       "Invalid client exec chain",
	ErrCodeProxyHostResolution:    "Failed to resolve forward proxy host",

	ErrCodeInterceptionDisabled: "Traffic interception is disabled",
	ErrCodeHandlerFailed:        "Message handler failed",

	ErrCodeConcurrencyLimitReached: "Concurrency limit reached",

	ErrCodeInternalError: "Internal proxy error",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	return hasCodeIn(err, "E2000", "E3000")
}

// IsTLSError checks if the error is TLS-related
func IsTLSError(err error) bool {
	return hasCodeIn(err, "E3000", "E4000")
}

func hasCodeIn(err error, lo, hi string) bool {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code >= lo && proxyErr.Code < hi
	}
	return false
}

// BindErrorKind classifies why a listener could not be created.
type BindErrorKind int

const (
	BindOther BindErrorKind = iota
	BindAddressInUse
	BindPermissionDenied
	BindWildcardNotPermitted
)

func (k BindErrorKind) String() string {
	switch k {
	case BindAddressInUse:
		return "address in use"
	case BindPermissionDenied:
		return "permission denied"
	case BindWildcardNotPermitted:
		return "wildcard address not permitted"
	default:
		return "other"
	}
}

// BindError is returned by Bind.
type BindError struct {
	Address string
	Kind    BindErrorKind
	Cause   error
}

func (e *BindError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bind %s: %s: %v", e.Address, e.Kind, e.Cause)
	}
	return fmt.Sprintf("bind %s: %s", e.Address, e.Kind)
}

func (e *BindError) Unwrap() error { return e.Cause }

func newBindError(address string, err error) *BindError {
	kind := BindOther
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		kind = BindAddressInUse
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		kind = BindPermissionDenied
	}
	return &BindError{Address: address, Kind: kind, Cause: err}
}

// ErrorResponse is a locally synthesized error response.
type ErrorResponse struct {
	Code   string
	Status int
	Header message.Header
	Body   []byte
}

// NewErrorResponse renders the HTML error page for code with the given status.
func NewErrorResponse(code string, status int) *ErrorResponse {
	title := strconv.Itoa(status) + " " + http.StatusText(status)
	body := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>%s</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; background-color: #f4f4f4; color: #333; }
        .container { background-color: #fff; padding: 20px; border-radius: 5px; }
        h1 { color: #d9534f; }
        .error-code { font-weight: bold; color: #c9302c; }
    </style>
</head>
<body>
    <div class="container">
        <h1>%s</h1>
        <p><span class="error-code">Error Code:</span> %s</p>
        <p><span class="error-code">Description:</span> %s</p>
    </div>
</body>
</html>
`, title, title, code, html.EscapeString(GetErrorDescription(code)))

	return &ErrorResponse{
		Code:   code,
		Status: status,
		Header: message.NewHeader(
			message.Field{Name: "Content-Type", Value: "text/html; charset=utf-8"},
			message.Field{Name: "Content-Length", Value: strconv.Itoa(len(body))},
			message.Field{Name: "X-Proxy-Error", Value: code},
		),
		Body: []byte(body),
	}
}

// Apply replaces the response half of msg.
func (r *ErrorResponse) Apply(msg *message.Message) {
	msg.SetResponse(r.Status, r.Header.Clone(), append([]byte(nil), r.Body...))
	msg.Response.Reason = http.StatusText(r.Status)
}

// Write sends the response on w. Used before a message exists.
func (r *ErrorResponse) Write(w http.ResponseWriter) {
	for _, f := range r.Header.Fields() {
		w.Header().Set(f.Name, f.Value)
	}
	w.WriteHeader(r.Status)
	_, _ = w.Write(r.Body)
}

// ErrorCode maps err to an error code and HTTP status. handlerFailure marks
// errors raised by pipeline handlers.
func ErrorCode(err error, handlerFailure bool) (string, int) {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		if handlerFailure {
			return proxyErr.Code, http.StatusInternalServerError
		}
		return proxyErr.Code, http.StatusBadGateway
	}
	if handlerFailure {
		return ErrCodeHandlerFailed, http.StatusInternalServerError
	}

	var (
		timeoutErr   *client.TimeoutError
		resolveErr   *client.HostResolutionError
		deniedErr    *client.ProxyDeniedError
		violationErr *client.ProtocolViolationError
		exhaustedErr *client.BodyExhaustedError
		chainErr     *client.ChainBuildError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return ErrCodeConnectionTimeout, http.StatusGatewayTimeout
	case errors.As(err, &resolveErr):
		if resolveErr.ProxyHost {
			return ErrCodeProxyHostResolution, http.StatusBadGateway
		}
		return ErrCodeHostResolutionFailed, http.StatusBadGateway
	case errors.As(err, &deniedErr):
		if deniedErr.StatusCode == http.StatusProxyAuthRequired {
			return ErrCodeProxyAuthFailed, http.StatusBadGateway
		}
		return ErrCodeProxyDenied, http.StatusBadGateway
	case errors.As(err, &violationErr):
		return ErrCodeProtocolViolation, http.StatusBadGateway
	case errors.As(err, &exhaustedErr):
		return ErrCodeRequestBodyExhausted, http.StatusBadGateway
	case errors.As(err, &chainErr):
		return ErrCodeChainBuildFailed, http.StatusInternalServerError
	case errors.Is(err, context.Canceled):
		return ErrCodeConnectionClosed, http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeConnectionTimeout, http.StatusGatewayTimeout
	default:
		return ErrCodeUpstreamConnectFailed, http.StatusBadGateway
	}
}

// ErrorResponder synthesizes the response of a failed exchange. It has the
// signature of pipeline.ErrorResponder.
func ErrorResponder(msg *message.Message, err error, handlerFailure bool) {
	code, status := ErrorCode(err, handlerFailure)
	NewErrorResponse(code, status).Apply(msg)
}

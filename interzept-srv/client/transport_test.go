package client

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyAuthRequiredMatchesTransportError(t *testing.T) {
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Proxy-Authenticate", `Basic realm="proxy"`)
		w.WriteHeader(http.StatusProxyAuthRequired)
	}))
	defer proxySrv.Close()
	proxyURL, err := url.Parse(proxySrv.URL)
	require.NoError(t, err)

	transport := &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	defer transport.CloseIdleConnections()

	req, err := http.NewRequest(http.MethodGet, "https://origin.invalid/", http.NoBody)
	require.NoError(t, err)
	_, err = transport.RoundTrip(req)
	require.Error(t, err)

	resp := proxyAuthRequired(req, err)
	require.NotNil(t, resp, "transport error %q", err)
	assert.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
	assert.Same(t, req, resp.Request)

	assert.Nil(t, proxyAuthRequired(req, errors.New("connection refused")))
}

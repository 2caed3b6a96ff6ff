package proxy

import (
	"context"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/interzept/interzept-srv/channel"
	"github.com/codefionn/interzept/interzept-srv/config"
	"github.com/codefionn/interzept/interzept-srv/message"
	"github.com/codefionn/interzept/interzept-srv/pipeline"
)

func serveLocal(t *testing.T, pages *LocalPages, method, rawURL string) *message.Message {
	t.Helper()
	msg, err := message.NewRequest(method, rawURL)
	require.NoError(t, err)
	msg.Request.Header.Set("Host", msg.Request.URI.Host)
	pages.ServeLocal(pipeline.NewContext(context.Background(), channel.New(nil)), msg)
	return msg
}

func TestLocalPages(t *testing.T) {
	sc := NewServerConfig(config.LocalServerConfig{Address: "127.0.0.1", Port: 3128}, []config.Alias{{Name: "interzept.local", Enabled: true}}, nil)
	sc.SetBoundAddress(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 3128})
	issuer := newTestIssuer(t)
	pages := NewLocalPages(sc, issuer)

	t.Run("info", func(t *testing.T) {
		msg := serveLocal(t, pages, http.MethodGet, "http://interzept.local/")
		assert.Equal(t, http.StatusOK, msg.Response.StatusCode)
		assert.Equal(t, "text/html; charset=utf-8", msg.Response.Header.Get("Content-Type"))
		assert.Contains(t, string(msg.ResponseBody), "127.0.0.1:3128")
		assert.Contains(t, string(msg.ResponseBody), "/ca.pem")
	})

	t.Run("pac", func(t *testing.T) {
		msg := serveLocal(t, pages, http.MethodGet, "http://interzept.local/proxy.pac")
		assert.Equal(t, http.StatusOK, msg.Response.StatusCode)
		assert.Equal(t, "application/x-ns-proxy-autoconfig", msg.Response.Header.Get("Content-Type"))
		assert.Contains(t, string(msg.ResponseBody), `return "PROXY 127.0.0.1:3128; DIRECT";`)
	})

	t.Run("ca", func(t *testing.T) {
		msg := serveLocal(t, pages, http.MethodGet, "http://interzept.local/ca.pem")
		assert.Equal(t, http.StatusOK, msg.Response.StatusCode)
		assert.Equal(t, issuer.CACertificatePEM(), msg.ResponseBody)
	})

	t.Run("not found", func(t *testing.T) {
		msg := serveLocal(t, pages, http.MethodGet, "http://interzept.local/missing")
		assert.Equal(t, http.StatusNotFound, msg.Response.StatusCode)
	})

	t.Run("method not allowed", func(t *testing.T) {
		msg := serveLocal(t, pages, http.MethodPost, "http://interzept.local/")
		assert.Equal(t, http.StatusMethodNotAllowed, msg.Response.StatusCode)
		assert.Equal(t, "GET, HEAD", msg.Response.Header.Get("Allow"))
	})
}

func TestLocalPagesWithoutInterception(t *testing.T) {
	sc := NewServerConfig(config.LocalServerConfig{Address: "127.0.0.1", Port: 3128}, nil, nil)
	pages := NewLocalPages(sc, nil)

	msg := serveLocal(t, pages, http.MethodGet, "http://127.0.0.1:3128/ca.pem")
	assert.Equal(t, http.StatusNotFound, msg.Response.StatusCode)

	msg = serveLocal(t, pages, http.MethodGet, "http://127.0.0.1:3128/")
	assert.NotContains(t, string(msg.ResponseBody), "/ca.pem")
}

package proxy

import (
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/codefionn/interzept/interzept-srv/message"
	"github.com/codefionn/interzept/interzept-srv/pipeline"
)

// LocalPages answers requests addressed to the proxy itself: an info page,
// a proxy auto-config file and the interception CA certificate.
type LocalPages struct {
	self   *ServerConfig
	issuer *CertificateIssuer
}

// NewLocalPages creates the local responder of a server. issuer may be nil.
func NewLocalPages(self *ServerConfig, issuer *CertificateIssuer) *LocalPages {
	return &LocalPages{self: self, issuer: issuer}
}

func (p *LocalPages) ServeLocal(ctx *pipeline.Context, msg *message.Message) {
	if msg.Request.Method != http.MethodGet && msg.Request.Method != http.MethodHead {
		p.text(msg, http.StatusMethodNotAllowed, "method not allowed\n")
		msg.Response.Header.Set("Allow", "GET, HEAD")
		return
	}

	path := "/"
	if msg.Request.URI != nil && msg.Request.URI.Path != "" {
		path = msg.Request.URI.Path
	}
	ctx.Channel().Log().Debug("Serving local page %s", path)

	switch path {
	case "/":
		p.info(msg)
	case "/proxy.pac":
		pac := fmt.Sprintf("function FindProxyForURL(url, host) {\n  return \"PROXY %s; DIRECT\";\n}\n",
			p.self.ProxyAddress(msg.Request.Header.Get("Host")))
		msg.SetResponse(http.StatusOK, message.NewHeader(
			message.Field{Name: "Content-Type", Value: "application/x-ns-proxy-autoconfig"},
		), []byte(pac))
	case "/ca.pem":
		if p.issuer == nil {
			p.text(msg, http.StatusNotFound, "interception is disabled\n")
			return
		}
		msg.SetResponse(http.StatusOK, message.NewHeader(
			message.Field{Name: "Content-Type", Value: "application/x-pem-file"},
			message.Field{Name: "Content-Disposition", Value: `attachment; filename="interzept-ca.pem"`},
		), p.issuer.CACertificatePEM())
	default:
		p.text(msg, http.StatusNotFound, "not found\n")
	}
}

func (p *LocalPages) info(msg *message.Message) {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><title>interzept</title></head><body>\n")
	b.WriteString("<h1>interzept</h1>\n")
	fmt.Fprintf(&b, "<p>Proxy address: <code>%s</code></p>\n",
		html.EscapeString(p.self.ProxyAddress(msg.Request.Header.Get("Host"))))
	b.WriteString("<ul>\n<li><a href=\"/proxy.pac\">Proxy auto-config</a></li>\n")
	if p.issuer != nil {
		b.WriteString("<li><a href=\"/ca.pem\">CA certificate</a></li>\n")
	}
	b.WriteString("</ul>\n</body></html>\n")

	msg.SetResponse(http.StatusOK, message.NewHeader(
		message.Field{Name: "Content-Type", Value: "text/html; charset=utf-8"},
	), []byte(b.String()))
}

func (p *LocalPages) text(msg *message.Message, status int, body string) {
	msg.SetResponse(status, message.NewHeader(
		message.Field{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
	), []byte(body))
}

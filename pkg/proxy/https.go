package proxy

import (
	"crypto/tls"
	"net/http"

	"github.com/elazarl/goproxy"
	"github.com/go-puzzles/puzzles/plog"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/fetch"
)

type ForwardOptions struct {
	// CA enables MITM for CONNECT requests so HTTPS responses get rewritten
	// too. Without it CONNECT tunnels pass through untouched.
	CA        *tls.Certificate
	Transport *http.Transport
	Metrics   *Metrics
	Verbose   bool
}

type plogLogger struct{}

func (plogLogger) Printf(format string, v ...any) {
	plog.Infof(format, v...)
}

// NewForwardProxy builds an explicit forward proxy that applies the same
// bypass rules and header rewrite as Transport.
func NewForwardProxy(opts ForwardOptions) *goproxy.ProxyHttpServer {
	proxy := goproxy.NewProxyHttpServer()
	proxy.Verbose = opts.Verbose
	proxy.Logger = plogLogger{}
	if opts.Transport != nil {
		proxy.Tr = opts.Transport
	}

	if opts.CA != nil {
		mitm := &goproxy.ConnectAction{
			Action:    goproxy.ConnectMitm,
			TLSConfig: goproxy.TLSConfigFromCA(opts.CA),
		}
		proxy.OnRequest().HandleConnectFunc(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			return mitm, host
		})
	}

	metrics := opts.Metrics
	proxy.OnResponse().DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		if resp == nil {
			metrics.fetchFailed()
			if ctx.Error != nil {
				plog.Warnf("Fetch %s failed: %v", ctx.Req.URL.String(), ctx.Error)
			}
			return resp
		}

		decision := Decide(fetch.FromHTTP(ctx.Req))
		metrics.observe(decision)
		if decision != DecisionRewrite {
			return resp
		}
		return Rewrite(resp)
	})

	return proxy
}

package proxy

import (
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

// ProxyHandler puts the interception proxy in front of an origin that
// cannot set its own response headers.
type ProxyHandler struct {
	origin    *url.URL
	transport http.RoundTripper
}

func NewProxyHandler(origin string, base http.RoundTripper, metrics *Metrics) (*ProxyHandler, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, errors.Wrapf(err, "parse origin %s", origin)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("origin %s: unsupported scheme %q", origin, u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.Errorf("origin %s: missing host", origin)
	}

	return &ProxyHandler{
		origin:    u,
		transport: &Transport{Base: base, Metrics: metrics},
	}, nil
}

func (p *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		http.Error(w, "CONNECT is not supported in reverse mode", http.StatusMethodNotAllowed)
		return
	}

	p.forwardRequest(w, r)
}

package proxy

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-puzzles/puzzles/plog"
)

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, key := range hopHeaders {
		h.Del(key)
	}
}

func joinPath(base, path string) string {
	switch {
	case base == "" || base == "/":
		return path
	case strings.HasSuffix(base, "/") && strings.HasPrefix(path, "/"):
		return base + path[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(path, "/"):
		return base + "/" + path
	}
	return base + path
}

func (p *ProxyHandler) forwardRequest(w http.ResponseWriter, r *http.Request) {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.URL.Scheme = p.origin.Scheme
	out.URL.Host = p.origin.Host
	// both forms, so escapes such as %2F reach the origin as sent
	out.URL.Path = joinPath(p.origin.Path, r.URL.Path)
	out.URL.RawPath = joinPath(p.origin.EscapedPath(), r.URL.EscapedPath())
	out.Host = p.origin.Host
	removeHopHeaders(out.Header)

	resp, err := p.transport.RoundTrip(out)
	if err != nil {
		plog.Errorf("Forward %s %s failed: %v", r.Method, out.URL.String(), err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	plog.Debugf("Forwarded %s %s -> %d", r.Method, out.URL.String(), resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		plog.Errorf("Error copying response body: %v", err)
	}
}

package proxy

import (
	"net/http"

	"github.com/superwhys/haowen/golang/coi-proxy/pkg/fetch"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/isolation"
)

// Decision is what the proxy does with one intercepted request.
type Decision int

const (
	DecisionRewrite Decision = iota
	// DecisionBypassCacheOnly leaves cross-origin only-if-cached fetches to
	// the default handling; answering them would break their cache semantics.
	DecisionBypassCacheOnly
	// DecisionBypassExtension leaves extension resources alone.
	DecisionBypassExtension
)

func (d Decision) String() string {
	switch d {
	case DecisionRewrite:
		return "rewrite"
	case DecisionBypassCacheOnly:
		return "bypass_cache_only"
	case DecisionBypassExtension:
		return "bypass_extension"
	default:
		return "unknown"
	}
}

const extensionScheme = "chrome-extension"

// Decide checks both bypass conditions before any rewriting happens.
func Decide(req fetch.Request) Decision {
	if req.Cache == fetch.CacheOnlyIfCached && req.Mode != fetch.ModeSameOrigin {
		return DecisionBypassCacheOnly
	}
	if req.Scheme() == extensionScheme {
		return DecisionBypassExtension
	}
	return DecisionRewrite
}

// Rewrite derives a response from resp that carries the isolation headers.
// Status, body stream and every other field are shared with resp; only the
// header map is cloned, so resp itself is left unmodified.
func Rewrite(resp *http.Response) *http.Response {
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	isolation.Apply(header)

	return &http.Response{
		Status:           resp.Status,
		StatusCode:       resp.StatusCode,
		Proto:            resp.Proto,
		ProtoMajor:       resp.ProtoMajor,
		ProtoMinor:       resp.ProtoMinor,
		Header:           header,
		Body:             resp.Body,
		ContentLength:    resp.ContentLength,
		TransferEncoding: resp.TransferEncoding,
		Close:            resp.Close,
		Uncompressed:     resp.Uncompressed,
		Trailer:          resp.Trailer,
		Request:          resp.Request,
		TLS:              resp.TLS,
	}
}

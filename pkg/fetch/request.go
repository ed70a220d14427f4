// Package fetch describes intercepted requests the way a browser sees them:
// a target address, a method, a cache mode and a request mode.
package fetch

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

type CacheMode string

const (
	CacheDefault      CacheMode = "default"
	CacheNoStore      CacheMode = "no-store"
	CacheReload       CacheMode = "reload"
	CacheNoCache      CacheMode = "no-cache"
	CacheForceCache   CacheMode = "force-cache"
	CacheOnlyIfCached CacheMode = "only-if-cached"
)

type RequestMode string

const (
	ModeNavigate   RequestMode = "navigate"
	ModeSameOrigin RequestMode = "same-origin"
	ModeNoCORS     RequestMode = "no-cors"
	ModeCORS       RequestMode = "cors"
	ModeWebSocket  RequestMode = "websocket"
)

// HeaderFetchMode carries the request mode on the wire.
const HeaderFetchMode = "Sec-Fetch-Mode"

// Request is an immutable description of an outgoing network call.
type Request struct {
	URL    *url.URL
	Method string
	Cache  CacheMode
	Mode   RequestMode
}

// NewRequest parses rawURL into a GET request with default cache mode.
func NewRequest(rawURL string, mode RequestMode) (Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Request{}, errors.Wrapf(err, "parse request url %q", rawURL)
	}
	return Request{URL: u, Method: http.MethodGet, Cache: CacheDefault, Mode: mode}, nil
}

// Scheme returns the lower-cased URL scheme without the trailing colon.
func (r Request) Scheme() string {
	if r.URL == nil {
		return ""
	}
	return strings.ToLower(r.URL.Scheme)
}

// FromHTTP derives the request description from an incoming HTTP request.
// A missing Sec-Fetch-Mode is treated as no-cors, the mode of plain
// subresource loads.
func FromHTTP(r *http.Request) Request {
	u := *r.URL
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	if u.Host == "" {
		u.Host = r.Host
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	mode := ModeNoCORS
	switch m := RequestMode(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderFetchMode)))); m {
	case ModeNavigate, ModeSameOrigin, ModeNoCORS, ModeCORS, ModeWebSocket:
		mode = m
	}

	return Request{
		URL:    &u,
		Method: method,
		Cache:  cacheModeFromHeader(r.Header),
		Mode:   mode,
	}
}

func cacheModeFromHeader(h http.Header) CacheMode {
	directives := map[string]bool{}
	for _, v := range h.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			directives[strings.ToLower(strings.TrimSpace(d))] = true
		}
	}

	switch {
	case directives["only-if-cached"]:
		return CacheOnlyIfCached
	case directives["no-store"]:
		return CacheNoStore
	case directives["no-cache"], strings.EqualFold(h.Get("Pragma"), "no-cache"):
		return CacheReload
	case directives["max-age=0"]:
		return CacheNoCache
	case directives["max-stale"]:
		return CacheForceCache
	}
	return CacheDefault
}

// Header encodes the mode and cache mode as request headers.
func (r Request) Header() http.Header {
	h := http.Header{}
	if r.Mode != "" {
		h.Set(HeaderFetchMode, string(r.Mode))
	}
	switch r.Cache {
	case CacheOnlyIfCached:
		h.Set("Cache-Control", "only-if-cached")
	case CacheNoStore:
		h.Set("Cache-Control", "no-store")
	case CacheReload:
		h.Set("Cache-Control", "no-cache")
		h.Set("Pragma", "no-cache")
	case CacheNoCache:
		h.Set("Cache-Control", "max-age=0")
	case CacheForceCache:
		h.Set("Cache-Control", "max-stale")
	}
	return h
}

// HTTP builds an outgoing *http.Request carrying the description.
func (r Request) HTTP(ctx context.Context) (*http.Request, error) {
	if r.URL == nil {
		return nil, errors.New("request without url")
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build http request")
	}
	req.Header = r.Header()
	return req, nil
}

// SameOrigin reports whether both URLs share scheme, host and port.
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

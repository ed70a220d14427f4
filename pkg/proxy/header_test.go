package proxy

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/fetch"
)

func mustRequest(t *testing.T, rawURL string, mode fetch.RequestMode, cache fetch.CacheMode) fetch.Request {
	t.Helper()
	req, err := fetch.NewRequest(rawURL, mode)
	if err != nil {
		t.Fatal(err)
	}
	req.Cache = cache
	return req
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		req  fetch.Request
		want Decision
	}{
		{"same-origin default", mustRequest(t, "https://example.com/", fetch.ModeSameOrigin, fetch.CacheDefault), DecisionRewrite},
		{"navigate", mustRequest(t, "https://example.com/", fetch.ModeNavigate, fetch.CacheDefault), DecisionRewrite},
		{"only-if-cached cors", mustRequest(t, "https://cdn.example.net/lib.js", fetch.ModeCORS, fetch.CacheOnlyIfCached), DecisionBypassCacheOnly},
		{"only-if-cached no-cors", mustRequest(t, "https://cdn.example.net/lib.js", fetch.ModeNoCORS, fetch.CacheOnlyIfCached), DecisionBypassCacheOnly},
		{"only-if-cached same-origin", mustRequest(t, "https://example.com/lib.js", fetch.ModeSameOrigin, fetch.CacheOnlyIfCached), DecisionRewrite},
		{"force-cache cors", mustRequest(t, "https://cdn.example.net/lib.js", fetch.ModeCORS, fetch.CacheForceCache), DecisionRewrite},
		{"extension", mustRequest(t, "chrome-extension://abcdef/inject.js", fetch.ModeNoCORS, fetch.CacheDefault), DecisionBypassExtension},
		{"extension upper", mustRequest(t, "Chrome-Extension://abcdef/inject.js", fetch.ModeNoCORS, fetch.CacheDefault), DecisionBypassExtension},
		{"moz extension", mustRequest(t, "moz-extension://abcdef/inject.js", fetch.ModeNoCORS, fetch.CacheDefault), DecisionRewrite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.req))
		})
	}
}

func TestRewrite(t *testing.T) {
	body := io.NopCloser(strings.NewReader("payload"))
	orig := &http.Response{
		Status:        "418 I'm a teapot",
		StatusCode:    http.StatusTeapot,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"application/wasm"}, "X-Multi": {"a", "b"}},
		Body:          body,
		ContentLength: 7,
	}

	got := Rewrite(orig)

	assert.Equal(t, orig.Status, got.Status)
	assert.Equal(t, orig.StatusCode, got.StatusCode)
	assert.Equal(t, int64(7), got.ContentLength)
	assert.Equal(t, body, got.Body)
	assert.Equal(t, "same-origin", got.Header.Get("Cross-Origin-Opener-Policy"))
	assert.Equal(t, "require-corp", got.Header.Get("Cross-Origin-Embedder-Policy"))
	assert.Equal(t, "application/wasm", got.Header.Get("Content-Type"))
	assert.Equal(t, []string{"a", "b"}, got.Header.Values("X-Multi"))

	assert.Empty(t, orig.Header.Get("Cross-Origin-Opener-Policy"))
	assert.Len(t, orig.Header, 2)
}

func TestRewriteOverrides(t *testing.T) {
	orig := &http.Response{
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Cross-Origin-Opener-Policy":   {"unsafe-none"},
			"Cross-Origin-Embedder-Policy": {"credentialless", "unsafe-none"},
		},
		Body: http.NoBody,
	}

	got := Rewrite(orig)
	assert.Equal(t, []string{"same-origin"}, got.Header.Values("Cross-Origin-Opener-Policy"))
	assert.Equal(t, []string{"require-corp"}, got.Header.Values("Cross-Origin-Embedder-Policy"))
}

func TestRewriteNilHeader(t *testing.T) {
	got := Rewrite(&http.Response{StatusCode: http.StatusNoContent, Body: http.NoBody})
	assert.Len(t, got.Header, 2)
}

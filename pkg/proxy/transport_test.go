package proxy

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/fetch"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func rawNetwork(header http.Header) roundTripFunc {
	return func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			Status:     "200 OK",
			StatusCode: http.StatusOK,
			Header:     header.Clone(),
			Body:       io.NopCloser(strings.NewReader("body")),
			Request:    req,
		}, nil
	}
}

func newRequest(t *testing.T, rawURL string, mode fetch.RequestMode, cache fetch.CacheMode) *http.Request {
	t.Helper()
	req, err := mustRequest(t, rawURL, mode, cache).HTTP(t.Context())
	require.NoError(t, err)
	return req
}

func TestTransportInjectsHeaders(t *testing.T) {
	raw := http.Header{"Content-Type": {"text/html"}, "Etag": {`"v1"`}, "Set-Cookie": {"a=1", "b=2"}}
	tr := &Transport{Base: rawNetwork(raw)}

	resp, err := tr.RoundTrip(newRequest(t, "https://example.com/index.html", fetch.ModeSameOrigin, fetch.CacheDefault))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "same-origin", resp.Header.Get("Cross-Origin-Opener-Policy"))
	assert.Equal(t, "require-corp", resp.Header.Get("Cross-Origin-Embedder-Policy"))
	for key, values := range raw {
		assert.Equal(t, values, resp.Header.Values(key), key)
	}
	assert.Len(t, resp.Header, len(raw)+2)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "body", string(body))
}

func TestTransportBypassCacheOnly(t *testing.T) {
	raw := http.Header{"Content-Type": {"text/javascript"}}
	tr := &Transport{Base: rawNetwork(raw)}

	resp, err := tr.RoundTrip(newRequest(t, "https://cdn.example.net/lib.js", fetch.ModeCORS, fetch.CacheOnlyIfCached))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, raw, resp.Header)
}

func TestTransportBypassExtension(t *testing.T) {
	raw := http.Header{"Content-Type": {"text/javascript"}}
	tr := &Transport{Base: rawNetwork(raw)}

	resp, err := tr.RoundTrip(newRequest(t, "chrome-extension://abcdef/inject.js", fetch.ModeNoCORS, fetch.CacheDefault))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, raw, resp.Header)
}

func TestTransportPropagatesErrors(t *testing.T) {
	netErr := errors.New("connection refused")
	tr := &Transport{Base: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, netErr
	})}

	resp, err := tr.RoundTrip(newRequest(t, "https://example.com/", fetch.ModeSameOrigin, fetch.CacheDefault))
	assert.Nil(t, resp)
	assert.Same(t, netErr, err)
}

func TestTransportStreamsBody(t *testing.T) {
	pr, pw := io.Pipe()
	tr := &Transport{Base: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: pr, Request: req}, nil
	})}

	resp, err := tr.RoundTrip(newRequest(t, "https://example.com/stream", fetch.ModeSameOrigin, fetch.CacheDefault))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "same-origin", resp.Header.Get("Cross-Origin-Opener-Policy"))

	go func() {
		_, _ = pw.Write([]byte("chunk"))
		_ = pw.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "chunk", string(body))
}

func TestTransportAgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Mode", r.Header.Get("Sec-Fetch-Mode"))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	client := &http.Client{Transport: &Transport{Metrics: metrics}}

	reqs := make([]*http.Request, 8)
	for i := range reqs {
		reqs[i] = newRequest(t, srv.URL+"/", fetch.ModeSameOrigin, fetch.CacheDefault)
	}

	var wg sync.WaitGroup
	for _, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Do(req)
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Body.Close()
			assert.Equal(t, http.StatusAccepted, resp.StatusCode)
			assert.Equal(t, "same-origin", resp.Header.Get("X-Mode"))
			assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
			assert.Equal(t, "require-corp", resp.Header.Get("Cross-Origin-Embedder-Policy"))
		}()
	}
	wg.Wait()

	resp, err := client.Do(newRequest(t, srv.URL+"/", fetch.ModeCORS, fetch.CacheOnlyIfCached))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Cross-Origin-Embedder-Policy"))

	assert.Equal(t, float64(8), testutil.ToFloat64(metrics.Responses.WithLabelValues("rewrite")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Responses.WithLabelValues("bypass_cache_only")))
}

func TestTransportCountsErrors(t *testing.T) {
	metrics := NewMetrics(nil)
	tr := &Transport{Metrics: metrics, Base: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dns failure")
	})}

	_, err := tr.RoundTrip(newRequest(t, "https://example.com/", fetch.ModeSameOrigin, fetch.CacheDefault))
	assert.Error(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FetchErrors))
}

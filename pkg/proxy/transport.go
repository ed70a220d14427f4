package proxy

import (
	"net/http"

	"github.com/superwhys/haowen/golang/coi-proxy/pkg/fetch"
)

// Transport is the fetch handler of the interception proxy as an
// http.RoundTripper. Each call is independent of every other.
type Transport struct {
	Base    http.RoundTripper
	Metrics *Metrics
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip fetches req and, unless it is bypassed, returns a copy of the
// response carrying the isolation headers. Network errors are returned
// unchanged.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	decision := Decide(fetch.FromHTTP(req))

	resp, err := t.base().RoundTrip(req)
	if err != nil {
		t.Metrics.fetchFailed()
		return nil, err
	}

	t.Metrics.observe(decision)
	if decision != DecisionRewrite {
		return resp, nil
	}
	return Rewrite(resp), nil
}

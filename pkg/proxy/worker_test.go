package proxy

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingClaimer struct {
	claimed []*Worker
}

func (c *countingClaimer) Claim(w *Worker) int {
	c.claimed = append(c.claimed, w)
	return 3
}

func drain(ch <-chan State) []State {
	var states []State
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return states
			}
			states = append(states, s)
		default:
			return states
		}
	}
}

func TestWorkerLifecycle(t *testing.T) {
	w := NewWorker("./coi-serviceworker.js", nil, nil)
	assert.Equal(t, StateParsed, w.State())

	states, stop := w.Subscribe()
	defer stop()

	ctx := context.Background()
	require.NoError(t, w.Install(ctx))
	assert.True(t, w.SkipWaiting())
	assert.Equal(t, StateInstalled, w.State())

	claimer := &countingClaimer{}
	require.NoError(t, w.Activate(ctx, claimer))
	assert.Equal(t, StateActivated, w.State())
	assert.Equal(t, []*Worker{w}, claimer.claimed)

	w.Redundant()
	assert.Equal(t, StateRedundant, w.State())

	assert.Equal(t, []State{StateInstalling, StateInstalled, StateActivating, StateActivated, StateRedundant}, drain(states))
}

func TestWorkerInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	w := NewWorker("./coi-serviceworker.js", nil, nil)

	assert.Error(t, w.Activate(ctx, nil))
	require.NoError(t, w.Install(ctx))
	assert.Error(t, w.Install(ctx))

	w.Redundant()
	w.Redundant()
	assert.Equal(t, StateRedundant, w.State())
	assert.Error(t, w.Activate(ctx, nil))
}

func TestWorkerInstallCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWorker("./coi-serviceworker.js", nil, nil)
	states, stop := w.Subscribe()
	defer stop()

	assert.ErrorIs(t, w.Install(ctx), context.Canceled)
	assert.Equal(t, StateRedundant, w.State())
	assert.Equal(t, []State{StateInstalling, StateRedundant}, drain(states))
}

func TestWorkerUnsubscribe(t *testing.T) {
	w := NewWorker("./coi-serviceworker.js", nil, nil)
	states, stop := w.Subscribe()
	stop()
	stop()

	require.NoError(t, w.Install(context.Background()))
	_, ok := <-states
	assert.False(t, ok)
}

func TestWorkerFetch(t *testing.T) {
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"text/html"}},
			Body:       io.NopCloser(strings.NewReader("<html></html>")),
			Request:    req,
		}, nil
	})
	w := NewWorker("./coi-serviceworker.js", base, nil)

	req, err := http.NewRequest(http.MethodGet, "https://example.com/", nil)
	require.NoError(t, err)

	_, err = w.Fetch(req)
	assert.ErrorIs(t, err, ErrNotActive)

	ctx := context.Background()
	require.NoError(t, w.Install(ctx))
	require.NoError(t, w.Activate(ctx, nil))

	resp, err := w.Fetch(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "require-corp", resp.Header.Get("Cross-Origin-Embedder-Policy"))

	w.Redundant()
	_, err = w.Fetch(req)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestStateSettled(t *testing.T) {
	for _, s := range []State{StateParsed, StateInstalling, StateInstalled, StateActivating} {
		assert.False(t, s.Settled(), s.String())
	}
	assert.True(t, StateActivated.Settled())
	assert.True(t, StateRedundant.Settled())
	assert.Equal(t, "unknown", State(42).String())
}

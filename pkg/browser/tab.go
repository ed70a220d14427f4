package browser

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-puzzles/puzzles/plog"
	"github.com/pkg/errors"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/fetch"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/isolation"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/proxy"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/session"
)

// ErrReloadLoop is returned when a navigation keeps reloading past the
// browser's load limit.
var ErrReloadLoop = errors.New("page kept reloading")

// Load describes one document load of a navigation.
type Load struct {
	URL    string
	Status int
	// Controlled is set when the document came through the interception
	// proxy.
	Controlled bool
	Isolated   bool
	// Script is what the page script reported when it ended.
	Script string
}

type Tab struct {
	ID string

	browser *Browser
	storage *session.Memory

	mu         sync.Mutex
	origin     string
	controller *proxy.Worker
	reloads    int
}

// Storage is the tab's session storage.
func (t *Tab) Storage() *session.Memory {
	return t.storage
}

// Controller returns the worker controlling the current document, if any.
func (t *Tab) Controller() *proxy.Worker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.controller
}

// Reloads counts the page-initiated reloads of the tab.
func (t *Tab) Reloads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reloads
}

// Close ends the tab and its session.
func (t *Tab) Close() {
	t.browser.closeTab(t)
}

func (t *Tab) claim(origin string, w *proxy.Worker) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.origin != origin {
		return false
	}
	t.controller = w
	return true
}

// Navigate loads rawURL and follows every reload the page asks for, up to
// the browser's load limit. It returns once the page script of the last
// load has ended; a script still waiting when ctx is done yields the loads
// so far and ctx's error.
func (t *Tab) Navigate(ctx context.Context, rawURL string) ([]Load, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse url %q", rawURL)
	}
	if !u.IsAbs() {
		return nil, errors.Errorf("url %q is not absolute", rawURL)
	}

	var loads []Load
	for i := 0; i < t.browser.maxLoads; i++ {
		load, reloaded, err := t.load(ctx, u)
		if load != nil {
			loads = append(loads, *load)
		}
		if err != nil {
			return loads, err
		}
		if !reloaded {
			return loads, nil
		}

		t.mu.Lock()
		t.reloads++
		t.mu.Unlock()
		plog.Debugf("%s reloading %s", t.ID, u)
	}
	return loads, errors.Wrapf(ErrReloadLoop, "%s after %d loads", u, len(loads))
}

func (t *Tab) load(ctx context.Context, u *url.URL) (*Load, bool, error) {
	resp, controlled, err := t.fetchDocument(ctx, u)
	if err != nil {
		return nil, false, errors.Wrapf(err, "load %s", u)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	load := &Load{
		URL:        u.String(),
		Status:     resp.StatusCode,
		Controlled: controlled,
		Isolated:   !t.browser.ignoreIsolation && isolation.Enabled(resp.Header),
	}

	pageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := &page{isolated: load.Isolated, reload: make(chan struct{})}
	env := t.browser.env(p, u, t.storage)

	done := make(chan string, 1)
	go func() {
		done <- t.browser.script(pageCtx, env)
	}()

	select {
	case load.Script = <-done:
		return load, p.reloaded(), nil
	case <-p.reload:
		cancel()
		load.Script = <-done
		return load, true, nil
	case <-ctx.Done():
		cancel()
		load.Script = <-done
		return load, false, ctx.Err()
	}
}

// fetchDocument loads u through the origin's active worker when there is
// one, else straight from the network.
func (t *Tab) fetchDocument(ctx context.Context, u *url.URL) (*http.Response, bool, error) {
	req, err := fetch.Request{URL: u, Method: http.MethodGet, Cache: fetch.CacheDefault, Mode: fetch.ModeNavigate}.HTTP(ctx)
	if err != nil {
		return nil, false, err
	}

	w := t.controllerFor(u)
	if w != nil {
		resp, err := w.Fetch(req)
		if !errors.Is(err, proxy.ErrNotActive) {
			return resp, err == nil, err
		}
		plog.Debugf("%s controller %s went away, using network", t.ID, w.ScriptURL)
	}

	resp, err := t.browser.transport.RoundTrip(req)
	return resp, false, err
}

func (t *Tab) controllerFor(u *url.URL) *proxy.Worker {
	origin := originOf(u)

	var w *proxy.Worker
	if t.browser.workers {
		if active := t.browser.container(u).Active(); active != nil && active.State() == proxy.StateActivated {
			w = active
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.origin = origin
	t.controller = w
	return w
}

// page is the document of one load as the page script sees it.
type page struct {
	isolated bool

	once   sync.Once
	reload chan struct{}
}

func (p *page) CrossOriginIsolated() bool {
	return p.isolated
}

func (p *page) Reload() {
	p.once.Do(func() { close(p.reload) })
}

func (p *page) reloaded() bool {
	select {
	case <-p.reload:
		return true
	default:
		return false
	}
}

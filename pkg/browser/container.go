package browser

import (
	"context"
	"crypto/sha256"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-puzzles/puzzles/plog"
	"github.com/pkg/errors"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/coordinator"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/fetch"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/proxy"
)

// updateBuffer bounds the update-found events queued for one handle.
const updateBuffer = 4

// Container is the proxy registry of one origin.
type Container struct {
	browser *Browser
	origin  string

	mu         sync.Mutex
	scriptURL  string
	scriptSum  [sha256.Size]byte
	installing *proxy.Worker
	active     *proxy.Worker
	handles    map[*handle]struct{}
	failure    error
}

func newContainer(b *Browser, origin string) *Container {
	return &Container{
		browser: b,
		origin:  origin,
		handles: make(map[*handle]struct{}),
	}
}

// FailRegistration makes every later registration fail with err. A nil
// err restores normal registration.
func (c *Container) FailRegistration(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failure = err
}

// Active returns the worker controlling the origin, if any.
func (c *Container) Active() *proxy.Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Installing returns the worker currently being installed, if any.
func (c *Container) Installing() *proxy.Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installing
}

// register fetches the script and starts an update when the script URL or
// its content changed since the last registration.
func (c *Container) register(ctx context.Context, scriptURL *url.URL) (*handle, error) {
	c.mu.Lock()
	failure := c.failure
	c.mu.Unlock()
	if failure != nil {
		return nil, errors.Wrapf(failure, "register %s", scriptURL)
	}

	sum, err := c.fetchScript(ctx, scriptURL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	h := &handle{container: c, updates: make(chan coordinator.Worker, updateBuffer)}
	c.handles[h] = struct{}{}

	current := c.installing
	if current == nil {
		current = c.active
	}
	if current != nil && c.scriptURL == scriptURL.String() && c.scriptSum == sum {
		return h, nil
	}

	c.scriptURL = scriptURL.String()
	c.scriptSum = sum
	w := proxy.NewWorker(c.scriptURL, c.browser.transport, c.browser.metrics)
	if c.installing != nil {
		c.installing.Redundant()
	}
	c.installing = w
	go c.update(w)

	return h, nil
}

func (c *Container) fetchScript(ctx context.Context, scriptURL *url.URL) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte

	req, err := fetch.Request{URL: scriptURL, Method: http.MethodGet, Cache: fetch.CacheNoCache, Mode: fetch.ModeSameOrigin}.HTTP(ctx)
	if err != nil {
		return sum, err
	}
	resp, err := c.browser.transport.RoundTrip(req)
	if err != nil {
		return sum, errors.Wrapf(err, "fetch script %s", scriptURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return sum, errors.Errorf("fetch script %s: bad HTTP response code (%d)", scriptURL, resp.StatusCode)
	}

	hash := sha256.New()
	if _, err := io.Copy(hash, resp.Body); err != nil {
		return sum, errors.Wrapf(err, "read script %s", scriptURL)
	}
	copy(sum[:], hash.Sum(nil))
	return sum, nil
}

// update drives w through install and activate. Install always skips
// waiting, so an installed worker goes straight on to activate. It runs
// independently of the page that registered it.
func (c *Container) update(w *proxy.Worker) {
	c.broadcast(w)

	ctx := c.browser.ctx
	if err := w.Install(ctx); err != nil {
		plog.Warnf("Install %s failed: %v", w.ScriptURL, err)
		c.abandon(w)
		return
	}
	c.mu.Lock()
	if c.installing != w {
		c.mu.Unlock()
		w.Redundant()
		return
	}
	previous := c.active
	c.active = w
	c.installing = nil
	c.mu.Unlock()

	if previous != nil {
		previous.Redundant()
	}
	if err := w.Activate(ctx, c); err != nil {
		plog.Warnf("Activate %s failed: %v", w.ScriptURL, err)
		c.abandon(w)
		return
	}
	plog.Infof("Worker %s activated for %s", w.ScriptURL, c.origin)
}

func (c *Container) abandon(w *proxy.Worker) {
	w.Redundant()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.installing == w {
		c.installing = nil
	}
	if c.active == w {
		c.active = nil
	}
}

func (c *Container) broadcast(w *proxy.Worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for h := range c.handles {
		select {
		case h.updates <- w:
		default:
			plog.Warnf("Dropped update-found event for %s", c.origin)
		}
	}
}

// Claim hands every open tab of the origin to w.
func (c *Container) Claim(w *proxy.Worker) int {
	return c.browser.claim(c.origin, w)
}

func (c *Container) release(h *handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handles[h]; !ok {
		return
	}
	delete(c.handles, h)
	close(h.updates)
}

type handle struct {
	container *Container
	updates   chan coordinator.Worker
}

func (h *handle) UpdateFound() <-chan coordinator.Worker {
	return h.updates
}

func (h *handle) Release() {
	h.container.release(h)
}

// scope binds a container to the page that registers, so relative script
// URLs resolve against the document URL.
type scope struct {
	container *Container
	base      *url.URL
}

func (s scope) Register(ctx context.Context, scriptURL string) (coordinator.Registration, error) {
	ref, err := url.Parse(scriptURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse script url %q", scriptURL)
	}
	abs := s.base.ResolveReference(ref)
	if !fetch.SameOrigin(abs, s.base) {
		return nil, errors.Errorf("script %s is not same-origin with %s", abs, s.base)
	}
	return s.container.register(ctx, abs)
}

// Package browser is an in-process browser model that hosts the
// interception proxy and runs the coordinator in page loads. It exists to
// exercise the whole install-and-reload flow without a real browser.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/superwhys/haowen/golang/coi-proxy/pkg/coordinator"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/proxy"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/session"
)

// PageScript runs once per page load with the environment of that load and
// returns a short description of how it ended.
type PageScript func(ctx context.Context, env coordinator.Env) string

// CoordinatorScript is the Go coordinator as a page script.
func CoordinatorScript(ctx context.Context, env coordinator.Env) string {
	return coordinator.RunEnv(ctx, env).String()
}

const DefaultMaxLoads = 5

type Options struct {
	// Transport is the network. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	// NoWorkers simulates a browser without interception proxy support.
	NoWorkers bool
	// IgnoreIsolation simulates a browser that never honours the isolation
	// headers, so pages stay non-isolated after the proxy takes over.
	IgnoreIsolation bool
	Sessions        *session.Sessions
	Metrics         *proxy.Metrics
	Script          PageScript
	// MaxLoads caps how many loads one navigation follows through reloads.
	MaxLoads int
}

type Browser struct {
	transport       http.RoundTripper
	workers         bool
	ignoreIsolation bool
	sessions        *session.Sessions
	metrics         *proxy.Metrics
	script          PageScript
	maxLoads        int

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	containers map[string]*Container
	tabs       map[string]*Tab
	nextTab    int
}

func New(opts Options) *Browser {
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewSessions(0, 0)
	}
	if opts.Script == nil {
		opts.Script = CoordinatorScript
	}
	if opts.MaxLoads <= 0 {
		opts.MaxLoads = DefaultMaxLoads
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Browser{
		transport:       opts.Transport,
		workers:         !opts.NoWorkers,
		ignoreIsolation: opts.IgnoreIsolation,
		sessions:        opts.Sessions,
		metrics:         opts.Metrics,
		script:          opts.Script,
		maxLoads:        opts.MaxLoads,
		ctx:             ctx,
		cancel:          cancel,
		containers:      make(map[string]*Container),
		tabs:            make(map[string]*Tab),
	}
}

// Close stops pending installs and ends every tab session.
func (b *Browser) Close() {
	b.cancel()
	b.sessions.Purge()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.tabs = make(map[string]*Tab)
}

// NewTab opens an empty tab with a fresh session.
func (b *Browser) NewTab() *Tab {
	b.mu.Lock()
	b.nextTab++
	id := fmt.Sprintf("tab-%d", b.nextTab)
	b.mu.Unlock()

	t := &Tab{
		ID:      id,
		browser: b,
		storage: b.sessions.Open(id),
	}

	b.mu.Lock()
	b.tabs[id] = t
	b.mu.Unlock()
	return t
}

func (b *Browser) closeTab(t *Tab) {
	b.sessions.Close(t.ID)

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tabs, t.ID)
}

// Container returns the proxy registry of the origin of rawURL.
func (b *Browser) Container(rawURL string) (*Container, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return b.container(u), nil
}

func originOf(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

func (b *Browser) container(u *url.URL) *Container {
	origin := originOf(u)

	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.containers[origin]
	if !ok {
		c = newContainer(b, origin)
		b.containers[origin] = c
	}
	return c
}

// env builds what a page load of u can reach. The Container stays nil
// when workers are unsupported.
func (b *Browser) env(p *page, u *url.URL, storage session.Store) coordinator.Env {
	env := coordinator.Env{Page: p, Storage: storage}
	if b.workers {
		env.Container = scope{container: b.container(u), base: u}
	}
	return env
}

func (b *Browser) claim(origin string, w *proxy.Worker) int {
	b.mu.Lock()
	tabs := make([]*Tab, 0, len(b.tabs))
	for _, t := range b.tabs {
		tabs = append(tabs, t)
	}
	b.mu.Unlock()

	claimed := 0
	for _, t := range tabs {
		if t.claim(origin, w) {
			claimed++
		}
	}
	return claimed
}

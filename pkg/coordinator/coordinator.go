// Package coordinator makes sure the interception proxy is installed for a
// page and reloads the page at most once per tab session so the proxy can
// serve it.
package coordinator

import (
	"context"
	"sync"

	"github.com/go-puzzles/puzzles/plog"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/isolation"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/proxy"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/session"
)

// Page is the document the coordinator runs in.
type Page interface {
	CrossOriginIsolated() bool
	// Reload tears the page context down and loads the document again.
	Reload()
}

// Container is the browser's proxy registry. A nil Container means the
// browser cannot run interception proxies at all.
type Container interface {
	Register(ctx context.Context, scriptURL string) (Registration, error)
}

// Registration is the handle Register resolves with.
type Registration interface {
	// UpdateFound delivers the installing worker of every update found
	// after the handle was created. A nil Worker means nothing was
	// installing when the update was reported.
	UpdateFound() <-chan Worker
	// Release stops event delivery to this handle.
	Release()
}

// Worker is an installing proxy instance as seen from the page.
type Worker interface {
	State() proxy.State
	Subscribe() (<-chan proxy.State, func())
}

// Env is everything one page load exposes to a page script.
type Env struct {
	Page Page
	// Container is nil when the browser has no interception proxy support.
	Container Container
	Storage   session.Store
}

type Outcome int

const (
	OutcomeAlreadyIsolated Outcome = iota
	OutcomeUnsupported
	OutcomeRegistrationFailed
	OutcomeAlreadyReloaded
	OutcomeReloaded
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAlreadyIsolated:
		return "already-isolated"
	case OutcomeUnsupported:
		return "unsupported"
	case OutcomeRegistrationFailed:
		return "registration-failed"
	case OutcomeAlreadyReloaded:
		return "already-reloaded"
	case OutcomeReloaded:
		return "reloaded"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

type Coordinator struct {
	page      Page
	container Container
	storage   session.Store
	scriptURL string

	reloadOnce sync.Once
}

type Option func(*Coordinator)

func WithScriptURL(scriptURL string) Option {
	return func(c *Coordinator) {
		c.scriptURL = scriptURL
	}
}

func New(page Page, container Container, storage session.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		page:      page,
		container: container,
		storage:   storage,
		scriptURL: isolation.WorkerScriptURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunEnv runs a coordinator with the default script URL against env.
func RunEnv(ctx context.Context, env Env) Outcome {
	return New(env.Page, env.Container, env.Storage).Run(ctx)
}

// Run executes the coordinator once for the current page load. It never
// fails the page: every problem ends in an Outcome and a warning. Run
// blocks until the installation attempt settles or ctx is done; there is
// no timeout.
func (c *Coordinator) Run(ctx context.Context) Outcome {
	if c.page.CrossOriginIsolated() {
		return OutcomeAlreadyIsolated
	}
	if c.container == nil {
		plog.Warnf("COOP/COEP service worker not available: serviceWorker API missing.")
		return OutcomeUnsupported
	}

	alreadyReloaded := c.alreadyReloaded(ctx)

	reg, err := c.container.Register(ctx, c.scriptURL)
	if err != nil {
		plog.Warnf("COOP/COEP service worker registration failed: %v", err)
		return OutcomeRegistrationFailed
	}
	defer reg.Release()

	// A reload already happened in this session. Stop even if the page is
	// still not isolated, otherwise a browser that ignores the headers
	// would reload forever.
	if alreadyReloaded {
		return OutcomeAlreadyReloaded
	}

	return c.awaitInstall(ctx, reg)
}

func (c *Coordinator) alreadyReloaded(ctx context.Context) bool {
	v, ok, err := c.storage.GetItem(ctx, isolation.ReloadMarkerKey)
	if err != nil {
		plog.Warnf("COOP/COEP reload marker unreadable: %v", err)
		return false
	}
	return ok && v != ""
}

func (c *Coordinator) awaitInstall(ctx context.Context, reg Registration) Outcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := reg.UpdateFound()
	settled := make(chan proxy.State, 1)

	for {
		select {
		case <-ctx.Done():
			return OutcomeCanceled
		case w, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if w == nil {
				continue
			}
			go watch(ctx, w, settled)
		case state := <-settled:
			c.reload(ctx, state)
			return OutcomeReloaded
		}
	}
}

// watch reports the first settled state of w. Subscribing before reading
// the current state means no transition can be missed.
func watch(ctx context.Context, w Worker, settled chan<- proxy.State) {
	states, stop := w.Subscribe()
	defer stop()

	report := func(s proxy.State) {
		select {
		case settled <- s:
		default:
		}
	}

	if s := w.State(); s.Settled() {
		report(s)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			if s.Settled() {
				report(s)
				return
			}
		}
	}
}

func (c *Coordinator) reload(ctx context.Context, state proxy.State) {
	c.reloadOnce.Do(func() {
		if err := c.storage.SetItem(ctx, isolation.ReloadMarkerKey, isolation.ReloadMarkerValue); err != nil {
			plog.Warnf("COOP/COEP reload marker not saved: %v", err)
		}
		plog.Infof("COOP/COEP service worker %s, reloading page", state)
		c.page.Reload()
	})
}

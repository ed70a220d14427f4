package proxy

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-puzzles/puzzles/plog"
	"github.com/pkg/errors"
)

var ErrNotActive = errors.New("interception proxy is not active")

type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// Settled reports whether an installation attempt has concluded, either by
// taking over or by being abandoned.
func (s State) Settled() bool {
	return s == StateActivated || s == StateRedundant
}

// every state a worker can pass through after parsed
const maxTransitions = 5

// ClientClaimer hands control of the scope's open clients to a worker.
type ClientClaimer interface {
	Claim(w *Worker) int
}

// Worker is one installed instance of the interception proxy. Its fetch
// path is stateless and safe for concurrent use; only the lifecycle state
// is guarded.
type Worker struct {
	ScriptURL string

	transport *Transport

	mu          sync.Mutex
	state       State
	skipWaiting bool
	subscribers map[int]chan State
	nextSubID   int
}

func NewWorker(scriptURL string, base http.RoundTripper, metrics *Metrics) *Worker {
	return &Worker{
		ScriptURL:   scriptURL,
		transport:   &Transport{Base: base, Metrics: metrics},
		state:       StateParsed,
		subscribers: make(map[int]chan State),
	}
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SkipWaiting reports whether the install step asked to skip the waiting
// phase.
func (w *Worker) SkipWaiting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipWaiting
}

// Subscribe delivers every later state change in order. The returned
// function stops the subscription and closes the channel.
func (w *Worker) Subscribe() (<-chan State, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.nextSubID
	w.nextSubID++
	ch := make(chan State, maxTransitions)
	w.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			delete(w.subscribers, id)
			close(ch)
		})
	}
}

func (w *Worker) transition(from []State, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	allowed := false
	for _, s := range from {
		if w.state == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Errorf("worker %s: cannot move from %s to %s", w.ScriptURL, w.state, to)
	}

	w.state = to
	for _, ch := range w.subscribers {
		ch <- to
	}
	return nil
}

// Install runs the install step. The proxy always skips waiting so a new
// version takes over without every tab of the origin being closed first.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition([]State{StateParsed}, StateInstalling); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		w.Redundant()
		return errors.Wrap(err, "install")
	}

	w.mu.Lock()
	w.skipWaiting = true
	w.mu.Unlock()

	return w.transition([]State{StateInstalling}, StateInstalled)
}

// Activate claims every open client of the scope right away, so the next
// navigation of an already open page goes through this worker.
func (w *Worker) Activate(ctx context.Context, clients ClientClaimer) error {
	if err := w.transition([]State{StateInstalled}, StateActivating); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		w.Redundant()
		return errors.Wrap(err, "activate")
	}

	claimed := 0
	if clients != nil {
		claimed = clients.Claim(w)
	}
	plog.Debugf("worker %s claimed %d clients", w.ScriptURL, claimed)

	return w.transition([]State{StateActivating}, StateActivated)
}

// Redundant abandons the worker. It is a no-op for a worker that is
// already redundant.
func (w *Worker) Redundant() {
	_ = w.transition([]State{StateParsed, StateInstalling, StateInstalled, StateActivating, StateActivated}, StateRedundant)
}

// Fetch handles one intercepted request.
func (w *Worker) Fetch(req *http.Request) (*http.Response, error) {
	if w.State() != StateActivated {
		return nil, ErrNotActive
	}
	return w.transport.RoundTrip(req)
}

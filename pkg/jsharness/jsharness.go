// Package jsharness runs the page script that ships to browsers inside a
// goja runtime, against the same page environment the Go coordinator uses.
package jsharness

import (
	"context"
	"strings"

	"github.com/dop251/goja"
	"github.com/go-puzzles/puzzles/plog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/assets"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/coordinator"
)

const DefaultCacheSize = 16

// Result is what a script run did to the page.
type Result struct {
	// Warnings holds every console.warn and console.error line.
	Warnings []string
	// Registered is set once register resolved.
	Registered bool
	Reloaded   bool
	// Canceled is set when the page went away while the script still had
	// listeners waiting.
	Canceled bool

	registerCalled bool
	registerFailed bool
}

// Outcome maps the run onto the coordinator outcomes.
func (r *Result) Outcome() coordinator.Outcome {
	switch {
	case r.Reloaded:
		return coordinator.OutcomeReloaded
	case r.Canceled:
		return coordinator.OutcomeCanceled
	case r.registerFailed:
		return coordinator.OutcomeRegistrationFailed
	case r.Registered:
		return coordinator.OutcomeAlreadyReloaded
	case !r.registerCalled && len(r.Warnings) > 0:
		return coordinator.OutcomeUnsupported
	default:
		return coordinator.OutcomeAlreadyIsolated
	}
}

// Runner compiles scripts once and runs each page load in a fresh runtime.
type Runner struct {
	programs *lru.Cache[string, *goja.Program]
}

func NewRunner(size int) (*Runner, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	programs, err := lru.New[string, *goja.Program](size)
	if err != nil {
		return nil, errors.Wrap(err, "create program cache")
	}
	return &Runner{programs: programs}, nil
}

func (r *Runner) compile(name, src string) (*goja.Program, error) {
	if prg, ok := r.programs.Get(src); ok {
		return prg, nil
	}
	prg, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, errors.Wrapf(err, "compile %s", name)
	}
	r.programs.Add(src, prg)
	return prg, nil
}

// Run executes src for one page load and then serves its pending callbacks
// until nothing is left to wait for, the script reloads the page, or ctx is
// done.
func (r *Runner) Run(ctx context.Context, name, src string, env coordinator.Env) (*Result, error) {
	prg, err := r.compile(name, src)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l := newLoop(ctx, env)
	defer l.release()

	if err := l.setupGlobals(); err != nil {
		return nil, errors.Wrap(err, "setup globals")
	}

	stop := context.AfterFunc(ctx, func() {
		l.vm.Interrupt(ctx.Err())
	})
	defer stop()

	if _, err := l.vm.RunProgram(prg); err != nil {
		if ctx.Err() != nil {
			l.result.Canceled = true
			return l.result, nil
		}
		return l.result, errors.Wrapf(err, "run %s", name)
	}
	if err := l.run(); err != nil {
		return l.result, errors.Wrapf(err, "run %s", name)
	}
	return l.result, nil
}

// RunEnable runs the embedded page script.
func (r *Runner) RunEnable(ctx context.Context, env coordinator.Env) (*Result, error) {
	src, err := assets.Read(assets.EnableScript)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, assets.EnableScript, string(src), env)
}

// PageScript adapts the embedded page script to a browser page script.
func (r *Runner) PageScript() func(ctx context.Context, env coordinator.Env) string {
	return func(ctx context.Context, env coordinator.Env) string {
		res, err := r.RunEnable(ctx, env)
		if err != nil {
			plog.Errorf("Page script failed: %v", err)
			return "error"
		}
		return res.Outcome().String()
	}
}

func consoleLine(call goja.FunctionCall) string {
	parts := make([]string, 0, len(call.Arguments))
	for _, arg := range call.Arguments {
		parts = append(parts, arg.String())
	}
	return strings.Join(parts, " ")
}

package jsharness

import (
	"context"

	"github.com/dop251/goja"
	"github.com/go-puzzles/puzzles/plog"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/coordinator"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/proxy"
)

// loop owns one runtime. Every touch of the runtime happens on the
// goroutine that calls Run; other goroutines post tasks.
type loop struct {
	ctx context.Context
	vm  *goja.Runtime
	env coordinator.Env

	tasks   chan func() error
	pending int
	result  *Result

	registrations []coordinator.Registration
	workers       map[coordinator.Worker]*worker
	stops         []func()
}

type registration struct {
	obj       *goja.Object
	listeners []goja.Callable
}

type worker struct {
	w         coordinator.Worker
	obj       *goja.Object
	state     proxy.State
	listeners []goja.Callable
}

func newLoop(ctx context.Context, env coordinator.Env) *loop {
	return &loop{
		ctx:     ctx,
		vm:      goja.New(),
		env:     env,
		tasks:   make(chan func() error),
		result:  &Result{},
		workers: make(map[coordinator.Worker]*worker),
	}
}

func (l *loop) setupGlobals() error {
	vm := l.vm

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(level, l.console(level)); err != nil {
			return err
		}
	}

	navigator := vm.NewObject()
	if l.env.Container != nil {
		sw := vm.NewObject()
		if err := sw.Set("register", l.register); err != nil {
			return err
		}
		if err := navigator.Set("serviceWorker", sw); err != nil {
			return err
		}
	}

	storage := vm.NewObject()
	if err := storage.Set("getItem", l.getItem); err != nil {
		return err
	}
	if err := storage.Set("setItem", l.setItem); err != nil {
		return err
	}

	location := vm.NewObject()
	if err := location.Set("reload", l.reload); err != nil {
		return err
	}

	globals := map[string]interface{}{
		"crossOriginIsolated": l.env.Page.CrossOriginIsolated(),
		"console":             console,
		"navigator":           navigator,
		"sessionStorage":      storage,
		"location":            location,
	}
	for name, v := range globals {
		if err := vm.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}

// run serves posted tasks while the script still waits on something.
func (l *loop) run() error {
	for l.pending > 0 && !l.result.Reloaded {
		select {
		case <-l.ctx.Done():
			l.result.Canceled = true
			return nil
		case task := <-l.tasks:
			if err := task(); err != nil {
				if l.ctx.Err() != nil {
					l.result.Canceled = true
					return nil
				}
				return err
			}
		}
	}
	return nil
}

func (l *loop) post(task func() error) bool {
	select {
	case l.tasks <- task:
		return true
	case <-l.ctx.Done():
		return false
	}
}

func (l *loop) release() {
	for _, stop := range l.stops {
		stop()
	}
	for _, reg := range l.registrations {
		reg.Release()
	}
}

func (l *loop) console(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		msg := consoleLine(call)
		switch level {
		case "warn", "error":
			l.result.Warnings = append(l.result.Warnings, msg)
			plog.Warnf("console.%s: %s", level, msg)
		default:
			plog.Infof("console.%s: %s", level, msg)
		}
		return goja.Undefined()
	}
}

func (l *loop) getItem(call goja.FunctionCall) goja.Value {
	v, ok, err := l.env.Storage.GetItem(l.ctx, call.Argument(0).String())
	if err != nil {
		panic(l.vm.NewGoError(err))
	}
	if !ok {
		return goja.Null()
	}
	return l.vm.ToValue(v)
}

func (l *loop) setItem(call goja.FunctionCall) goja.Value {
	if err := l.env.Storage.SetItem(l.ctx, call.Argument(0).String(), call.Argument(1).String()); err != nil {
		panic(l.vm.NewGoError(err))
	}
	return goja.Undefined()
}

func (l *loop) reload(goja.FunctionCall) goja.Value {
	l.result.Reloaded = true
	l.env.Page.Reload()
	return goja.Undefined()
}

// register resolves with a registration object once the container answers.
// Failures reject with a TypeError, as browsers do.
func (l *loop) register(call goja.FunctionCall) goja.Value {
	scriptURL := call.Argument(0).String()
	promise, resolve, reject := l.vm.NewPromise()

	l.result.registerCalled = true
	l.pending++
	go func() {
		reg, err := l.env.Container.Register(l.ctx, scriptURL)
		posted := l.post(func() error {
			l.pending--
			if err != nil {
				l.result.registerFailed = true
				return reject(l.vm.NewTypeError("%s", err.Error()))
			}
			l.result.Registered = true
			return resolve(l.newRegistration(reg))
		})
		if !posted && reg != nil {
			reg.Release()
		}
	}()

	return l.vm.ToValue(promise)
}

func (l *loop) newRegistration(reg coordinator.Registration) *goja.Object {
	l.registrations = append(l.registrations, reg)

	r := &registration{obj: l.vm.NewObject()}
	_ = r.obj.Set("installing", goja.Null())
	_ = r.obj.Set("addEventListener", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok || call.Argument(0).String() != "updatefound" {
			return goja.Undefined()
		}
		if len(r.listeners) == 0 {
			l.pending++
		}
		r.listeners = append(r.listeners, fn)
		return goja.Undefined()
	})

	go func() {
		for w := range reg.UpdateFound() {
			ok := l.post(func() error {
				_ = r.obj.Set("installing", l.workerValue(w))
				for _, fn := range r.listeners {
					if _, err := fn(r.obj); err != nil {
						return err
					}
				}
				return nil
			})
			if !ok {
				return
			}
		}
	}()

	return r.obj
}

func (l *loop) workerValue(w coordinator.Worker) goja.Value {
	if w == nil {
		return goja.Null()
	}
	if jw, ok := l.workers[w]; ok {
		return jw.obj
	}

	jw := &worker{w: w, obj: l.vm.NewObject(), state: w.State()}
	_ = jw.obj.Set("state", jw.state.String())
	_ = jw.obj.Set("scriptURL", scriptURLOf(w))
	_ = jw.obj.Set("addEventListener", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok || call.Argument(0).String() != "statechange" {
			return goja.Undefined()
		}
		if len(jw.listeners) == 0 {
			l.pending++
			l.watch(jw)
		}
		jw.listeners = append(jw.listeners, fn)
		return goja.Undefined()
	})
	l.workers[w] = jw
	return jw.obj
}

// watch forwards state changes of jw to its listeners. A change that
// happened before subscribing is replayed first, and so is a settled state,
// so a listener added late still hears how the install ended. States only
// move forward; anything not newer than the last delivered state is
// dropped.
func (l *loop) watch(jw *worker) {
	states, stop := jw.w.Subscribe()
	l.stops = append(l.stops, stop)

	last := jw.state
	current := jw.w.State()
	replay := current > last || current.Settled()

	go func() {
		deliver := func(s proxy.State) bool {
			last = s
			return l.post(func() error {
				jw.state = s
				_ = jw.obj.Set("state", s.String())
				for _, fn := range jw.listeners {
					if _, err := fn(jw.obj); err != nil {
						return err
					}
				}
				return nil
			})
		}

		if replay && !deliver(current) {
			return
		}
		for s := range states {
			if s <= last {
				continue
			}
			if !deliver(s) {
				return
			}
		}
	}()
}

func scriptURLOf(w coordinator.Worker) string {
	if pw, ok := w.(*proxy.Worker); ok {
		return pw.ScriptURL
	}
	return ""
}

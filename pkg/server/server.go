// Package server is a static host for sites that use the shim. It serves
// the embedded scripts next to every page and can set the isolation
// headers itself when the operator controls the host.
package server

import (
	"context"
	"io/fs"
	"net"
	"net/http"
	"path"
	"slices"
	"time"

	"github.com/go-puzzles/puzzles/plog"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/assets"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type Options struct {
	Listen string
	// Root holds the site served for everything but the scripts.
	Root          fs.FS
	InjectHeaders bool
	// Registry enables /metrics when set.
	Registry *prometheus.Registry
}

func New(opts Options) *http.Server {
	return &http.Server{
		Addr:              opts.Listen,
		Handler:           NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func NewRouter(opts Options) *mux.Router {
	r := mux.NewRouter()
	r.Use(PanicRecovery)
	if opts.InjectHeaders {
		r.Use(InjectHeaders)
	}

	if opts.Registry != nil {
		requests := promauto.With(opts.Registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coi",
				Subsystem: "server",
				Name:      "requests_total",
				Help:      "Requests answered by the static host",
			},
			[]string{"code", "method"},
		)
		r.Use(func(next http.Handler) http.Handler {
			return promhttp.InstrumentHandlerCounter(requests, next)
		})
		r.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}

	// Pages register the worker relative to themselves, so the scripts
	// are answered under any directory.
	r.MatcherFunc(isAsset).Methods(http.MethodGet, http.MethodHead).Handler(assets.Handler())
	r.PathPrefix("/").Handler(http.FileServerFS(opts.Root))
	return r
}

func isAsset(r *http.Request, _ *mux.RouteMatch) bool {
	return slices.Contains(assets.Names(), path.Base(r.URL.Path))
}

// Run listens on srv.Addr and serves until ctx is done.
func Run(ctx context.Context, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", srv.Addr)
	}
	return Serve(ctx, srv, ln)
}

// Serve serves srv on ln until ctx is done, then shuts it down, letting
// in-flight requests finish.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		plog.Infof("Server started at %s", ln.Addr())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrapf(err, "serve %s", ln.Addr())
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		plog.Infof("Server at %s stopped", ln.Addr())
		return nil
	})

	return g.Wait()
}

package server

import (
	"net/http"
	"runtime"

	"github.com/go-puzzles/puzzles/plog"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/isolation"
)

// InjectHeaders sets the isolation headers on every response, which makes
// the shim a no-op for pages served from here.
func InjectHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isolation.Apply(w.Header())
		next.ServeHTTP(w, r)
	})
}

func PanicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			e := recover()
			if e == nil {
				return
			}
			if e == http.ErrAbortHandler {
				panic(e)
			}

			buf := make([]byte, 2048)
			n := runtime.Stack(buf, false)
			plog.Errorf("panic recovered: %v\n %s", e, buf[:n])
			http.Error(w, "internal error", http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r)
	})
}

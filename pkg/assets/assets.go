// Package assets embeds the browser side of the shim: the interception
// proxy script and the page script that registers it.
package assets

import (
	"embed"
	"net/http"
	"path"

	"github.com/pkg/errors"
)

const (
	WorkerScript = "coi-serviceworker.js"
	EnableScript = "enable_coi.js"
)

//go:embed coi-serviceworker.js enable_coi.js
var files embed.FS

func Read(name string) ([]byte, error) {
	b, err := files.ReadFile(name)
	if err != nil {
		return nil, errors.Wrapf(err, "read asset %s", name)
	}
	return b, nil
}

func MustRead(name string) []byte {
	b, err := Read(name)
	if err != nil {
		panic(err)
	}
	return b
}

// Names lists the scripts a static host has to publish next to its pages.
func Names() []string {
	return []string{WorkerScript, EnableScript}
}

// Handler serves the embedded scripts by base name. Scripts are served
// with no-cache so a new worker version is picked up on the next
// registration.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := Read(path.Base(r.URL.Path))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(b)
	})
}

package cmd

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/config"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/isolation"
)

func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)

	_, err = root.ExecuteC()
	return buf.String(), err
}

func TestCMD(t *testing.T) {
	output, err := executeCommand(NewRootCmd(), "")
	assert.Nil(t, err)
	assert.NotNil(t, output)
}

func TestVersion(t *testing.T) {
	output, err := executeCommand(NewRootCmd(), "version")
	require.NoError(t, err)
	assert.Equal(t, "coi-proxy dev\n", output)
}

func TestSimulateDemo(t *testing.T) {
	output, err := executeCommand(NewRootCmd(), "simulate")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(output), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "load 1: ")
	assert.Contains(t, lines[0], "controlled=false isolated=false script=reloaded")
	assert.Contains(t, lines[1], "load 2: ")
	assert.Contains(t, lines[1], "controlled=true isolated=true script=already-isolated")
	assert.Equal(t, "reloads: 1", lines[2])
}

func TestSimulateScripts(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		expect string
	}{
		{"unsupported js", []string{"--unsupported"}, "script=unsupported"},
		{"unsupported go", []string{"--unsupported", "--script", "go"}, "script=unsupported"},
		{"failed registration", []string{"--fail-register"}, "script=registration-failed"},
		{"go coordinator", []string{"--script", "go"}, "script=reloaded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"simulate"}, tt.args...)
			output, err := executeCommand(NewRootCmd(), args...)
			require.NoError(t, err)
			assert.Contains(t, output, "load 1: ")
			assert.Contains(t, output, tt.expect)
		})
	}
}

func TestSimulateIgnoringIsolationReloadsOnce(t *testing.T) {
	output, err := executeCommand(NewRootCmd(), "simulate", "--ignore-isolation")
	require.NoError(t, err)
	assert.Contains(t, output, "script=reloaded")
	assert.Contains(t, output, "script=already-reloaded")
	assert.Contains(t, output, "reloads: 1")
}

func TestSimulateRejectsBadFlags(t *testing.T) {
	_, err := executeCommand(NewRootCmd(), "simulate", "--script", "lua")
	assert.EqualError(t, err, `unknown script "lua", want "js" or "go"`)

	_, err = executeCommand(NewRootCmd(), "simulate", "--max-loads", "0")
	assert.EqualError(t, err, "invalid configuration: simulate: max_loads must be at least 1, got 0")

	_, err = executeCommand(NewRootCmd(), "simulate", "a", "b")
	assert.Error(t, err)
}

func TestProxyRequiresOrigin(t *testing.T) {
	_, err := executeCommand(NewRootCmd(), "proxy", "--listen", "127.0.0.1:0")
	assert.EqualError(t, err, "proxy: origin is required in reverse mode")

	_, err = executeCommand(NewRootCmd(), "proxy", "--origin", "ftp://example.com")
	assert.EqualError(t, err, "invalid configuration: proxy: invalid origin: 'ftp://example.com'")
}

func TestServeRequiresRoot(t *testing.T) {
	_, err := executeCommand(NewRootCmd(), "serve", "--root", t.TempDir()+"/missing")
	assert.Error(t, err)
}

func TestReverseProxyHandler(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello " + r.URL.Path))
	}))
	defer origin.Close()

	reg := prometheus.NewRegistry()
	h, err := newProxyHandler(config.ProxyConfig{
		Listen: "127.0.0.1:0",
		Origin: origin.URL,
		Mode:   config.ProxyModeReverse,
	}, reg)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/page.html", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello /page.html", rec.Body.String())
	assert.True(t, isolation.Enabled(rec.Header()))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `coi_proxy_responses_total{decision="rewrite"} 1`)
}

func TestForwardProxyHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	h, err := newProxyHandler(config.ProxyConfig{
		Listen: "127.0.0.1:0",
		Mode:   config.ProxyModeForward,
	}, reg)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "coi_proxy_fetch_errors_total 0")

	_, err = newProxyHandler(config.ProxyConfig{
		Listen: "127.0.0.1:0",
		Mode:   config.ProxyModeForward,
		CA:     config.CAConfig{Cert: "missing.pem", Key: "missing.key"},
	}, nil)
	assert.Error(t, err)
}

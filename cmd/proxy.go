package cmd

import (
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/ca"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/config"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/proxy"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/server"
)

func newProxyCmd(root *rootOptions) *cobra.Command {
	var (
		listen  string
		origin  string
		forward bool
		caCert  string
		caKey   string
		verbose bool
		metrics bool
	)

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the interception proxy on the network",
		Long: `Run the interception proxy on the network.

In reverse mode it fronts one origin that cannot send its own headers. With
--forward it is a browser proxy; with a CA it also rewrites HTTPS responses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := initConfig(root.configFile)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Proxy.Listen = listen
			}
			if flags.Changed("origin") {
				cfg.Proxy.Origin = origin
			}
			if flags.Changed("forward") {
				cfg.Proxy.Mode = config.ProxyModeReverse
				if forward {
					cfg.Proxy.Mode = config.ProxyModeForward
				}
			}
			if flags.Changed("ca-cert") {
				cfg.Proxy.CA.Cert = caCert
			}
			if flags.Changed("ca-key") {
				cfg.Proxy.CA.Key = caKey
			}
			if flags.Changed("verbose") {
				cfg.Proxy.Verbose = verbose
			}
			if flags.Changed("metrics") {
				cfg.Proxy.Metrics = metrics
			}
			if err := cfg.Proxy.Validate(); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}

			var reg *prometheus.Registry
			if cfg.Proxy.Metrics {
				reg = prometheus.NewRegistry()
			}
			handler, err := newProxyHandler(cfg.Proxy, reg)
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              cfg.Proxy.Listen,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return server.Run(ctx, srv)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&listen, "listen", "", "Address to listen on")
	flags.StringVar(&origin, "origin", "", "Origin to front in reverse mode, e.g. http://127.0.0.1:3000")
	flags.BoolVar(&forward, "forward", false, "Run as a forward proxy")
	flags.StringVar(&caCert, "ca-cert", "", "CA certificate for HTTPS interception")
	flags.StringVar(&caKey, "ca-key", "", "CA private key for HTTPS interception")
	flags.BoolVar(&verbose, "verbose", false, "Log every proxied request")
	flags.BoolVar(&metrics, "metrics", false, "Expose prometheus metrics on /metrics")

	return cmd
}

// newProxyHandler builds the proxy cfg describes. With reg set, /metrics is
// answered on the proxy itself: in forward mode as a plain request to the
// proxy address, in reverse mode ahead of the origin.
func newProxyHandler(cfg config.ProxyConfig, reg *prometheus.Registry) (http.Handler, error) {
	var metrics *proxy.Metrics
	if reg != nil {
		metrics = proxy.NewMetrics(reg)
	}

	if cfg.Mode == config.ProxyModeForward {
		opts := proxy.ForwardOptions{Metrics: metrics, Verbose: cfg.Verbose}
		if cfg.CA.Enabled() {
			cert, err := ca.LoadCA(cfg.CA.Cert, cfg.CA.Key)
			if err != nil {
				return nil, err
			}
			opts.CA = cert
		}

		fp := proxy.NewForwardProxy(opts)
		if reg != nil {
			r := mux.NewRouter()
			r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			fp.NonproxyHandler = r
		}
		return fp, nil
	}

	if cfg.Origin == "" {
		return nil, errors.New("proxy: origin is required in reverse mode")
	}
	h, err := proxy.NewProxyHandler(cfg.Origin, nil, metrics)
	if err != nil {
		return nil, err
	}

	// paths go to the origin as they came
	r := mux.NewRouter().SkipClean(true)
	r.Use(server.PanicRecovery)
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	r.PathPrefix("/").Handler(h)
	return r, nil
}

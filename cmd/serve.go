package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/server"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		listen  string
		dir     string
		inject  bool
		metrics bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a static site together with the shim scripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := initConfig(root.configFile)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Serve.Listen = listen
			}
			if flags.Changed("root") {
				cfg.Serve.Root = dir
			}
			if flags.Changed("inject") {
				cfg.Serve.InjectHeaders = inject
			}
			if flags.Changed("metrics") {
				cfg.Serve.Metrics = metrics
			}
			if err := cfg.Serve.Validate(); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}
			if _, err := os.Stat(cfg.Serve.Root); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}

			opts := server.Options{
				Listen:        cfg.Serve.Listen,
				Root:          os.DirFS(cfg.Serve.Root),
				InjectHeaders: cfg.Serve.InjectHeaders,
			}
			if cfg.Serve.Metrics {
				opts.Registry = prometheus.NewRegistry()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return server.Run(ctx, server.New(opts))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&listen, "listen", "", "Address to listen on")
	flags.StringVar(&dir, "root", "", "Directory to serve")
	flags.BoolVar(&inject, "inject", false, "Send the isolation headers on every response")
	flags.BoolVar(&metrics, "metrics", false, "Expose prometheus metrics on /metrics")

	return cmd
}

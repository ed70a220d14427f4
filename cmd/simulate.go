package cmd

import (
	"context"
	"embed"
	"io/fs"
	"net"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/browser"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/config"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/jsharness"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/proxy"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/server"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/session"
	"golang.org/x/sync/errgroup"
)

//go:embed demo
var demoFiles embed.FS

const (
	scriptJS = "js"
	scriptGo = "go"
)

type simulateOptions struct {
	unsupported     bool
	failRegister    bool
	ignoreIsolation bool
	script          string
	maxLoads        int
}

func newSimulateCmd(root *rootOptions) *cobra.Command {
	opts := &simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate [url]",
		Short: "Load a page in a simulated browser and print every load",
		Long: `Load a page in a simulated browser and print every load.

Without a url a demo page is served on a local port. The page script is the
shipped enable_coi.js run in goja, or the Go coordinator with --script go.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := initConfig(root.configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-loads") {
				cfg.Simulate.MaxLoads = opts.maxLoads
			}
			if err := cfg.Simulate.Validate(); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}
			if opts.script != scriptJS && opts.script != scriptGo {
				return errors.Errorf("unknown script %q, want %q or %q", opts.script, scriptJS, scriptGo)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if len(args) == 1 {
				return simulate(ctx, cmd, cfg, opts, args[0])
			}
			return simulateDemo(ctx, cmd, cfg, opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.unsupported, "unsupported", false, "Simulate a browser without service worker support")
	flags.BoolVar(&opts.failRegister, "fail-register", false, "Make every registration fail")
	flags.BoolVar(&opts.ignoreIsolation, "ignore-isolation", false, "Simulate a browser that never honours the isolation headers")
	flags.StringVar(&opts.script, "script", scriptJS, "Page script to run: js or go")
	flags.IntVar(&opts.maxLoads, "max-loads", 0, "Stop after this many loads of one navigation")

	return cmd
}

// simulateDemo serves the embedded demo page on a local port for the length
// of one simulation.
func simulateDemo(ctx context.Context, cmd *cobra.Command, cfg *config.Config, opts *simulateOptions) error {
	site, err := fs.Sub(demoFiles, "demo")
	if err != nil {
		return errors.Wrap(err, "demo site")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return errors.Wrap(err, "listen for demo site")
	}

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServe := context.WithCancel(gctx)
	g.Go(func() error {
		return server.Serve(serveCtx, server.New(server.Options{Root: site}), ln)
	})
	g.Go(func() error {
		defer stopServe()
		return simulate(gctx, cmd, cfg, opts, "http://"+ln.Addr().String()+"/")
	})
	return g.Wait()
}

func simulate(ctx context.Context, cmd *cobra.Command, cfg *config.Config, opts *simulateOptions, target string) error {
	metrics := proxy.NewMetrics(prometheus.NewRegistry())
	bopts := browser.Options{
		NoWorkers:       opts.unsupported,
		IgnoreIsolation: opts.ignoreIsolation,
		Sessions:        session.NewSessions(cfg.Session.Size, cfg.Session.TTL),
		Metrics:         metrics,
		MaxLoads:        cfg.Simulate.MaxLoads,
	}
	if opts.script == scriptJS {
		runner, err := jsharness.NewRunner(0)
		if err != nil {
			return err
		}
		bopts.Script = runner.PageScript()
	}

	b := browser.New(bopts)
	defer b.Close()

	if opts.failRegister {
		c, err := b.Container(target)
		if err != nil {
			return errors.Wrapf(err, "parse url %q", target)
		}
		c.FailRegistration(errors.New("registration blocked"))
	}

	tab := b.NewTab()
	defer tab.Close()

	loads, err := tab.Navigate(ctx, target)
	for i, load := range loads {
		cmd.Printf("load %d: %s status=%d controlled=%t isolated=%t script=%s\n",
			i+1, load.URL, load.Status, load.Controlled, load.Isolated, load.Script)
	}
	if err != nil {
		return err
	}
	cmd.Printf("reloads: %d\n", tab.Reloads())
	return nil
}

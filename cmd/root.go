package cmd

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/superwhys/haowen/golang/coi-proxy/pkg/config"
)

// Version is set at build time.
var Version = "dev"

type rootOptions struct {
	configFile string
}

func initConfig(filename string) (*config.Config, error) {
	cfg := config.New()
	if err := config.Load(filename, cfg); err != nil {
		return nil, errors.Wrap(err, "could not load configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "coi-proxy",
		Short:         "Cross-origin isolation for hosts that cannot send COOP/COEP headers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetOut(os.Stdout)
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "", "", "The configuration filename")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newProxyCmd(opts))
	cmd.AddCommand(newSimulateCmd(opts))

	return cmd
}

func Execute() error {
	return NewRootCmd().Execute()
}

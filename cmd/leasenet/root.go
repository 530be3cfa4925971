package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/leasenet"
	"github.com/opd-ai/leasenet/config"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath    string
	relayAddress  string
	secure        bool
	logLevel      string
	logFormat     string
	metricsListen string

	cfg config.Config
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "leasenet",
		Short:         "Address leasing over an application-level relay",
		Version:       leasenet.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	flags.StringVar(&opts.relayAddress, "relay", "", "Relay address to listen on or connect to (host:port)")
	flags.BoolVar(&opts.secure, "secure", false, "Encrypt relay connections with Noise")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format (text or json)")
	flags.StringVar(&opts.metricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address")

	cmd.AddCommand(newRelayCommand(opts))
	cmd.AddCommand(newServerCommand(opts))
	cmd.AddCommand(newClientCommand(opts))
	cmd.AddCommand(newSimulateCommand(opts))
	return cmd
}

// load builds the effective configuration: file and environment first, then
// any flag the user set explicitly.
func (o *globalOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("relay") {
		cfg.Relay.Address = o.relayAddress
	}
	if flags.Changed("secure") {
		cfg.Relay.Secure = o.secure
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if flags.Changed("metrics-listen") {
		cfg.Metrics.Listen = o.metricsListen
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.ApplyLogging(cfg.Log); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	o.cfg = cfg
	return nil
}

// commandContext returns the command's context, or Background when run
// outside ExecuteContext.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// startMetrics serves /metrics in g when an address is configured.
func startMetrics(ctx context.Context, g *errgroup.Group, cfg config.Config) {
	if cfg.Metrics.Listen == "" {
		return
	}
	g.Go(func() error { return leasenet.ServeMetrics(ctx, cfg.Metrics.Listen) })
}

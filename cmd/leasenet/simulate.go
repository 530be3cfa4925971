package main

import (
	"github.com/spf13/cobra"

	"github.com/opd-ai/leasenet/config"
	"github.com/opd-ai/leasenet/simnet"
)

func newSimulateCommand(opts *globalOptions) *cobra.Command {
	var (
		servers int
		clients int
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a relay, servers and clients in-process through one lease cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := simnet.DefaultConfig()
			cfg.Servers = servers
			cfg.Clients = clients
			cfg.Output = cmd.OutOrStdout()

			// Keep the simulation's short selection window and probe
			// timeout unless a config file or environment changed them.
			network := opts.cfg
			defaults := cfg.Network
			stock := config.Default()
			if network.Client.SelectionWindow == stock.Client.SelectionWindow {
				network.Client.SelectionWindow = defaults.Client.SelectionWindow
			}
			if network.Client.NotNeededSpacing == stock.Client.NotNeededSpacing {
				network.Client.NotNeededSpacing = defaults.Client.NotNeededSpacing
			}
			if network.Relay.ProbeTimeout == stock.Relay.ProbeTimeout {
				network.Relay.ProbeTimeout = defaults.Relay.ProbeTimeout
			}
			cfg.Network = network

			o, err := simnet.NewOrchestrator(cfg)
			if err != nil {
				return err
			}
			_, err = o.Run(commandContext(cmd))
			return err
		},
	}

	cmd.Flags().IntVar(&servers, "servers", 2, "Number of address servers")
	cmd.Flags().IntVar(&clients, "clients", 3, "Number of clients")
	return cmd
}

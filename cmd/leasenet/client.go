package main

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/leasenet"
)

func newClientCommand(opts *globalOptions) *cobra.Command {
	var (
		name    string
		request bool
		noMenu  bool
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run a client that leases an address through the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if cmd.Flags().Changed("name") {
				cfg.Client.Name = name
			}

			g, ctx := errgroup.WithContext(commandContext(cmd))

			engine, err := leasenet.DialClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer engine.Disconnect()

			g.Go(func() error { return engine.Run(ctx) })
			startMetrics(ctx, g, cfg)

			if request {
				if err := engine.RequestAddress(); err != nil {
					return err
				}
			}
			if !noMenu {
				g.Go(func() error {
					return runMenu(ctx, os.Stdin, cmd.OutOrStdout(), &clientMenu{engine: engine, out: cmd.OutOrStdout()})
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Name used in log output")
	cmd.Flags().BoolVar(&request, "request", false, "Request an address immediately")
	cmd.Flags().BoolVar(&noMenu, "no-menu", false, "Run without the interactive menu")
	return cmd
}

package main

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/leasenet"
)

func newServerCommand(opts *globalOptions) *cobra.Command {
	var (
		id     int
		base   string
		noMenu bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run an address server attached to the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if cmd.Flags().Changed("id") {
				cfg.Server.ID = id
			}
			if cmd.Flags().Changed("base") {
				cfg.Server.Base = base
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(commandContext(cmd))

			engine, err := leasenet.DialServer(ctx, cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			cmd.Printf("Address server %d serving %s.%d.2-254\n", cfg.Server.ID, cfg.Server.Base, cfg.Server.ID)

			g.Go(func() error { return engine.Run(ctx) })
			startMetrics(ctx, g, cfg)
			if !noMenu {
				g.Go(func() error {
					return runMenu(ctx, os.Stdin, cmd.OutOrStdout(), &serverMenu{engine: engine, out: cmd.OutOrStdout()})
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().IntVar(&id, "id", 1, "Server identity; selects the third address octet")
	cmd.Flags().StringVar(&base, "base", "192.168", "First two octets of the address pool")
	cmd.Flags().BoolVar(&noMenu, "no-menu", false, "Run without the interactive menu")
	return cmd
}

package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/leasenet"
)

func newRelayCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run the relay that connects clients and address servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, ctx := errgroup.WithContext(commandContext(cmd))

			r := leasenet.NewRelay(opts.cfg)
			defer r.Close()

			g.Go(func() error { return r.Run(ctx) })
			startMetrics(ctx, g, opts.cfg)
			return g.Wait()
		},
	}
}

// Command zcmon publishes, browses and follows SideCar services on the
// local network.
package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	opts := DefaultOptions()

	root := &cobra.Command{
		Use:           "zcmon",
		Short:         "Zeroconf pub/sub monitor",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Config == "" {
				return nil
			}
			return opts.applyConfigFile(cmd.Flags(), opts.Config)
		},
	}
	opts.bindGlobalFlags(root.PersistentFlags())

	root.AddCommand(
		newBrowseCmd(&opts),
		newResolveCmd(&opts),
		newPublishCmd(&opts),
		newSubscribeCmd(&opts),
		newEmitCmd(&opts),
		newCollectCmd(&opts),
	)
	return root
}

func main() {
	if err := fang.Execute(context.Background(), newRootCmd()); err != nil {
		os.Exit(1)
	}
}

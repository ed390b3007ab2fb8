package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"switchyard/cmd/switchyard/ui"
	"switchyard/internal/logging"
	"switchyard/pkg/sdk/client"
)

var (
	serverFlag string
	plainFlag  bool
	debugFlag  bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "switchyard",
		Short:         "Operate a switchyard coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ui.Configure(plainFlag)
			level := logging.LevelWarn
			if debugFlag {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}

	cmd.PersistentFlags().StringVar(&serverFlag, "server", client.DefaultTarget(), "Coordinator address")
	cmd.PersistentFlags().BoolVar(&plainFlag, "plain", false, "Disable colored output")
	cmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")

	cmd.AddCommand(
		discoverCmd(),
		submitCommandCmd(),
		submitQueryCmd(),
		appendEventCmd(),
		readCmd(),
		readAllCmd(),
		snapshotCmd(),
	)
	return cmd
}

func connect() (*client.Client, error) {
	return client.Dial(serverFlag)
}

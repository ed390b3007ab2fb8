package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"switchyard/cmd/switchyard/ui"
)

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <aggregate-id>",
		Short: "Show the aggregate's latest snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()

			snap, found, err := c.LatestSnapshot(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				fmt.Println(ui.Muted("no snapshot for " + args[0]))
				return nil
			}

			fmt.Println(ui.KeyValues("  ",
				ui.KV("Aggregate", snap.AggregateID),
				ui.KV("Type", snap.AggregateType),
				ui.KV("Sequence", strconv.FormatInt(snap.SequenceNumber, 10)),
				ui.KV("Taken", snap.Timestamp.Format(time.RFC3339)),
			))
			fmt.Println(string(snap.Payload))
			return nil
		},
	}
}

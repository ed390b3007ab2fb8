package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"switchyard"
	"switchyard/cmd/switchyard/ui"
	"switchyard/pkg/sdk/client"
)

func readCmd() *cobra.Command {
	var fromSequence int64

	cmd := &cobra.Command{
		Use:   "read <aggregate-id>",
		Short: "Stream one aggregate's events in sequence order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()

			events, err := c.ReadEvents(cmd.Context(), args[0], fromSequence)
			if err != nil {
				return err
			}
			printEvents(events)
			return nil
		},
	}

	cmd.Flags().Int64Var(&fromSequence, "from", 1, "First sequence number to read")
	return cmd
}

func readAllCmd() *cobra.Command {
	var filter client.ReadFilter

	cmd := &cobra.Command{
		Use:   "read-all",
		Short: "Stream the global event log in commit order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()

			events, err := c.ReadAll(cmd.Context(), filter)
			if err != nil {
				return err
			}
			printEvents(events)
			return nil
		},
	}

	cmd.Flags().Int64Var(&filter.FromGlobalID, "from", 0, "First global ID to read")
	cmd.Flags().StringVar(&filter.AggregateType, "aggregate-type", "", "Filter by aggregate type")
	cmd.Flags().StringVar(&filter.EventType, "event-type", "", "Filter by event type")
	cmd.Flags().Int64Var(&filter.Limit, "limit", 100, "Maximum events to read (0 for no limit)")
	return cmd
}

func printEvents(events <-chan switchyard.Event) {
	for ev := range events {
		fmt.Printf("%s %s %s %s %s %s\n",
			ui.Muted(strconv.FormatInt(ev.GlobalID, 10)),
			ev.Timestamp.Format(time.RFC3339),
			ui.Accent(ev.EventType),
			ev.AggregateID,
			ui.Muted("#"+strconv.FormatInt(ev.SequenceNumber, 10)),
			string(ev.Payload))
	}
}

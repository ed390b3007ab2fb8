package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"switchyard"
	"switchyard/cmd/switchyard/ui"
)

func submitCommandCmd() *cobra.Command {
	var aggregateID, correlationID string

	cmd := &cobra.Command{
		Use:   "submit-command <type> <payload-json>",
		Short: "Route a command to a healthy handler instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()

			out, err := c.SubmitCommand(cmd.Context(), args[0], aggregateID, []byte(args[1]), correlationID)
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("handled by %s", out.HandledBy))
			if len(out.Result) > 0 {
				fmt.Println(string(out.Result))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&aggregateID, "aggregate", "", "Aggregate ID for routing affinity")
	cmd.Flags().StringVar(&correlationID, "correlation", "", "Correlation ID (generated when empty)")
	return cmd
}

func submitQueryCmd() *cobra.Command {
	var correlationID string

	cmd := &cobra.Command{
		Use:   "submit-query <type> <payload-json>",
		Short: "Route a query to a healthy handler instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()

			out, err := c.SubmitQuery(cmd.Context(), args[0], []byte(args[1]), correlationID)
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("handled by %s", out.HandledBy))
			if len(out.Payload) > 0 {
				fmt.Println(string(out.Payload))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&correlationID, "correlation", "", "Correlation ID (generated when empty)")
	return cmd
}

func appendEventCmd() *cobra.Command {
	var aggregateType string
	var expectedSeq int64

	cmd := &cobra.Command{
		Use:   "append-event <event-type> <aggregate-id> <payload-json>",
		Short: "Append one event at the expected sequence number",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()

			globalID, seq, err := c.AppendEvent(cmd.Context(), switchyard.Event{
				EventType:      args[0],
				AggregateID:    args[1],
				AggregateType:  aggregateType,
				SequenceNumber: expectedSeq,
				Payload:        []byte(args[2]),
			})
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("committed sequence %d (global %d)", seq, globalID))
			return nil
		},
	}

	cmd.Flags().StringVar(&aggregateType, "aggregate-type", "", "Aggregate type")
	cmd.Flags().Int64Var(&expectedSeq, "expected-sequence", 1, "Expected next sequence number")
	return cmd
}

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"switchyard"
	"switchyard/cmd/switchyard/ui"
)

func discoverCmd() *cobra.Command {
	var onlyHealthy bool

	cmd := &cobra.Command{
		Use:   "discover <kind> <type>",
		Short: "List the instances serving a handler type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := switchyard.ParseHandlerKind(strings.ToUpper(args[0]))
			if !ok {
				return fmt.Errorf("kind must be COMMAND, QUERY, or EVENT, got %q", args[0])
			}

			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()

			d, err := c.Discover(cmd.Context(), kind, args[1], onlyHealthy)
			if err != nil {
				return err
			}

			rows := make([][]string, len(d.Instances))
			for i, inst := range d.Instances {
				rows[i] = []string{
					inst.InstanceID,
					inst.Host + ":" + strconv.Itoa(inst.Port),
					ui.State(inst.State),
				}
			}
			fmt.Println(ui.Table([]string{"INSTANCE", "ADDRESS", "STATE"}, rows))
			fmt.Println(ui.Muted(fmt.Sprintf("%d total, %d healthy", d.TotalCount, d.HealthyCount)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&onlyHealthy, "healthy", false, "Show only routable instances")
	return cmd
}

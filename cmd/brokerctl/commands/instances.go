package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aliuygur/analytics-broker/internal/store"
)

type instanceRow struct {
	PlatformID string    `json:"platform_id"`
	InstanceID string    `json:"instance_id"`
	InternalID int64     `json:"internal_id,omitempty"`
	PlanKind   string    `json:"plan_kind"`
	Version    string    `json:"version"`
	Operation  string    `json:"operation,omitempty"`
	State      string    `json:"state,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func newInstancesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "Inspect provisioned instances",
	}
	cmd.AddCommand(newInstancesListCommand())
	return cmd
}

func newInstancesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list [platform-id]",
		Short: "List live instances with their last operation",
		Long: `List live instances with their last operation.

Without a platform id every platform is listed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			q := st.Queries()
			var instances []store.Instance
			if len(args) == 1 {
				instances, err = q.ListInstancesByPlatform(ctx, args[0])
			} else {
				instances, err = q.ListLiveInstances(ctx)
			}
			if err != nil {
				return err
			}

			rows := make([]instanceRow, 0, len(instances))
			for _, inst := range instances {
				if inst.Deleted() {
					continue
				}
				row := instanceRow{
					PlatformID: inst.PlatformID,
					InstanceID: inst.ID,
					InternalID: inst.InternalID.Int64,
					PlanKind:   inst.PlanKind,
					Version:    inst.Version,
					UpdatedAt:  inst.UpdatedAt,
				}
				op, err := q.GetOperation(ctx, inst.Key())
				switch {
				case err == nil:
					row.Operation, row.State = op.Kind, op.State
				case !store.IsNotFoundError(err):
					return err
				}
				rows = append(rows, row)
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PLATFORM\tINSTANCE\tINTERNAL\tPLAN\tVERSION\tOPERATION\tSTATE")
			for _, r := range rows {
				internal := "-"
				if r.InternalID > 0 {
					internal = fmt.Sprint(r.InternalID)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.PlatformID, r.InstanceID, internal, r.PlanKind, r.Version, r.Operation, r.State)
			}
			return tw.Flush()
		},
	}
}

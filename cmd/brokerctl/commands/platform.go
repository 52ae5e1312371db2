package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aliuygur/analytics-broker/internal/appctx"
	"github.com/aliuygur/analytics-broker/internal/store"
)

func newPlatformCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "platform",
		Short: "Manage the platforms allowed to provision instances",
	}
	cmd.AddCommand(newPlatformAddCommand())
	cmd.AddCommand(newPlatformListCommand())
	return cmd
}

func newPlatformAddCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "add <platform-id>",
		Short: "Register a platform",
		Example: `  # Register a platform under its broker id
  brokerctl platform add cf-eu --name "Cloud Foundry EU"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			p := store.Platform{ID: args[0], Name: name, CreatedAt: time.Now().UTC()}
			if p.Name == "" {
				p.Name = p.ID
			}
			if err := st.Queries().CreatePlatform(ctx, p); err != nil {
				return err
			}
			appctx.GetLogger(ctx).Info("Platform registered", "platform_id", p.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the id)")
	return cmd
}

func newPlatformListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered platforms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			platforms, err := st.Queries().ListPlatforms(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), platforms)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCREATED")
			for _, p := range platforms {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Name, p.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

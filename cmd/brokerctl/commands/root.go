// Package commands implements the operator CLI of the broker.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/aliuygur/analytics-broker/internal/config"
	"github.com/aliuygur/analytics-broker/internal/store"
)

var jsonOutput bool

// Execute runs the root command
func Execute(ctx context.Context, version, commit string) error {
	return newRootCommand(version, commit).ExecuteContext(ctx)
}

func newRootCommand(version, commit string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "brokerctl",
		Short: "Operate the analytics broker",
		Long: `brokerctl manages the broker database and the resources it owns.

Database settings come from DATABASE_DRIVER and DATABASE_URL (a .env file
in the working directory is read as well).`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newPlatformCommand())
	rootCmd.AddCommand(newInstancesCommand())
	rootCmd.AddCommand(newPoolCommand())
	rootCmd.AddCommand(newRoutesCommand())

	return rootCmd
}

// openStore connects with the database settings from the environment.
func openStore(ctx context.Context) (*store.Store, error) {
	dbCfg, err := config.LoadDatabase()
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, store.Config{Driver: dbCfg.Driver, URL: dbCfg.URL})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aliuygur/analytics-broker/internal/config"
	"github.com/aliuygur/analytics-broker/internal/idpool"
	"github.com/aliuygur/analytics-broker/internal/store"
)

type poolStatus struct {
	Capacity  int      `json:"capacity"`
	Allocated int      `json:"allocated"`
	Free      int      `json:"free"`
	Problems  []string `json:"problems,omitempty"`
}

func newPoolCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect the internal identifier pool",
	}
	cmd.AddCommand(newPoolStatusCommand())
	return cmd
}

func newPoolStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pool usage as the server would rebuild it",
		Long: `Show pool usage as the server would rebuild it on start.

Live instances whose internal id is out of range or held twice are
reported as problems; the server refuses to start in that case.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			poolCfg, err := config.LoadPool()
			if err != nil {
				return err
			}
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			instances, err := st.Queries().ListLiveInstances(ctx)
			if err != nil {
				return err
			}
			status, err := rebuildStatus(poolCfg.Capacity, instances)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), status)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "capacity:  %d\nallocated: %d\nfree:      %d\n", status.Capacity, status.Allocated, status.Free)
			for _, p := range status.Problems {
				fmt.Fprintf(out, "problem:   %s\n", p)
			}
			return nil
		},
	}
}

func rebuildStatus(capacity int, instances []store.Instance) (poolStatus, error) {
	pool, err := idpool.New(capacity)
	if err != nil {
		return poolStatus{}, err
	}

	var problems []string
	for _, inst := range instances {
		if !inst.InternalID.Valid {
			continue
		}
		if err := pool.Reserve(int(inst.InternalID.Int64)); err != nil {
			problems = append(problems, fmt.Sprintf("%s/%s: %v", inst.PlatformID, inst.ID, err))
		}
	}
	return poolStatus{
		Capacity:  pool.Capacity(),
		Allocated: pool.Allocated(),
		Free:      pool.Capacity() - pool.Allocated(),
		Problems:  problems,
	}, nil
}

package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aliuygur/analytics-broker/internal/appctx"
	"github.com/aliuygur/analytics-broker/internal/cloudflare"
	"github.com/aliuygur/analytics-broker/internal/config"
	"github.com/aliuygur/analytics-broker/internal/store"
	"github.com/aliuygur/analytics-broker/pkg/domainutils"
)

func newRoutesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Inspect and clean up tunnel routes",
	}
	cmd.AddCommand(newRoutesPruneCommand())
	return cmd
}

func newRoutesPruneCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove tunnel routes of instances that no longer exist",
		Long: `Remove tunnel routes of instances that no longer exist.

Only hostnames of the form <APP_NAME_PREFIX>-<n>.<APP_DOMAIN> are
considered; a route is orphaned when no live instance holds internal id n.
Other hostnames on the tunnel are never touched.`,
		Example: `  # Review orphaned routes before removing them
  brokerctl routes prune

  # Remove without asking
  brokerctl routes prune --yes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.Cloudflare.Enabled() {
				return fmt.Errorf("CLOUDFLARE_API_TOKEN is not set")
			}

			st, err := store.Open(ctx, store.Config{Driver: cfg.Database.Driver, URL: cfg.Database.URL})
			if err != nil {
				return err
			}
			defer st.Close()

			live, err := st.Queries().ListLiveInstances(ctx)
			if err != nil {
				return err
			}

			client := cloudflare.NewClient(cloudflare.Config{
				APIToken:  cfg.Cloudflare.APIToken,
				TunnelID:  cfg.Cloudflare.TunnelID,
				AccountID: cfg.Cloudflare.AccountID,
				ZoneID:    cfg.Cloudflare.ZoneID,
			})
			routes, err := client.Routes(ctx)
			if err != nil {
				return err
			}

			orphans := orphanRoutes(routes, live, cfg.Kubernetes.NamePrefix, cfg.Kubernetes.AppDomain)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Found %d routes, %d orphaned\n", len(routes), len(orphans))
			if len(orphans) == 0 {
				return nil
			}
			for i, host := range orphans {
				fmt.Fprintf(out, "%d. %s\n", i+1, host)
			}

			if !yes && !confirm(cmd.InOrStdin(), out, "Delete these routes?") {
				fmt.Fprintln(out, "Aborted.")
				return nil
			}

			logger := appctx.GetLogger(ctx)
			failed := 0
			for _, host := range orphans {
				if err := client.RemoveRoute(ctx, host); err != nil {
					logger.Error("Failed to remove route", "hostname", host, "error", err)
					failed++
				}
			}
			fmt.Fprintf(out, "Cleanup completed! Removed: %d, Failed: %d\n", len(orphans)-failed, failed)
			if failed > 0 {
				return fmt.Errorf("%d routes could not be removed", failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// orphanRoutes returns the instance hostnames on the tunnel that belong to
// no live instance.
func orphanRoutes(routes []cloudflare.IngressRule, live []store.Instance, prefix, domain string) []string {
	held := make(map[string]bool, len(live))
	for _, inst := range live {
		if inst.InternalID.Valid {
			held[domainutils.AppHost(prefix, int(inst.InternalID.Int64), domain)] = true
		}
	}

	suffix := "." + strings.TrimPrefix(domain, ".")
	var orphans []string
	for _, r := range routes {
		label, ok := strings.CutSuffix(r.Hostname, suffix)
		if !ok || !isAppLabel(label, prefix) || held[r.Hostname] {
			continue
		}
		orphans = append(orphans, r.Hostname)
	}
	return orphans
}

func isAppLabel(label, prefix string) bool {
	n, ok := strings.CutPrefix(label, prefix+"-")
	if !ok || n == "" {
		return false
	}
	for _, c := range n {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s (yes/no): ", question)
	answer, _ := bufio.NewReader(in).ReadString('\n')
	return strings.EqualFold(strings.TrimSpace(answer), "yes")
}

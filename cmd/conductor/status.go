package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	conductor "github.com/loykin/conductor"
	"github.com/loykin/conductor/internal/store/factory"
)

func newStatusCmd() *cobra.Command {
	var configPath string
	var statusFilter string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List persisted instances and their recorded state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := conductor.LoadConfig(configPath)
			if err != nil {
				return err
			}
			st, err := factory.NewFromDSN(cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ctx := cmd.Context()
			if err := st.EnsureSchema(ctx); err != nil {
				return err
			}
			recs, err := st.ListAll(ctx, statusFilter)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ISSUE\tSTATUS\tPID\tWORKSPACE\tSESSION\tLAST ACTIVITY")
			for _, r := range recs {
				pid := "-"
				if r.ProcessID.Valid {
					pid = fmt.Sprintf("%d", r.ProcessID.Int64)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.IssueID, r.Status, pid, r.WorkspacePath, r.TerminalSession,
					r.LastActivity.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "conductor.toml", "path to TOML config")
	cmd.Flags().StringVar(&statusFilter, "status", "", "filter by persisted status (e.g. RUNNING)")
	return cmd
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/opportunity-engine/internal/model"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect cohort run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cohort runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := st.ListRuns(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run's full summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		runs, err := st.ListRuns(ctx, 0)
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		for _, r := range runs {
			if r.ID == args[0] {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			}
		}
		return eris.Errorf("run %s not found", args[0])
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.CohortRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tFETCHED\tANALYZED\tCOPIED\tDEDUP\tSAVED_USD\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t------\t-------\t--------\t------\t-----\t---------\t-------")

	for _, r := range runs {
		fetched, analyzed, copied := "-", "-", "-"
		dedup, saved := "-", "-"
		if r.Summary != nil {
			fetched = fmt.Sprintf("%d", r.Summary.Fetched)
			analyzed = fmt.Sprintf("%d", r.Summary.Analyzed)
			copied = fmt.Sprintf("%d", r.Summary.Copied)
			dedup = fmt.Sprintf("%.2f", r.Summary.DedupRate)
			saved = fmt.Sprintf("%.2f", r.Summary.EstimatedCostSaved)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Status,
			fetched,
			analyzed,
			copied,
			dedup,
			saved,
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

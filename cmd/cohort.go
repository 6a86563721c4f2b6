package main

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var cohortIDFile string

var cohortCmd = &cobra.Command{
	Use:   "cohort",
	Short: "Run batch deduplication and analysis",
}

var cohortRunCmd = &cobra.Command{
	Use:   "run [opportunity-id ...]",
	Short: "Process a cohort of opportunity records",
	Long:  "Resolves each record to a business concept, runs fresh AI analysis once per concept, copies results onto duplicates, and prints the run summary.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		ids := args
		if cohortIDFile != "" {
			fileIDs, err := readIDFile(cohortIDFile)
			if err != nil {
				return err
			}
			ids = append(ids, fileIDs...)
		}
		if len(ids) == 0 {
			return eris.New("no opportunity IDs given (pass as args or --file)")
		}

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		summary, err := e.Coordinator.RunCohort(ctx, ids)
		if err != nil {
			return eris.Wrap(err, "cohort run")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

// readIDFile reads one opportunity ID per line, skipping blanks and comments.
func readIDFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open id file")
	}
	defer f.Close() //nolint:errcheck

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "read id file")
	}
	return ids, nil
}

func init() {
	cohortRunCmd.Flags().StringVar(&cohortIDFile, "file", "", "file with one opportunity ID per line")
	cohortCmd.AddCommand(cohortRunCmd)
	rootCmd.AddCommand(cohortCmd)
}

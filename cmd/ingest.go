package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/opportunity-engine/internal/model"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <records.json>",
	Short: "Load opportunity records from a JSON file",
	Long:  "Reads a JSON array of opportunity records and upserts them. Records without an ID get a generated UUID.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrap(err, "read records file")
		}

		var recs []model.OpportunityRecord
		if err := json.Unmarshal(data, &recs); err != nil {
			return eris.Wrap(err, "parse records file")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		now := time.Now().UTC()
		for i := range recs {
			rec := &recs[i]
			if rec.RawText == "" {
				return eris.Errorf("record %d has no raw_text", i)
			}
			if rec.ID == "" {
				rec.ID = uuid.NewString()
			}
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = now
			}
			rec.UpdatedAt = now
			if err := st.UpsertOpportunity(ctx, rec); err != nil {
				return eris.Wrapf(err, "upsert record %s", rec.ID)
			}
			fmt.Println(rec.ID)
		}

		fmt.Fprintf(os.Stderr, "ingested %d records\n", len(recs))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

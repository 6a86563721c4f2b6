package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/opportunity-engine/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "opportunity-engine",
	Short: "Deduplication and evidence-reuse engine for opportunity analysis",
	Long:  "Clusters opportunity records into business concepts, runs staged AI analysis once per concept, and copies results onto duplicates.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

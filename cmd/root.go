package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/docsignal/overlay-eval/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "overlay-eval",
	Short: "Rubric-driven document evaluation workflow",
	Long:  "Evaluates submitted documents against a rubric overlay: three analysis stages, an orchestration gate, a clarification loop, and weighted criterion scoring via Claude models.",
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

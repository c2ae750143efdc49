package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var resumeSubmission string

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a submission suspended for clarification",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		wc, err := env.Engine.Resume(ctx, resumeSubmission)
		if err != nil {
			return eris.Wrap(err, "resume workflow")
		}

		if wc.Suspended {
			zap.L().Info("submission still awaiting answers",
				zap.String("submission_id", resumeSubmission),
				zap.Int("questions", len(wc.Clarification.Questions)),
				zap.Int("answers", len(wc.Clarification.Answers)),
			)
			return nil
		}

		zap.L().Info("evaluation complete",
			zap.String("submission_id", resumeSubmission),
			zap.Float64("final_score", wc.Scoring.FinalScore),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(wc)
	},
}

func init() {
	resumeCmd.Flags().StringVar(&resumeSubmission, "submission", "", "submission id (required)")
	_ = resumeCmd.MarkFlagRequired("submission")
	rootCmd.AddCommand(resumeCmd)
}

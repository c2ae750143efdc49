package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	answerSubmission string
	answerQuestion   string
	answerText       string
	answerResume     bool
)

var answerCmd = &cobra.Command{
	Use:   "answer",
	Short: "Record a clarification answer for a suspended submission",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.RecordClarificationAnswer(ctx, answerSubmission, answerQuestion, answerText); err != nil {
			return eris.Wrap(err, "record answer")
		}
		zap.L().Info("answer recorded",
			zap.String("submission_id", answerSubmission),
			zap.String("question_id", answerQuestion),
		)

		if !answerResume {
			return nil
		}

		wc, err := env.Engine.Resume(ctx, answerSubmission)
		if err != nil {
			return eris.Wrap(err, "resume after answer")
		}
		if wc.Suspended {
			zap.L().Info("submission still awaiting answers",
				zap.String("submission_id", answerSubmission),
			)
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(wc)
	},
}

func init() {
	answerCmd.Flags().StringVar(&answerSubmission, "submission", "", "submission id (required)")
	answerCmd.Flags().StringVar(&answerQuestion, "question", "", "clarification question id (required)")
	answerCmd.Flags().StringVar(&answerText, "text", "", "answer text (required)")
	answerCmd.Flags().BoolVar(&answerResume, "resume", false, "attempt to resume the workflow after recording")
	_ = answerCmd.MarkFlagRequired("submission")
	_ = answerCmd.MarkFlagRequired("question")
	_ = answerCmd.MarkFlagRequired("text")
	rootCmd.AddCommand(answerCmd)
}

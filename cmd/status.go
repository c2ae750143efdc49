package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/docsignal/overlay-eval/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status <submission-id>",
	Short: "Show a submission's state, scores, and open questions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		status, err := buildSubmissionStatus(ctx, env, args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	},
}

// submissionStatus is the external view of one submission: the row itself,
// any recorded criterion scores, the final report if present, and the
// clarification exchange.
type submissionStatus struct {
	Submission     *model.Submission           `json:"submission"`
	Scores         []model.CriterionScore      `json:"scores,omitempty"`
	FinalReport    *model.ScoringResult        `json:"finalReport,omitempty"`
	Clarifications []model.ClarificationRecord `json:"clarifications,omitempty"`
}

func buildSubmissionStatus(ctx context.Context, env *workflowEnv, id string) (*submissionStatus, error) {
	sub, err := env.Store.GetSubmission(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "load submission")
	}

	scores, err := env.Store.ListCriterionScores(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "list scores")
	}
	clars, err := env.Store.ListClarifications(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "list clarifications")
	}

	status := &submissionStatus{
		Submission:     sub,
		Scores:         scores,
		Clarifications: clars,
	}

	raw, err := env.Store.GetFeedbackReport(ctx, id, model.ReportComment)
	if err != nil {
		return nil, eris.Wrap(err, "load final report")
	}
	if raw != nil {
		var report model.ScoringResult
		if err := json.Unmarshal(raw, &report); err != nil {
			return nil, eris.Wrap(err, "decode final report")
		}
		status.FinalReport = &report
	}

	return status, nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/docsignal/overlay-eval/internal/engine"
	"github.com/docsignal/overlay-eval/internal/model"
)

var (
	evalBucket     string
	evalKey        string
	evalOverlay    string
	evalName       string
	evalSession    string
	evalDocumentID string
	evalAppendices []string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run the evaluation workflow for a single document",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		appendices, err := parseAppendices(evalAppendices)
		if err != nil {
			return err
		}

		wc, err := env.Engine.Run(ctx, engine.EvaluationRequest{
			DocumentID:    evalDocumentID,
			DocumentName:  evalName,
			StorageBucket: evalBucket,
			StorageKey:    evalKey,
			OverlayID:     evalOverlay,
			SessionID:     evalSession,
			Appendices:    appendices,
		})
		if err != nil {
			return eris.Wrap(err, "evaluation run")
		}

		if wc.Suspended {
			zap.L().Info("evaluation suspended for clarification",
				zap.String("submission_id", wc.SubmissionID),
				zap.Int("questions", len(wc.Clarification.Questions)),
			)
		} else {
			zap.L().Info("evaluation complete",
				zap.String("submission_id", wc.SubmissionID),
				zap.Float64("final_score", wc.Scoring.FinalScore),
				zap.Int("total_tokens", wc.TotalUsage.Total()),
			)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(wc)
	},
}

// parseAppendices turns repeated "name=storage-key" flags into appendix
// descriptors. Appendices share the main document's bucket and keep flag
// order as upload order.
func parseAppendices(raw []string) ([]model.Appendix, error) {
	var out []model.Appendix
	for i, spec := range raw {
		name, key, ok := strings.Cut(spec, "=")
		if !ok || name == "" || key == "" {
			return nil, eris.Errorf("invalid appendix %q, want name=storage-key", spec)
		}
		out = append(out, model.Appendix{
			Name:        name,
			Bucket:      evalBucket,
			Key:         key,
			UploadOrder: i + 1,
		})
	}
	return out, nil
}

func init() {
	evaluateCmd.Flags().StringVar(&evalBucket, "bucket", "", "storage bucket holding the document (required)")
	evaluateCmd.Flags().StringVar(&evalKey, "key", "", "storage key of the document (required)")
	evaluateCmd.Flags().StringVar(&evalOverlay, "overlay", "", "overlay id to evaluate against (required)")
	evaluateCmd.Flags().StringVar(&evalName, "name", "", "document display name")
	evaluateCmd.Flags().StringVar(&evalSession, "session", "", "session id for grouping related submissions")
	evaluateCmd.Flags().StringVar(&evalDocumentID, "document-id", "", "caller's document reference")
	evaluateCmd.Flags().StringArrayVar(&evalAppendices, "appendix", nil, "appendix as name=storage-key (repeatable, ordered)")
	_ = evaluateCmd.MarkFlagRequired("bucket")
	_ = evaluateCmd.MarkFlagRequired("key")
	_ = evaluateCmd.MarkFlagRequired("overlay")
	rootCmd.AddCommand(evaluateCmd)
}

package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/docsignal/overlay-eval/internal/model"
	"github.com/docsignal/overlay-eval/pkg/anthropic"
)

const orchestratorSystemPrompt = `You are an evaluation orchestrator. Given the results of three analysis stages (structure, content, grammar) for a submitted document, decide whether the document can be scored as-is or whether the submitter must first answer clarification questions. Ask for clarification only when the analyses surfaced genuine ambiguity or missing information that scoring cannot resolve. Respond with a valid JSON object: {"needsClarification": <bool>, "clarificationQuestions": [{"question": "<text>", "category": "structure|content|grammar|general", "priority": "high|medium|low", "reasoning": "<why>"}], "proceedToScoring": <bool>, "recommendations": ["<text>", ...], "summary": "<decision summary>"}`

func stageSummaryLine(label string, r *model.StageResult) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s (score %.0f): %s\n", label, r.Score, r.Feedback))
	for _, issue := range r.Issues {
		sb.WriteString("  - " + issue + "\n")
	}
	return sb.String()
}

func buildOrchestrationPrompt(wc *model.WorkflowContext) string {
	var sb strings.Builder
	sb.WriteString("Analysis stage results:\n\n")
	sb.WriteString(stageSummaryLine("Structure validation", wc.StructureValidation))
	sb.WriteString(stageSummaryLine("Content analysis", wc.ContentAnalysis))
	sb.WriteString(stageSummaryLine("Grammar check", wc.GrammarCheck))
	sb.WriteString("\nDecide whether to proceed to scoring or request clarification.")
	return sb.String()
}

// orchestrate runs the decision gate between the analysis stages and
// scoring. The average of the three stage scores travels with the result so
// the fallback routing rule (and later the scoring average fallback) can use
// it without recomputation.
func (e *Engine) orchestrate(ctx context.Context, wc *model.WorkflowContext) (*model.OrchestrationResult, error) {
	log := zap.L().With(
		zap.String("agent", agentOrchestrator),
		zap.String("submission_id", wc.SubmissionID),
	)

	average := (wc.StructureValidation.Score + wc.ContentAnalysis.Score + wc.GrammarCheck.Score) / 3

	resp, err := e.complete(ctx, agentOrchestrator, anthropic.CompletionRequest{
		Model:     e.cfg.Anthropic.Model,
		MaxTokens: e.cfg.Anthropic.MaxTokens,
		System:    orchestratorSystemPrompt,
		Prompt:    buildOrchestrationPrompt(wc),
	})
	if err != nil {
		return nil, wrapStageErr(err, agentOrchestrator, wc.SubmissionID)
	}

	result := parseOrchestration(resp.Text, average, e.cfg.Engine.ClarificationThreshold)

	if err := e.store.AppendTokenUsage(ctx, model.TokenUsageRecord{
		SubmissionID: wc.SubmissionID,
		Agent:        agentOrchestrator,
		Model:        resp.Model,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}); err != nil {
		log.Warn("engine: token usage write failed", zap.Error(err))
	}
	if err := e.store.UpsertFeedbackReport(ctx, wc.SubmissionID, model.ReportOrchestration, result); err != nil {
		log.Warn("engine: orchestration report write failed", zap.Error(err))
	}

	wc.TotalUsage.Add(model.TokenUsage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	})

	log.Info("engine: orchestration complete",
		zap.Bool("needs_clarification", result.NeedsClarification),
		zap.Int("questions", len(result.ClarificationQuestions)),
		zap.Float64("average_score", result.AverageScore),
		zap.Bool("fallback", result.Fallback),
	)

	return result, nil
}

package engine

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docsignal/overlay-eval/internal/model"
	"github.com/docsignal/overlay-eval/pkg/anthropic"
)

const scoringSystemPrompt = `You are a document scoring engine. Score the submitted document against each evaluation criterion on the scale given for that criterion. Use the prior analysis results and any clarification answers as evidence. Respond with a valid JSON object: {"criterionScores": [{"name": "<criterion name exactly as given>", "score": <number>, "reasoning": "<why>"}], "summary": "<overall feedback>", "strengths": ["<text>", ...], "weaknesses": ["<text>", ...], "recommendations": ["<text>", ...]}`

func buildScoringPrompt(wc *model.WorkflowContext, overlay *model.Overlay, docText string, maxChars int) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Document type: %s\n\n", overlay.DocumentType))
	sb.WriteString("Criteria to score:\n")
	for _, c := range overlay.Criteria {
		sb.WriteString(fmt.Sprintf("- %s (%s): %s [max: %g, weight: %g]\n", c.Name, c.Category, c.Description, c.MaxScore, c.Weight))
	}
	sb.WriteString("\n")

	sb.WriteString("Prior analysis:\n")
	sb.WriteString(stageSummaryLine("Structure validation", wc.StructureValidation))
	sb.WriteString(stageSummaryLine("Content analysis", wc.ContentAnalysis))
	sb.WriteString(stageSummaryLine("Grammar check", wc.GrammarCheck))
	sb.WriteString("\n")

	sb.WriteString(clarificationBlock(wc.Clarification))

	sb.WriteString("Document text:\n")
	sb.WriteString(truncateDocument(docText, maxChars))
	return sb.String()
}

// score runs the final stage: per-criterion scoring, strict validation of
// the scored subset, weighted aggregation, and persistence of both the
// individual score rows and the synthesized comment report.
func (e *Engine) score(ctx context.Context, wc *model.WorkflowContext, overlay *model.Overlay, docText string) (*model.ScoringResult, error) {
	log := zap.L().With(
		zap.String("agent", agentScoring),
		zap.String("submission_id", wc.SubmissionID),
	)

	resp, err := e.complete(ctx, agentScoring, anthropic.CompletionRequest{
		Model:     e.cfg.Anthropic.Model,
		MaxTokens: e.cfg.Anthropic.MaxTokens,
		System:    scoringSystemPrompt,
		Prompt:    buildScoringPrompt(wc, overlay, docText, e.cfg.Engine.MaxDocumentChars),
	})
	if err != nil {
		return nil, wrapStageErr(err, agentScoring, wc.SubmissionID)
	}

	if err := e.store.AppendTokenUsage(ctx, model.TokenUsageRecord{
		SubmissionID: wc.SubmissionID,
		Agent:        agentScoring,
		Model:        resp.Model,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}); err != nil {
		log.Warn("engine: token usage write failed", zap.Error(err))
	}
	wc.TotalUsage.Add(model.TokenUsage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	})

	payload, parsed := parseScoring(resp.Text)
	if !parsed {
		log.Warn("engine: scoring output unusable, final score falls back to stage average")
	}

	scores := validateCriterionScores(payload, overlay, wc.SubmissionID, e.cfg.Principal.SystemUserID)

	result := &model.ScoringResult{
		CriterionScores: scores,
		OverallFeedback: model.FeedbackSummary{
			Summary:         payload.Summary,
			Strengths:       payload.Strengths,
			Weaknesses:      payload.Weaknesses,
			Recommendations: payload.Recommendations,
		},
		StageScores: model.StageScores{
			Structure: wc.StructureValidation.Score,
			Content:   wc.ContentAnalysis.Score,
			Grammar:   wc.GrammarCheck.Score,
			Average:   wc.Orchestration.AverageScore,
		},
	}
	result.FinalScore, result.UsedAverageFallback = finalScore(scores, overlay, wc.Orchestration.AverageScore)

	for _, cs := range scores {
		if err := e.store.UpsertCriterionScore(ctx, cs); err != nil {
			log.Warn("engine: criterion score write failed",
				zap.String("criterion_id", cs.CriterionID),
				zap.Error(err),
			)
		}
	}
	if err := e.store.UpsertFeedbackReport(ctx, wc.SubmissionID, model.ReportComment, result); err != nil {
		log.Warn("engine: comment report write failed", zap.Error(err))
	}

	log.Info("engine: scoring complete",
		zap.Float64("final_score", result.FinalScore),
		zap.Int("criteria_scored", len(scores)),
		zap.Bool("average_fallback", result.UsedAverageFallback),
	)

	return result, nil
}

// validateCriterionScores maps provider output (keyed by criterion name)
// onto the overlay's criteria. Unknown names and criteria whose ids are not
// valid UUIDs are dropped with a warning; surviving scores are clamped to
// [0, MaxScore] and attributed to the configured system principal.
func validateCriterionScores(payload *scoringPayload, overlay *model.Overlay, submissionID, evaluatedBy string) []model.CriterionScore {
	byName := overlay.CriterionByName()

	var out []model.CriterionScore
	for _, raw := range payload.CriterionScores {
		criterion, ok := byName[raw.Name]
		if !ok {
			zap.L().Warn("engine: score for unknown criterion dropped",
				zap.String("submission_id", submissionID),
				zap.String("criterion_name", raw.Name),
			)
			continue
		}
		if _, err := uuid.Parse(criterion.ID); err != nil {
			zap.L().Warn("engine: criterion with malformed id dropped",
				zap.String("submission_id", submissionID),
				zap.String("criterion_id", criterion.ID),
			)
			continue
		}
		out = append(out, model.CriterionScore{
			SubmissionID:  submissionID,
			CriterionID:   criterion.ID,
			CriterionName: criterion.Name,
			Score:         clampScore(raw.Score, criterion.MaxScore),
			Reasoning:     raw.Reasoning,
			EvaluatedBy:   evaluatedBy,
		})
	}
	return out
}

// finalScore aggregates the scored subset into a weighted 0-100 score:
// each criterion contributes its percentage of max, weighted, and the sum
// is normalized by the weights actually scored. When nothing survived
// validation the orchestrator's stage average stands in.
func finalScore(scores []model.CriterionScore, overlay *model.Overlay, stageAverage float64) (float64, bool) {
	byName := overlay.CriterionByName()
	byID := make(map[string]model.Criterion, len(byName))
	for _, c := range byName {
		byID[c.ID] = c
	}

	var weighted, totalWeight float64
	for _, cs := range scores {
		criterion, ok := byID[cs.CriterionID]
		if !ok || criterion.MaxScore <= 0 {
			continue
		}
		weighted += (cs.Score / criterion.MaxScore) * 100 * criterion.Weight
		totalWeight += criterion.Weight
	}

	if totalWeight == 0 {
		return math.Round(stageAverage), true
	}
	return math.Round(weighted / totalWeight), false
}

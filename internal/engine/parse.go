package engine

import (
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/docsignal/overlay-eval/internal/model"
)

// fallbackStageScore is the deterministic score substituted when a provider
// response cannot be parsed. The fallback shape is fixed regardless of what
// the malformed text contained: score 50, no issues, feedback = raw text.
const fallbackStageScore = 50

// cleanJSON attempts to extract a JSON object from text that may contain
// markdown code fences or other wrapping. Extraction is non-strict: the
// first `{` to the last `}` is taken, the full response is never required
// to be valid JSON.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// parseStageResult parses an analysis stage response. A parse failure never
// fails the workflow: the fallback result is substituted and the failure
// logged.
func parseStageResult(raw, agent, modelID string) *model.StageResult {
	var payload struct {
		Score    float64  `json:"score"`
		Issues   []string `json:"issues"`
		Findings []string `json:"findings"`
		Feedback string   `json:"feedback"`
	}

	if err := json.Unmarshal([]byte(cleanJSON(raw)), &payload); err != nil {
		zap.L().Warn("engine: stage response parse failed, using fallback",
			zap.String("agent", agent),
			zap.Error(err),
		)
		return &model.StageResult{
			Score:     fallbackStageScore,
			Issues:    []string{},
			Feedback:  raw,
			Agent:     agent,
			Model:     modelID,
			Timestamp: time.Now().UTC(),
			Fallback:  true,
		}
	}

	issues := payload.Issues
	if issues == nil {
		issues = payload.Findings
	}
	if issues == nil {
		issues = []string{}
	}

	return &model.StageResult{
		Score:     clampScore(payload.Score, 100),
		Issues:    issues,
		Feedback:  payload.Feedback,
		Agent:     agent,
		Model:     modelID,
		Timestamp: time.Now().UTC(),
	}
}

// parseOrchestration parses the decision-gate response. On failure the
// fallback reproduces the threshold rule exactly: clarify when the average
// is strictly below the threshold.
func parseOrchestration(raw string, average, threshold float64) *model.OrchestrationResult {
	var payload struct {
		NeedsClarification     bool     `json:"needsClarification"`
		ProceedToScoring       bool     `json:"proceedToScoring"`
		Recommendations        []string `json:"recommendations"`
		Summary                string   `json:"summary"`
		ClarificationQuestions []struct {
			Question  string `json:"question"`
			Category  string `json:"category"`
			Priority  string `json:"priority"`
			Reasoning string `json:"reasoning"`
		} `json:"clarificationQuestions"`
	}

	if err := json.Unmarshal([]byte(cleanJSON(raw)), &payload); err != nil {
		zap.L().Warn("engine: orchestration response parse failed, using threshold fallback",
			zap.Float64("average_score", average),
			zap.Error(err),
		)
		return fallbackOrchestration(average, threshold)
	}

	result := &model.OrchestrationResult{
		NeedsClarification: payload.NeedsClarification,
		ProceedToScoring:   payload.ProceedToScoring,
		Recommendations:    payload.Recommendations,
		Summary:            payload.Summary,
		AverageScore:       average,
	}
	for _, q := range payload.ClarificationQuestions {
		result.ClarificationQuestions = append(result.ClarificationQuestions, model.ClarificationQuestion{
			Question:  q.Question,
			Category:  normalizeCategory(q.Category),
			Priority:  normalizePriority(q.Priority),
			Reasoning: q.Reasoning,
		})
	}

	// A gate that neither clarifies nor proceeds would wedge the workflow.
	if !result.NeedsClarification {
		result.ProceedToScoring = true
	}

	return result
}

// fallbackOrchestration is the deterministic routing decision used when the
// provider's output is unusable.
func fallbackOrchestration(average, threshold float64) *model.OrchestrationResult {
	needs := average < threshold
	return &model.OrchestrationResult{
		NeedsClarification: needs,
		ProceedToScoring:   !needs,
		Summary:            "Automated routing: provider output unavailable, threshold rule applied.",
		AverageScore:       average,
		Fallback:           true,
	}
}

// scoredCriterion is one criterion entry of the scoring response, keyed by
// name; the provider never sees internal ids.
type scoredCriterion struct {
	Name      string  `json:"name"`
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// scoringPayload is the expected shape of the scoring provider response.
type scoringPayload struct {
	CriterionScores []scoredCriterion `json:"criterionScores"`
	Summary         string            `json:"summary"`
	Strengths       []string          `json:"strengths"`
	Weaknesses      []string          `json:"weaknesses"`
	Recommendations []string          `json:"recommendations"`
}

// parseScoring parses the scoring response. A parse failure yields an empty
// payload with the raw text as summary; the final score then falls back to
// the orchestrator's average.
func parseScoring(raw string) (*scoringPayload, bool) {
	var payload scoringPayload
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &payload); err != nil {
		zap.L().Warn("engine: scoring response parse failed", zap.Error(err))
		return &scoringPayload{Summary: raw}, false
	}
	return &payload, true
}

func clampScore(score, max float64) float64 {
	if score < 0 {
		return 0
	}
	if score > max {
		return max
	}
	return score
}

func normalizeCategory(category string) string {
	switch strings.ToLower(category) {
	case "structure", "content", "grammar":
		return strings.ToLower(category)
	default:
		return "general"
	}
}

func normalizePriority(priority string) string {
	switch strings.ToLower(priority) {
	case "high", "low":
		return strings.ToLower(priority)
	default:
		return "medium"
	}
}

package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/docsignal/overlay-eval/internal/model"
	"github.com/docsignal/overlay-eval/pkg/anthropic"
)

// Agent names recorded in feedback reports and token usage rows.
const (
	agentStructure    = "structure_validator"
	agentContent      = "content_analyzer"
	agentGrammar      = "grammar_checker"
	agentOrchestrator = "orchestrator"
	agentScoring      = "scoring"
)

const structureSystemPrompt = `You are a document structure validator. You check whether a submitted document follows the structure expected for its document type: required sections, ordering, headings, and completeness. Respond with a valid JSON object: {"score": <0-100>, "issues": ["<issue>", ...], "feedback": "<overall assessment>"}`

const contentSystemPrompt = `You are a document content analyzer. You evaluate whether a submitted document addresses the evaluation criteria substantively: accuracy, depth, relevance, and coverage. Respond with a valid JSON object: {"score": <0-100>, "issues": ["<issue>", ...], "feedback": "<overall assessment>"}`

const grammarSystemPrompt = `You are a writing quality checker. You evaluate grammar, spelling, clarity, and tone of a submitted document. Respond with a valid JSON object: {"score": <0-100>, "issues": ["<issue>", ...], "feedback": "<overall assessment>"}`

// stageSpec binds an analysis stage's identity to its prompt. The three
// stages share the same contract; only the prompt differs.
type stageSpec struct {
	agent      string
	reportType model.ReportType
	system     string
}

var (
	stageStructure = stageSpec{agent: agentStructure, reportType: model.ReportStructureValidation, system: structureSystemPrompt}
	stageContent   = stageSpec{agent: agentContent, reportType: model.ReportContentAnalysis, system: contentSystemPrompt}
	stageGrammar   = stageSpec{agent: agentGrammar, reportType: model.ReportGrammarCheck, system: grammarSystemPrompt}
)

// truncateDocument caps the document text sent to the provider. This is a
// deliberate lossy truncation to bound prompt cost, not an error: documents
// longer than the cap are evaluated on their leading portion only.
func truncateDocument(text string, maxChars int) string {
	if maxChars > 0 && len(text) > maxChars {
		return text[:maxChars]
	}
	return text
}

// documentContextBlock renders the overlay's context fields as labeled
// lines. Empty fields produce no line; an overlay with no context fields
// produces no block at all.
func documentContextBlock(overlay *model.Overlay) string {
	var lines []string
	if overlay.Purpose != "" {
		lines = append(lines, "Purpose: "+overlay.Purpose)
	}
	if overlay.WhenUsed != "" {
		lines = append(lines, "When used: "+overlay.WhenUsed)
	}
	if overlay.ProcessContext != "" {
		lines = append(lines, "Process context: "+overlay.ProcessContext)
	}
	if overlay.Audience != "" {
		lines = append(lines, "Audience: "+overlay.Audience)
	}
	if len(lines) == 0 {
		return ""
	}
	return "Document context:\n" + strings.Join(lines, "\n") + "\n\n"
}

// criteriaBlock enumerates the rubric criteria for prompt construction.
func criteriaBlock(overlay *model.Overlay) string {
	if len(overlay.Criteria) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Evaluation criteria:\n")
	for _, c := range overlay.Criteria {
		sb.WriteString(fmt.Sprintf("- %s (%s): %s\n", c.Name, c.Category, c.Description))
	}
	sb.WriteString("\n")
	return sb.String()
}

// buildStagePrompt assembles the user prompt for an analysis stage: document
// type, criteria text, the optional document context block, and the
// (possibly truncated) document text.
func buildStagePrompt(overlay *model.Overlay, docText string, maxChars int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Document type: %s\n\n", overlay.DocumentType))
	sb.WriteString(criteriaBlock(overlay))
	sb.WriteString(documentContextBlock(overlay))
	sb.WriteString("Document text:\n")
	sb.WriteString(truncateDocument(docText, maxChars))
	return sb.String()
}

// runStage executes one analysis stage: prompt, provider call, non-strict
// parse with fallback, and best-effort persistence of the token usage record
// and the stage's own feedback report.
func (e *Engine) runStage(ctx context.Context, spec stageSpec, docText string, overlay *model.Overlay, submissionID string) (*model.StageResult, model.TokenUsage, error) {
	log := zap.L().With(
		zap.String("agent", spec.agent),
		zap.String("submission_id", submissionID),
	)

	prompt := buildStagePrompt(overlay, docText, e.cfg.Engine.MaxDocumentChars)

	resp, err := e.complete(ctx, spec.agent, anthropic.CompletionRequest{
		Model:     e.cfg.Anthropic.Model,
		MaxTokens: e.cfg.Anthropic.MaxTokens,
		System:    spec.system,
		Prompt:    prompt,
	})
	if err != nil {
		return nil, model.TokenUsage{}, wrapStageErr(err, spec.agent, submissionID)
	}

	usage := model.TokenUsage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}

	result := parseStageResult(resp.Text, spec.agent, resp.Model)

	// Accounting and intermediate reports are best-effort: failures here are
	// logged but never fail the stage.
	if err := e.store.AppendTokenUsage(ctx, model.TokenUsageRecord{
		SubmissionID: submissionID,
		Agent:        spec.agent,
		Model:        resp.Model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}); err != nil {
		log.Warn("engine: token usage write failed", zap.Error(err))
	}
	if err := e.store.UpsertFeedbackReport(ctx, submissionID, spec.reportType, result); err != nil {
		log.Warn("engine: stage report write failed", zap.Error(err))
	}

	log.Info("engine: stage complete",
		zap.Float64("score", result.Score),
		zap.Int("issues", len(result.Issues)),
		zap.Bool("fallback", result.Fallback),
	)

	return result, usage, nil
}

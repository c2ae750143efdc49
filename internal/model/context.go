package model

import "time"

// Report types for the upsert-keyed feedback_reports table. Re-running a
// stage overwrites its own report, never another stage's.
type ReportType string

const (
	ReportStructureValidation ReportType = "structure_validation"
	ReportContentAnalysis     ReportType = "content_analysis"
	ReportGrammarCheck        ReportType = "grammar_check"
	ReportOrchestration       ReportType = "orchestration"
	ReportComment             ReportType = "comment"
)

// StageResult is the uniform output shape of the three analysis stages.
type StageResult struct {
	Score     float64   `json:"score"`
	Issues    []string  `json:"issues"`
	Feedback  string    `json:"feedback"`
	Agent     string    `json:"agent"`
	Model     string    `json:"model"`
	Timestamp time.Time `json:"timestamp"`
	// Fallback marks a result synthesized after a provider parse failure.
	Fallback bool `json:"fallback,omitempty"`
}

// ClarificationQuestion is one AI-generated question held open while the
// workflow is suspended.
type ClarificationQuestion struct {
	ID        string `json:"id"`
	Question  string `json:"question"`
	Category  string `json:"category"` // structure|content|grammar|general
	Priority  string `json:"priority"` // high|medium|low
	Reasoning string `json:"reasoning,omitempty"`
}

// ClarificationAnswer is a recorded human answer to an open question.
type ClarificationAnswer struct {
	QuestionID string    `json:"question_id"`
	Answer     string    `json:"answer"`
	AnsweredAt time.Time `json:"answered_at"`
}

// ClarificationRecord is the persisted form of a question together with its
// answer state.
type ClarificationRecord struct {
	ClarificationQuestion
	SubmissionID string     `json:"submission_id"`
	Answer       string     `json:"answer,omitempty"`
	AnsweredAt   *time.Time `json:"answered_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Answered reports whether an answer has been recorded.
func (r ClarificationRecord) Answered() bool {
	return r.AnsweredAt != nil
}

// Clarification bundles the open questions and any recorded answers carried
// back into the workflow on resume.
type Clarification struct {
	Questions   []ClarificationQuestion `json:"questions"`
	Answers     []ClarificationAnswer   `json:"answers,omitempty"`
	RequestedAt time.Time               `json:"requested_at"`
}

// OrchestrationResult is the decision-gate output that routes between the
// clarification loop and scoring.
type OrchestrationResult struct {
	NeedsClarification     bool                    `json:"needsClarification"`
	ClarificationQuestions []ClarificationQuestion `json:"clarificationQuestions,omitempty"`
	ProceedToScoring       bool                    `json:"proceedToScoring"`
	Recommendations        []string                `json:"recommendations,omitempty"`
	Summary                string                  `json:"summary"`
	AverageScore           float64                 `json:"averageScore"`
	Fallback               bool                    `json:"fallback,omitempty"`
}

// CriterionScore is one persisted (submission, criterion) score row.
type CriterionScore struct {
	SubmissionID  string  `json:"submission_id"`
	CriterionID   string  `json:"criterion_id"`
	CriterionName string  `json:"criterion_name,omitempty"`
	Score         float64 `json:"score"`
	Reasoning     string  `json:"reasoning"`
	EvaluatedBy   string  `json:"evaluated_by"`
}

// FeedbackSummary is the synthesized report persisted as the final
// comment-type feedback report.
type FeedbackSummary struct {
	Summary         string   `json:"summary"`
	Strengths       []string `json:"strengths,omitempty"`
	Weaknesses      []string `json:"weaknesses,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// StageScores keeps the raw per-stage scores alongside the final report for
// auditability.
type StageScores struct {
	Structure float64 `json:"structure"`
	Content   float64 `json:"content"`
	Grammar   float64 `json:"grammar"`
	Average   float64 `json:"average"`
}

// ScoringResult is the Scoring engine's output.
type ScoringResult struct {
	CriterionScores []CriterionScore `json:"criterionScores"`
	OverallFeedback FeedbackSummary  `json:"overallFeedback"`
	StageScores     StageScores      `json:"stageScores"`
	FinalScore      float64          `json:"finalScore"`
	// UsedAverageFallback is set when no criterion survived validation and
	// FinalScore fell back to the orchestrator's average.
	UsedAverageFallback bool `json:"usedAverageFallback,omitempty"`
}

// WorkflowContext is the accumulating payload threaded through every stage.
// Stages only ever add their own sub-object; no stage mutates a prior
// stage's output.
type WorkflowContext struct {
	DocumentID    string `json:"documentId"`
	SubmissionID  string `json:"submissionId,omitempty"`
	DocumentName  string `json:"documentName,omitempty"`
	StorageBucket string `json:"storageBucket"`
	StorageKey    string `json:"storageKey"`
	OverlayID     string `json:"overlayId"`
	SessionID     string `json:"sessionId,omitempty"`

	StructureValidation *StageResult         `json:"structureValidation,omitempty"`
	ContentAnalysis     *StageResult         `json:"contentAnalysis,omitempty"`
	GrammarCheck        *StageResult         `json:"grammarCheck,omitempty"`
	Orchestration       *OrchestrationResult `json:"orchestration,omitempty"`
	Clarification       *Clarification       `json:"clarification,omitempty"`
	Scoring             *ScoringResult       `json:"scoring,omitempty"`

	TotalUsage TokenUsage `json:"totalUsage"`
	// EstimatedCost is the advisory USD spend derived from TotalUsage.
	EstimatedCost float64 `json:"estimatedCostUsd,omitempty"`

	// Suspended is set when the run halted at the clarification gate and
	// must be re-entered via Resume once answers arrive.
	Suspended bool `json:"suspended,omitempty"`
}

// Package store persists submissions, rubric overlays, and evaluation
// results. Every write the workflow depends on is keyed for upsert so that
// re-running a stage converges instead of duplicating rows.
package store

import (
	"context"

	"github.com/docsignal/overlay-eval/internal/model"
)

// Store defines the persistence interface for the evaluation workflow.
type Store interface {
	// Overlays (read-only for the duration of a run)
	GetOverlay(ctx context.Context, overlayID string) (*model.Overlay, error)
	ListCriteria(ctx context.Context, overlayID string) ([]model.Criterion, error)
	ImportOverlay(ctx context.Context, overlay *model.Overlay) error

	// Submissions
	CreateSubmission(ctx context.Context, sub *model.Submission) error
	GetSubmission(ctx context.Context, id string) (*model.Submission, error)
	UpdateAnalysisStatus(ctx context.Context, id string, status model.AnalysisStatus) error
	FinalizeSubmission(ctx context.Context, id string, status model.SubmissionStatus, analysis model.AnalysisStatus) error

	// Appendix descriptors, replaced as a set per submission
	ReplaceAppendices(ctx context.Context, submissionID string, appendices []model.Appendix) error
	ListAppendices(ctx context.Context, submissionID string) ([]model.Appendix, error)

	// Feedback reports, upsert keyed by (submission_id, report_type)
	UpsertFeedbackReport(ctx context.Context, submissionID string, reportType model.ReportType, payload any) error
	GetFeedbackReport(ctx context.Context, submissionID string, reportType model.ReportType) ([]byte, error)

	// Criterion scores, upsert keyed by (submission_id, criterion_id)
	UpsertCriterionScore(ctx context.Context, cs model.CriterionScore) error
	ListCriterionScores(ctx context.Context, submissionID string) ([]model.CriterionScore, error)

	// Token usage, append-only
	AppendTokenUsage(ctx context.Context, rec model.TokenUsageRecord) error

	// Clarification loop
	SaveClarificationQuestions(ctx context.Context, submissionID string, questions []model.ClarificationQuestion) error
	ListClarifications(ctx context.Context, submissionID string) ([]model.ClarificationRecord, error)
	RecordClarificationAnswer(ctx context.Context, submissionID, questionID, answer string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

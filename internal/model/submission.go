package model

import "time"

// SubmissionStatus is the submission lifecycle state.
type SubmissionStatus string

const (
	SubmissionStatusSubmitted SubmissionStatus = "submitted"
	SubmissionStatusInReview  SubmissionStatus = "in_review"
	SubmissionStatusApproved  SubmissionStatus = "approved"
	SubmissionStatusRejected  SubmissionStatus = "rejected"
)

// AnalysisStatus tracks the evaluation workflow independently of the
// submission lifecycle. awaiting_clarification is the durable suspension
// state between orchestration and scoring.
type AnalysisStatus string

const (
	AnalysisStatusPending               AnalysisStatus = "pending"
	AnalysisStatusProcessing            AnalysisStatus = "processing"
	AnalysisStatusAwaitingClarification AnalysisStatus = "awaiting_clarification"
	AnalysisStatusCompleted             AnalysisStatus = "completed"
	AnalysisStatusFailed                AnalysisStatus = "failed"
)

// Terminal reports whether the analysis status is terminal. Pollers must not
// retry a failed submission; retries belong to the caller.
func (s AnalysisStatus) Terminal() bool {
	return s == AnalysisStatusCompleted || s == AnalysisStatusFailed
}

// Submission is one document under evaluation. The workflow never deletes
// submissions; the Structure stage creates one when the caller did not.
type Submission struct {
	ID             string           `json:"id"`
	OverlayID      string           `json:"overlay_id"`
	SessionID      string           `json:"session_id,omitempty"`
	DocumentName   string           `json:"document_name"`
	StorageBucket  string           `json:"storage_bucket"`
	StorageKey     string           `json:"storage_key"`
	Status         SubmissionStatus `json:"status"`
	AnalysisStatus AnalysisStatus   `json:"analysis_status"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// Appendix is a supplementary document evaluated together with the main
// submission. Descriptors are persisted with the submission so a resumed
// workflow extracts the same concatenated text the analysis stages saw.
type Appendix struct {
	Name        string `json:"name"`
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	UploadOrder int    `json:"upload_order"`
}

// TokenUsage accumulates input/output token counts across stage invocations.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns the combined token count.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// TokenUsageRecord is one append-only accounting row per stage invocation.
// Writes are best-effort: a failure to record usage never fails the stage.
type TokenUsageRecord struct {
	ID           string    `json:"id"`
	SubmissionID string    `json:"submission_id"`
	Agent        string    `json:"agent"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}

package engine

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/docsignal/overlay-eval/internal/model"
	"github.com/docsignal/overlay-eval/pkg/anthropic"
)

// --- Anthropic mock ---

type mockLLM struct {
	mock.Mock
}

func (m *mockLLM) Complete(ctx context.Context, req anthropic.CompletionRequest) (*anthropic.Completion, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.Completion), args.Error(1)
}

// --- Extractor mock ---

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) Extract(ctx context.Context, bucket, key string) (string, error) {
	args := m.Called(ctx, bucket, key)
	return args.String(0), args.Error(1)
}

// --- Store mock ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetOverlay(ctx context.Context, overlayID string) (*model.Overlay, error) {
	args := m.Called(ctx, overlayID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Overlay), args.Error(1)
}

func (m *mockStore) ListCriteria(ctx context.Context, overlayID string) ([]model.Criterion, error) {
	args := m.Called(ctx, overlayID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Criterion), args.Error(1)
}

func (m *mockStore) ImportOverlay(ctx context.Context, overlay *model.Overlay) error {
	return m.Called(ctx, overlay).Error(0)
}

func (m *mockStore) CreateSubmission(ctx context.Context, sub *model.Submission) error {
	return m.Called(ctx, sub).Error(0)
}

func (m *mockStore) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Submission), args.Error(1)
}

func (m *mockStore) UpdateAnalysisStatus(ctx context.Context, id string, status model.AnalysisStatus) error {
	return m.Called(ctx, id, status).Error(0)
}

func (m *mockStore) FinalizeSubmission(ctx context.Context, id string, status model.SubmissionStatus, analysis model.AnalysisStatus) error {
	return m.Called(ctx, id, status, analysis).Error(0)
}

func (m *mockStore) ReplaceAppendices(ctx context.Context, submissionID string, appendices []model.Appendix) error {
	return m.Called(ctx, submissionID, appendices).Error(0)
}

func (m *mockStore) ListAppendices(ctx context.Context, submissionID string) ([]model.Appendix, error) {
	args := m.Called(ctx, submissionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Appendix), args.Error(1)
}

func (m *mockStore) UpsertFeedbackReport(ctx context.Context, submissionID string, reportType model.ReportType, payload any) error {
	return m.Called(ctx, submissionID, reportType, payload).Error(0)
}

func (m *mockStore) GetFeedbackReport(ctx context.Context, submissionID string, reportType model.ReportType) ([]byte, error) {
	args := m.Called(ctx, submissionID, reportType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockStore) UpsertCriterionScore(ctx context.Context, cs model.CriterionScore) error {
	return m.Called(ctx, cs).Error(0)
}

func (m *mockStore) ListCriterionScores(ctx context.Context, submissionID string) ([]model.CriterionScore, error) {
	args := m.Called(ctx, submissionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.CriterionScore), args.Error(1)
}

func (m *mockStore) AppendTokenUsage(ctx context.Context, rec model.TokenUsageRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockStore) SaveClarificationQuestions(ctx context.Context, submissionID string, questions []model.ClarificationQuestion) error {
	return m.Called(ctx, submissionID, questions).Error(0)
}

func (m *mockStore) ListClarifications(ctx context.Context, submissionID string) ([]model.ClarificationRecord, error) {
	args := m.Called(ctx, submissionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ClarificationRecord), args.Error(1)
}

func (m *mockStore) RecordClarificationAnswer(ctx context.Context, submissionID, questionID, answer string) error {
	return m.Called(ctx, submissionID, questionID, answer).Error(0)
}

func (m *mockStore) Migrate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockStore) Close() error {
	return m.Called().Error(0)
}

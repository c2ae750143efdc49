package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/docsignal/overlay-eval/internal/config"
	"github.com/docsignal/overlay-eval/internal/model"
	"github.com/docsignal/overlay-eval/internal/resilience"
	"github.com/docsignal/overlay-eval/pkg/anthropic"
)

const testModel = "claude-sonnet-4-5-20250929"

func testConfig() *config.Config {
	return &config.Config{
		Anthropic: config.AnthropicConfig{Model: testModel, MaxTokens: 1024},
		Engine: config.EngineConfig{
			MaxDocumentChars:       8000,
			ClarificationThreshold: 70,
			ClarificationTTLHours:  72,
		},
		Principal: config.PrincipalConfig{SystemUserID: "system"},
	}
}

func newTestEngine(st *mockStore, llm *mockLLM, ex *mockExtractor) *Engine {
	e := New(testConfig(), st, llm, ex)
	// Single attempt keeps failure tests fast.
	e.retry = resilience.RetryConfig{MaxAttempts: 1}
	return e
}

func testOverlay() *model.Overlay {
	return &model.Overlay{
		ID:           uuid.NewString(),
		Name:         "SOP Review",
		DocumentType: "sop",
		Purpose:      "Validate operating procedures",
		Audience:     "Compliance team",
		Criteria: []model.Criterion{
			{ID: uuid.NewString(), Name: "Completeness", Category: "content", Weight: 3, MaxScore: 10, Position: 1},
			{ID: uuid.NewString(), Name: "Clarity", Category: "grammar", Weight: 1, MaxScore: 10, Position: 2},
		},
	}
}

func completion(text string, in, out int64) *anthropic.Completion {
	return &anthropic.Completion{
		Text:  text,
		Model: testModel,
		Usage: anthropic.TokenUsage{InputTokens: in, OutputTokens: out},
	}
}

// reqWithSystem matches a completion request by its system prompt.
func reqWithSystem(system string) any {
	return mock.MatchedBy(func(req anthropic.CompletionRequest) bool {
		return req.System == system
	})
}

func expectBestEffortWrites(st *mockStore) {
	st.On("AppendTokenUsage", mock.Anything, mock.AnythingOfType("model.TokenUsageRecord")).Return(nil).Maybe()
	st.On("UpsertFeedbackReport", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
}

func TestEngine_Run_CompletesWithWeightedScore(t *testing.T) {
	st := new(mockStore)
	llm := new(mockLLM)
	ex := new(mockExtractor)
	overlay := testOverlay()

	st.On("GetOverlay", mock.Anything, overlay.ID).Return(overlay, nil)
	st.On("ListCriteria", mock.Anything, overlay.ID).Return(overlay.Criteria, nil)
	st.On("CreateSubmission", mock.Anything, mock.AnythingOfType("*model.Submission")).Return(nil)
	st.On("UpdateAnalysisStatus", mock.Anything, mock.AnythingOfType("string"), model.AnalysisStatusProcessing).Return(nil)
	st.On("UpsertCriterionScore", mock.Anything, mock.AnythingOfType("model.CriterionScore")).Return(nil)
	st.On("FinalizeSubmission", mock.Anything, mock.AnythingOfType("string"), model.SubmissionStatusApproved, model.AnalysisStatusCompleted).Return(nil)
	expectBestEffortWrites(st)

	ex.On("Extract", mock.Anything, "docs", "plans/plan.pdf").Return("the document body", nil)

	stageJSON := `{"score": 80, "issues": [], "feedback": "solid"}`
	llm.On("Complete", mock.Anything, reqWithSystem(structureSystemPrompt)).Return(completion(stageJSON, 500, 100), nil)
	llm.On("Complete", mock.Anything, reqWithSystem(contentSystemPrompt)).Return(completion(stageJSON, 500, 100), nil)
	llm.On("Complete", mock.Anything, reqWithSystem(grammarSystemPrompt)).Return(completion(stageJSON, 500, 100), nil)
	llm.On("Complete", mock.Anything, reqWithSystem(orchestratorSystemPrompt)).
		Return(completion(`{"needsClarification": false, "proceedToScoring": true, "summary": "good to score"}`, 400, 80), nil)
	llm.On("Complete", mock.Anything, reqWithSystem(scoringSystemPrompt)).
		Return(completion(`{"criterionScores": [
			{"name": "Completeness", "score": 6, "reasoning": "missing rollback steps"},
			{"name": "Clarity", "score": 8, "reasoning": "mostly clear"}
		], "summary": "acceptable", "strengths": ["structure"], "weaknesses": ["rollback"]}`, 600, 200), nil)

	e := newTestEngine(st, llm, ex)
	wc, err := e.Run(context.Background(), EvaluationRequest{
		DocumentName:  "plan.pdf",
		StorageBucket: "docs",
		StorageKey:    "plans/plan.pdf",
		OverlayID:     overlay.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, wc.Scoring)

	// (6/10*100)*3 + (8/10*100)*1 = 260, / 4 weight = 65.
	assert.Equal(t, 65.0, wc.Scoring.FinalScore)
	assert.False(t, wc.Scoring.UsedAverageFallback)
	assert.False(t, wc.Suspended)
	assert.NotEmpty(t, wc.SubmissionID)
	assert.Equal(t, 80.0, wc.Orchestration.AverageScore)
	assert.Len(t, wc.Scoring.CriterionScores, 2)

	// Five provider calls, each contributing usage.
	assert.Equal(t, 2500, wc.TotalUsage.InputTokens)
	assert.Equal(t, 580, wc.TotalUsage.OutputTokens)
	assert.Greater(t, wc.EstimatedCost, 0.0)

	st.AssertExpectations(t)
	llm.AssertExpectations(t)
}

func TestEngine_Run_StageReportsSurviveLaterStages(t *testing.T) {
	st := new(mockStore)
	llm := new(mockLLM)
	ex := new(mockExtractor)
	overlay := testOverlay()

	// Snapshot each report as it is persisted; the same entries must be
	// byte-identical in the final context, untouched by later stages.
	persisted := map[model.ReportType][]byte{}
	st.On("UpsertFeedbackReport", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			b, err := json.Marshal(args.Get(3))
			require.NoError(t, err)
			persisted[args.Get(2).(model.ReportType)] = b
		}).Return(nil)
	st.On("AppendTokenUsage", mock.Anything, mock.AnythingOfType("model.TokenUsageRecord")).Return(nil).Maybe()

	st.On("GetOverlay", mock.Anything, overlay.ID).Return(overlay, nil)
	st.On("ListCriteria", mock.Anything, overlay.ID).Return(overlay.Criteria, nil)
	st.On("CreateSubmission", mock.Anything, mock.AnythingOfType("*model.Submission")).Return(nil)
	st.On("UpdateAnalysisStatus", mock.Anything, mock.AnythingOfType("string"), model.AnalysisStatusProcessing).Return(nil)
	st.On("UpsertCriterionScore", mock.Anything, mock.AnythingOfType("model.CriterionScore")).Return(nil)
	st.On("FinalizeSubmission", mock.Anything, mock.AnythingOfType("string"), model.SubmissionStatusApproved, model.AnalysisStatusCompleted).Return(nil)

	ex.On("Extract", mock.Anything, "docs", "plan.txt").Return("the document", nil)

	llm.On("Complete", mock.Anything, reqWithSystem(structureSystemPrompt)).
		Return(completion(`{"score": 80, "issues": [], "feedback": "solid"}`, 500, 100), nil)
	llm.On("Complete", mock.Anything, reqWithSystem(contentSystemPrompt)).
		Return(completion(`{"score": 70, "issues": ["no rollback plan"], "feedback": "thin"}`, 500, 100), nil)
	llm.On("Complete", mock.Anything, reqWithSystem(grammarSystemPrompt)).
		Return(completion(`{"score": 90, "issues": [], "feedback": "clean"}`, 500, 100), nil)
	llm.On("Complete", mock.Anything, reqWithSystem(orchestratorSystemPrompt)).
		Return(completion(`{"needsClarification": false, "proceedToScoring": true, "summary": "good to score"}`, 400, 80), nil)
	llm.On("Complete", mock.Anything, reqWithSystem(scoringSystemPrompt)).
		Return(completion(`{"criterionScores": [
			{"name": "Completeness", "score": 6, "reasoning": "ok"},
			{"name": "Clarity", "score": 8, "reasoning": "ok"}
		], "summary": "acceptable"}`, 600, 200), nil)

	e := newTestEngine(st, llm, ex)
	wc, err := e.Run(context.Background(), EvaluationRequest{
		StorageBucket: "docs",
		StorageKey:    "plan.txt",
		OverlayID:     overlay.ID,
	})
	require.NoError(t, err)

	final := map[model.ReportType]any{
		model.ReportStructureValidation: wc.StructureValidation,
		model.ReportContentAnalysis:     wc.ContentAnalysis,
		model.ReportGrammarCheck:        wc.GrammarCheck,
		model.ReportOrchestration:       wc.Orchestration,
	}
	for rt, entry := range final {
		require.Contains(t, persisted, rt)
		b, err := json.Marshal(entry)
		require.NoError(t, err)
		assert.JSONEq(t, string(persisted[rt]), string(b), string(rt))
	}
	assert.Equal(t, 80.0, wc.StructureValidation.Score)
	assert.Equal(t, []string{"no rollback plan"}, wc.ContentAnalysis.Issues)
	assert.Equal(t, 90.0, wc.GrammarCheck.Score)
}

func TestEngine_Run_SuspendsForClarification(t *testing.T) {
	st := new(mockStore)
	llm := new(mockLLM)
	ex := new(mockExtractor)
	overlay := testOverlay()

	st.On("GetOverlay", mock.Anything, overlay.ID).Return(overlay, nil)
	st.On("ListCriteria", mock.Anything, overlay.ID).Return(overlay.Criteria, nil)
	st.On("CreateSubmission", mock.Anything, mock.AnythingOfType("*model.Submission")).Return(nil)
	st.On("UpdateAnalysisStatus", mock.Anything, mock.AnythingOfType("string"), model.AnalysisStatusProcessing).Return(nil)
	st.On("SaveClarificationQuestions", mock.Anything, mock.AnythingOfType("string"), mock.AnythingOfType("[]model.ClarificationQuestion")).Return(nil)
	st.On("UpdateAnalysisStatus", mock.Anything, mock.AnythingOfType("string"), model.AnalysisStatusAwaitingClarification).Return(nil)
	expectBestEffortWrites(st)

	ex.On("Extract", mock.Anything, "docs", "draft.txt").Return("a thin draft", nil)

	stageJSON := `{"score": 55, "issues": ["missing audience"], "feedback": "unclear"}`
	llm.On("Complete", mock.Anything, reqWithSystem(structureSystemPrompt)).Return(completion(stageJSON, 300, 60), nil)
	llm.On("Complete", mock.Anything, reqWithSystem(contentSystemPrompt)).Return(completion(stageJSON, 300, 60), nil)
	llm.On("Complete", mock.Anything, reqWithSystem(grammarSystemPrompt)).Return(completion(stageJSON, 300, 60), nil)
	llm.On("Complete", mock.Anything, reqWithSystem(orchestratorSystemPrompt)).
		Return(completion(`{"needsClarification": true, "proceedToScoring": false,
			"clarificationQuestions": [{"question": "Who is the audience?", "category": "content", "priority": "high"}],
			"summary": "needs input"}`, 250, 90), nil)

	e := newTestEngine(st, llm, ex)
	wc, err := e.Run(context.Background(), EvaluationRequest{
		StorageBucket: "docs",
		StorageKey:    "draft.txt",
		OverlayID:     overlay.ID,
	})
	require.NoError(t, err)

	assert.True(t, wc.Suspended)
	assert.Nil(t, wc.Scoring)
	require.NotNil(t, wc.Clarification)
	require.Len(t, wc.Clarification.Questions, 1)
	assert.NotEmpty(t, wc.Clarification.Questions[0].ID)
	assert.Equal(t, "high", wc.Clarification.Questions[0].Priority)

	st.AssertNotCalled(t, "FinalizeSubmission", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	llm.AssertNotCalled(t, "Complete", mock.Anything, reqWithSystem(scoringSystemPrompt))
	st.AssertExpectations(t)
}

func TestEngine_Run_ScoringFailureMarksRejected(t *testing.T) {
	st := new(mockStore)
	llm := new(mockLLM)
	ex := new(mockExtractor)
	overlay := testOverlay()

	st.On("GetOverlay", mock.Anything, overlay.ID).Return(overlay, nil)
	st.On("ListCriteria", mock.Anything, overlay.ID).Return(overlay.Criteria, nil)
	st.On("CreateSubmission", mock.Anything, mock.AnythingOfType("*model.Submission")).Return(nil)
	st.On("UpdateAnalysisStatus", mock.Anything, mock.AnythingOfType("string"), model.AnalysisStatusProcessing).Return(nil)
	st.On("FinalizeSubmission", mock.Anything, mock.AnythingOfType("string"), model.SubmissionStatusRejected, model.AnalysisStatusFailed).Return(nil)
	expectBestEffortWrites(st)

	ex.On("Extract", mock.Anything, "docs", "plan.txt").Return("the document", nil)

	stageJSON := `{"score": 90, "issues": [], "feedback": "fine"}`
	llm.On("Complete", mock.Anything, reqWithSystem(structureSystemPrompt)).Return(completion(stageJSON, 300, 60), nil)
	llm.On("Complete", mock.Anything, reqWithSystem(contentSystemPrompt)).Return(completion(stageJSON, 300, 60), nil)
	llm.On("Complete", mock.Anything, reqWithSystem(grammarSystemPrompt)).Return(completion(stageJSON, 300, 60), nil)
	llm.On("Complete", mock.Anything, reqWithSystem(orchestratorSystemPrompt)).
		Return(completion(`{"needsClarification": false, "proceedToScoring": true, "summary": "score it"}`, 200, 50), nil)
	llm.On("Complete", mock.Anything, reqWithSystem(scoringSystemPrompt)).
		Return(nil, eris.New("model refused request"))

	e := newTestEngine(st, llm, ex)
	_, err := e.Run(context.Background(), EvaluationRequest{
		StorageBucket: "docs",
		StorageKey:    "plan.txt",
		OverlayID:     overlay.ID,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scoring stage failed")

	st.AssertCalled(t, "FinalizeSubmission", mock.Anything, mock.AnythingOfType("string"),
		model.SubmissionStatusRejected, model.AnalysisStatusFailed)
}

func TestEngine_Run_StageFailureDoesNotFinalize(t *testing.T) {
	st := new(mockStore)
	llm := new(mockLLM)
	ex := new(mockExtractor)
	overlay := testOverlay()

	st.On("GetOverlay", mock.Anything, overlay.ID).Return(overlay, nil)
	st.On("ListCriteria", mock.Anything, overlay.ID).Return(overlay.Criteria, nil)
	st.On("CreateSubmission", mock.Anything, mock.AnythingOfType("*model.Submission")).Return(nil)
	st.On("UpdateAnalysisStatus", mock.Anything, mock.AnythingOfType("string"), model.AnalysisStatusProcessing).Return(nil)
	expectBestEffortWrites(st)

	ex.On("Extract", mock.Anything, "docs", "plan.txt").Return("the document", nil)
	llm.On("Complete", mock.Anything, reqWithSystem(structureSystemPrompt)).
		Return(nil, eris.New("provider unavailable"))

	e := newTestEngine(st, llm, ex)
	_, err := e.Run(context.Background(), EvaluationRequest{
		StorageBucket: "docs",
		StorageKey:    "plan.txt",
		OverlayID:     overlay.ID,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "structure_validator stage failed")

	// An analysis-stage failure aborts the run without a terminal write;
	// the caller decides whether to retry. Only a scoring failure lands
	// the submission in rejected/failed.
	st.AssertNotCalled(t, "FinalizeSubmission", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEngine_Run_ExtractFailureDoesNotFinalize(t *testing.T) {
	st := new(mockStore)
	llm := new(mockLLM)
	ex := new(mockExtractor)
	overlay := testOverlay()

	st.On("GetOverlay", mock.Anything, overlay.ID).Return(overlay, nil)
	st.On("ListCriteria", mock.Anything, overlay.ID).Return(overlay.Criteria, nil)
	st.On("CreateSubmission", mock.Anything, mock.AnythingOfType("*model.Submission")).Return(nil)
	st.On("UpdateAnalysisStatus", mock.Anything, mock.AnythingOfType("string"), model.AnalysisStatusProcessing).Return(nil)

	ex.On("Extract", mock.Anything, "docs", "broken.pdf").Return("", eris.New("unreadable pdf"))

	e := newTestEngine(st, llm, ex)
	_, err := e.Run(context.Background(), EvaluationRequest{
		StorageBucket: "docs",
		StorageKey:    "broken.pdf",
		OverlayID:     overlay.ID,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extract document")

	st.AssertNotCalled(t, "FinalizeSubmission", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	llm.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestEngine_Run_StageParseFallback(t *testing.T) {
	st := new(mockStore)
	llm := new(mockLLM)
	ex := new(mockExtractor)
	overlay := testOverlay()

	st.On("GetOverlay", mock.Anything, overlay.ID).Return(overlay, nil)
	st.On("ListCriteria", mock.Anything, overlay.ID).Return(overlay.Criteria, nil)
	st.On("CreateSubmission", mock.Anything, mock.AnythingOfType("*model.Submission")).Return(nil)
	st.On("UpdateAnalysisStatus", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	st.On("SaveClarificationQuestions", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	expectBestEffortWrites(st)

	ex.On("Extract", mock.Anything, "docs", "odd.txt").Return("body", nil)

	// Every stage returns prose instead of JSON; the orchestrator does too.
	// Fallback stage scores are 50, the average is 50, and the threshold
	// rule routes to clarification.
	llm.On("Complete", mock.Anything, mock.AnythingOfType("anthropic.CompletionRequest")).
		Return(completion("I think this document is quite interesting.", 100, 20), nil)

	e := newTestEngine(st, llm, ex)
	wc, err := e.Run(context.Background(), EvaluationRequest{
		StorageBucket: "docs",
		StorageKey:    "odd.txt",
		OverlayID:     overlay.ID,
	})
	require.NoError(t, err)

	require.NotNil(t, wc.StructureValidation)
	assert.True(t, wc.StructureValidation.Fallback)
	assert.Equal(t, 50.0, wc.StructureValidation.Score)
	assert.Empty(t, wc.StructureValidation.Issues)
	assert.Equal(t, "I think this document is quite interesting.", wc.StructureValidation.Feedback)

	require.NotNil(t, wc.Orchestration)
	assert.True(t, wc.Orchestration.Fallback)
	assert.True(t, wc.Orchestration.NeedsClarification)
	assert.True(t, wc.Suspended)
}

func TestEngine_Run_PersistsAppendices(t *testing.T) {
	st := new(mockStore)
	llm := new(mockLLM)
	ex := new(mockExtractor)
	overlay := testOverlay()
	apps := []model.Appendix{{Name: "Glossary", Bucket: "docs", Key: "glossary.txt", UploadOrder: 1}}

	st.On("GetOverlay", mock.Anything, overlay.ID).Return(overlay, nil)
	st.On("ListCriteria", mock.Anything, overlay.ID).Return(overlay.Criteria, nil)
	st.On("CreateSubmission", mock.Anything, mock.AnythingOfType("*model.Submission")).Return(nil)
	st.On("ReplaceAppendices", mock.Anything, mock.AnythingOfType("string"), apps).Return(nil)
	st.On("UpdateAnalysisStatus", mock.Anything, mock.AnythingOfType("string"), model.AnalysisStatusProcessing).Return(nil)
	st.On("SaveClarificationQuestions", mock.Anything, mock.AnythingOfType("string"), mock.AnythingOfType("[]model.ClarificationQuestion")).Return(nil)
	st.On("UpdateAnalysisStatus", mock.Anything, mock.AnythingOfType("string"), model.AnalysisStatusAwaitingClarification).Return(nil)
	expectBestEffortWrites(st)

	ex.On("Extract", mock.Anything, "docs", "plan.txt").Return("the document", nil)
	ex.On("Extract", mock.Anything, "docs", "glossary.txt").Return("term definitions", nil)

	stageJSON := `{"score": 55, "issues": ["vague terms"], "feedback": "unclear"}`
	// Every analysis stage must see the concatenated text, appendix included.
	llm.On("Complete", mock.Anything, mock.MatchedBy(func(req anthropic.CompletionRequest) bool {
		return req.System != orchestratorSystemPrompt &&
			strings.Contains(req.Prompt, "---APPENDIX 1: Glossary---") &&
			strings.Contains(req.Prompt, "term definitions")
	})).Return(completion(stageJSON, 300, 60), nil)
	llm.On("Complete", mock.Anything, reqWithSystem(orchestratorSystemPrompt)).
		Return(completion(`{"needsClarification": true, "proceedToScoring": false,
			"clarificationQuestions": [{"question": "Which terms are canonical?", "category": "content", "priority": "high"}],
			"summary": "needs input"}`, 250, 90), nil)

	e := newTestEngine(st, llm, ex)
	wc, err := e.Run(context.Background(), EvaluationRequest{
		StorageBucket: "docs",
		StorageKey:    "plan.txt",
		OverlayID:     overlay.ID,
		Appendices:    apps,
	})
	require.NoError(t, err)

	assert.True(t, wc.Suspended)
	st.AssertExpectations(t)
	llm.AssertExpectations(t)
}

func TestEngine_Resume_ScoresWhenAnswered(t *testing.T) {
	st := new(mockStore)
	llm := new(mockLLM)
	ex := new(mockExtractor)
	overlay := testOverlay()
	subID := uuid.NewString()

	sub := &model.Submission{
		ID:             subID,
		OverlayID:      overlay.ID,
		StorageBucket:  "docs",
		StorageKey:     "plan.txt",
		AnalysisStatus: model.AnalysisStatusAwaitingClarification,
	}
	st.On("GetSubmission", mock.Anything, subID).Return(sub, nil)
	st.On("GetOverlay", mock.Anything, overlay.ID).Return(overlay, nil)
	st.On("ListCriteria", mock.Anything, overlay.ID).Return(overlay.Criteria, nil)

	answeredAt := time.Now().UTC()
	st.On("ListClarifications", mock.Anything, subID).Return([]model.ClarificationRecord{
		{
			ClarificationQuestion: model.ClarificationQuestion{ID: "q-1", Question: "Who is the audience?"},
			SubmissionID:          subID,
			Answer:                "new hires",
			AnsweredAt:            &answeredAt,
			CreatedAt:             answeredAt.Add(-time.Hour),
		},
	}, nil)

	stageReport, _ := json.Marshal(model.StageResult{Score: 60, Issues: []string{}, Feedback: "thin"})
	for _, rt := range []model.ReportType{model.ReportStructureValidation, model.ReportContentAnalysis, model.ReportGrammarCheck} {
		st.On("GetFeedbackReport", mock.Anything, subID, rt).Return(stageReport, nil)
	}
	orchReport, _ := json.Marshal(model.OrchestrationResult{NeedsClarification: true, AverageScore: 60})
	st.On("GetFeedbackReport", mock.Anything, subID, model.ReportOrchestration).Return(orchReport, nil)

	st.On("UpdateAnalysisStatus", mock.Anything, subID, model.AnalysisStatusProcessing).Return(nil)
	st.On("ListAppendices", mock.Anything, subID).Return(nil, nil)
	st.On("UpsertCriterionScore", mock.Anything, mock.AnythingOfType("model.CriterionScore")).Return(nil)
	st.On("FinalizeSubmission", mock.Anything, subID, model.SubmissionStatusApproved, model.AnalysisStatusCompleted).Return(nil)
	expectBestEffortWrites(st)

	ex.On("Extract", mock.Anything, "docs", "plan.txt").Return("the document", nil)

	llm.On("Complete", mock.Anything, mock.MatchedBy(func(req anthropic.CompletionRequest) bool {
		// The clarification exchange must reach the scorer.
		return req.System == scoringSystemPrompt &&
			strings.Contains(req.Prompt, "Who is the audience?") &&
			strings.Contains(req.Prompt, "new hires")
	})).Return(completion(`{"criterionScores": [
		{"name": "Completeness", "score": 7, "reasoning": "clarified"},
		{"name": "Clarity", "score": 7, "reasoning": "fine"}
	], "summary": "ok"}`, 400, 120), nil)

	e := newTestEngine(st, llm, ex)
	wc, err := e.Resume(context.Background(), subID)
	require.NoError(t, err)

	assert.False(t, wc.Suspended)
	require.NotNil(t, wc.Scoring)
	assert.Equal(t, 70.0, wc.Scoring.FinalScore)
	st.AssertExpectations(t)
	llm.AssertExpectations(t)
}

func TestEngine_Resume_ScoresAgainstAppendices(t *testing.T) {
	st := new(mockStore)
	llm := new(mockLLM)
	ex := new(mockExtractor)
	overlay := testOverlay()
	subID := uuid.NewString()

	sub := &model.Submission{
		ID:             subID,
		OverlayID:      overlay.ID,
		StorageBucket:  "docs",
		StorageKey:     "plan.txt",
		AnalysisStatus: model.AnalysisStatusAwaitingClarification,
	}
	st.On("GetSubmission", mock.Anything, subID).Return(sub, nil)
	st.On("GetOverlay", mock.Anything, overlay.ID).Return(overlay, nil)
	st.On("ListCriteria", mock.Anything, overlay.ID).Return(overlay.Criteria, nil)

	answeredAt := time.Now().UTC()
	st.On("ListClarifications", mock.Anything, subID).Return([]model.ClarificationRecord{
		{
			ClarificationQuestion: model.ClarificationQuestion{ID: "q-1", Question: "Which terms are canonical?"},
			SubmissionID:          subID,
			Answer:                "the glossary ones",
			AnsweredAt:            &answeredAt,
			CreatedAt:             answeredAt.Add(-time.Hour),
		},
	}, nil)

	stageReport, _ := json.Marshal(model.StageResult{Score: 60, Issues: []string{}, Feedback: "thin"})
	for _, rt := range []model.ReportType{model.ReportStructureValidation, model.ReportContentAnalysis, model.ReportGrammarCheck} {
		st.On("GetFeedbackReport", mock.Anything, subID, rt).Return(stageReport, nil)
	}
	orchReport, _ := json.Marshal(model.OrchestrationResult{NeedsClarification: true, AverageScore: 60})
	st.On("GetFeedbackReport", mock.Anything, subID, model.ReportOrchestration).Return(orchReport, nil)

	st.On("UpdateAnalysisStatus", mock.Anything, subID, model.AnalysisStatusProcessing).Return(nil)
	st.On("ListAppendices", mock.Anything, subID).Return([]model.Appendix{
		{Name: "Glossary", Bucket: "docs", Key: "glossary.txt", UploadOrder: 1},
	}, nil)
	st.On("UpsertCriterionScore", mock.Anything, mock.AnythingOfType("model.CriterionScore")).Return(nil)
	st.On("FinalizeSubmission", mock.Anything, subID, model.SubmissionStatusApproved, model.AnalysisStatusCompleted).Return(nil)
	expectBestEffortWrites(st)

	ex.On("Extract", mock.Anything, "docs", "plan.txt").Return("the document", nil)
	ex.On("Extract", mock.Anything, "docs", "glossary.txt").Return("term definitions", nil)

	// Scoring must see the same concatenated text the analysis stages saw.
	llm.On("Complete", mock.Anything, mock.MatchedBy(func(req anthropic.CompletionRequest) bool {
		return req.System == scoringSystemPrompt &&
			strings.Contains(req.Prompt, "---APPENDIX 1: Glossary---") &&
			strings.Contains(req.Prompt, "term definitions")
	})).Return(completion(`{"criterionScores": [
		{"name": "Completeness", "score": 7, "reasoning": "clarified"},
		{"name": "Clarity", "score": 7, "reasoning": "fine"}
	], "summary": "ok"}`, 400, 120), nil)

	e := newTestEngine(st, llm, ex)
	wc, err := e.Resume(context.Background(), subID)
	require.NoError(t, err)

	assert.False(t, wc.Suspended)
	require.NotNil(t, wc.Scoring)
	st.AssertExpectations(t)
	llm.AssertExpectations(t)
}

func TestEngine_Resume_StaysSuspendedWithOpenQuestions(t *testing.T) {
	st := new(mockStore)
	llm := new(mockLLM)
	ex := new(mockExtractor)
	overlay := testOverlay()
	subID := uuid.NewString()

	sub := &model.Submission{
		ID:             subID,
		OverlayID:      overlay.ID,
		AnalysisStatus: model.AnalysisStatusAwaitingClarification,
	}
	st.On("GetSubmission", mock.Anything, subID).Return(sub, nil)
	st.On("GetOverlay", mock.Anything, overlay.ID).Return(overlay, nil)
	st.On("ListCriteria", mock.Anything, overlay.ID).Return(overlay.Criteria, nil)
	st.On("ListClarifications", mock.Anything, subID).Return([]model.ClarificationRecord{
		{
			ClarificationQuestion: model.ClarificationQuestion{ID: "q-1", Question: "Pending?"},
			SubmissionID:          subID,
			CreatedAt:             time.Now().UTC().Add(-time.Hour),
		},
	}, nil)

	stageReport, _ := json.Marshal(model.StageResult{Score: 60, Issues: []string{}})
	for _, rt := range []model.ReportType{model.ReportStructureValidation, model.ReportContentAnalysis, model.ReportGrammarCheck} {
		st.On("GetFeedbackReport", mock.Anything, subID, rt).Return(stageReport, nil)
	}
	orchReport, _ := json.Marshal(model.OrchestrationResult{NeedsClarification: true, AverageScore: 60})
	st.On("GetFeedbackReport", mock.Anything, subID, model.ReportOrchestration).Return(orchReport, nil)

	e := newTestEngine(st, llm, ex)
	wc, err := e.Resume(context.Background(), subID)
	require.NoError(t, err)

	assert.True(t, wc.Suspended)
	assert.Nil(t, wc.Scoring)
	llm.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestEngine_Resume_NotSuspended(t *testing.T) {
	st := new(mockStore)
	subID := uuid.NewString()

	st.On("GetSubmission", mock.Anything, subID).Return(&model.Submission{
		ID:             subID,
		AnalysisStatus: model.AnalysisStatusCompleted,
	}, nil)

	e := newTestEngine(st, new(mockLLM), new(mockExtractor))
	_, err := e.Resume(context.Background(), subID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not awaiting clarification")
}

func TestEngine_Run_Validation(t *testing.T) {
	e := newTestEngine(new(mockStore), new(mockLLM), new(mockExtractor))

	_, err := e.Run(context.Background(), EvaluationRequest{OverlayID: "ov"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage bucket and key")

	_, err = e.Run(context.Background(), EvaluationRequest{StorageBucket: "b", StorageKey: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlay id")
}


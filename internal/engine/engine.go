// Package engine runs the evaluation workflow: three analysis stages, an
// orchestration gate, an optional clarification suspension, and weighted
// criterion scoring. Every durable effect goes through the store so a
// suspended workflow can be resumed by a different process.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/docsignal/overlay-eval/internal/config"
	"github.com/docsignal/overlay-eval/internal/cost"
	"github.com/docsignal/overlay-eval/internal/extract"
	"github.com/docsignal/overlay-eval/internal/model"
	"github.com/docsignal/overlay-eval/internal/resilience"
	"github.com/docsignal/overlay-eval/internal/store"
	"github.com/docsignal/overlay-eval/pkg/anthropic"
)

// Engine coordinates the workflow stages against a store, an inference
// provider, and a document extractor.
type Engine struct {
	cfg       *config.Config
	store     store.Store
	llm       anthropic.Client
	extractor extract.Extractor
	retry     resilience.RetryConfig
	costs     *cost.Calculator
}

func New(cfg *config.Config, st store.Store, llm anthropic.Client, ex extract.Extractor) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     st,
		llm:       llm,
		extractor: ex,
		retry:     resilience.DefaultRetryConfig(),
		costs:     cost.NewCalculator(cost.DefaultRates()),
	}
}

// complete issues one provider call with transient-error retries.
func (e *Engine) complete(ctx context.Context, agent string, req anthropic.CompletionRequest) (*anthropic.Completion, error) {
	cfg := e.retry
	cfg.OnRetry = resilience.RetryLogger(agent, "complete")
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*anthropic.Completion, error) {
		return e.llm.Complete(ctx, req)
	})
}

// EvaluationRequest is the caller's trigger for a new workflow run.
// SubmissionID is optional: when absent the engine creates the submission
// itself during the first stage.
type EvaluationRequest struct {
	DocumentID    string           `json:"documentId"`
	DocumentName  string           `json:"documentName"`
	StorageBucket string           `json:"storageBucket"`
	StorageKey    string           `json:"storageKey"`
	OverlayID     string           `json:"overlayId"`
	SubmissionID  string           `json:"submissionId,omitempty"`
	SessionID     string           `json:"sessionId,omitempty"`
	Appendices    []model.Appendix `json:"appendices,omitempty"`
}

func (r EvaluationRequest) validate() error {
	if r.StorageBucket == "" || r.StorageKey == "" {
		return eris.New("engine: storage bucket and key are required")
	}
	if r.OverlayID == "" {
		return eris.New("engine: overlay id is required")
	}
	return nil
}

func wrapStageErr(err error, agent, submissionID string) error {
	return eris.Wrap(err, fmt.Sprintf("engine: %s stage failed for submission %s", agent, submissionID))
}

// Run executes the workflow from the top. It returns the accumulated
// context in every outcome that is not an error: a completed run carries
// the scoring result, a suspended run carries the open questions with
// Suspended set.
func (e *Engine) Run(ctx context.Context, req EvaluationRequest) (*model.WorkflowContext, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	overlay, err := e.loadOverlay(ctx, req.OverlayID)
	if err != nil {
		return nil, err
	}

	sub, err := e.ensureSubmission(ctx, req)
	if err != nil {
		return nil, err
	}

	wc := &model.WorkflowContext{
		DocumentID:    req.DocumentID,
		SubmissionID:  sub.ID,
		DocumentName:  req.DocumentName,
		StorageBucket: req.StorageBucket,
		StorageKey:    req.StorageKey,
		OverlayID:     req.OverlayID,
		SessionID:     req.SessionID,
	}

	// Appendix descriptors are persisted before extraction so a later
	// resume scores the same concatenated text the stages analyze.
	if len(req.Appendices) > 0 {
		if err := e.store.ReplaceAppendices(ctx, sub.ID, req.Appendices); err != nil {
			return nil, eris.Wrap(err, "engine: persist appendices")
		}
	}

	if err := e.store.UpdateAnalysisStatus(ctx, sub.ID, model.AnalysisStatusProcessing); err != nil {
		return nil, eris.Wrap(err, "engine: mark processing")
	}

	docText, err := extract.WithAppendices(ctx, e.extractor, req.StorageBucket, req.StorageKey, req.Appendices)
	if err != nil {
		return nil, eris.Wrap(err, "engine: extract document")
	}

	// The structure stage runs first and alone; it is the stage that
	// anchors the submission row. Content and grammar then run in
	// parallel against the same document text.
	structure, usage, err := e.runStage(ctx, stageStructure, docText, overlay, sub.ID)
	if err != nil {
		return nil, err
	}
	wc.StructureValidation = structure
	wc.TotalUsage.Add(usage)

	var content, grammar *model.StageResult
	var contentUsage, grammarUsage model.TokenUsage
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		content, contentUsage, err = e.runStage(gctx, stageContent, docText, overlay, sub.ID)
		return err
	})
	g.Go(func() error {
		var err error
		grammar, grammarUsage, err = e.runStage(gctx, stageGrammar, docText, overlay, sub.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	wc.ContentAnalysis = content
	wc.GrammarCheck = grammar
	wc.TotalUsage.Add(contentUsage)
	wc.TotalUsage.Add(grammarUsage)

	orch, err := e.orchestrate(ctx, wc)
	if err != nil {
		return nil, err
	}
	wc.Orchestration = orch

	if orch.NeedsClarification {
		if err := e.suspendForClarification(ctx, wc, orch.ClarificationQuestions); err != nil {
			return nil, err
		}
		return wc, nil
	}

	if err := e.finishScoring(ctx, wc, overlay, docText); err != nil {
		return nil, err
	}
	return wc, nil
}

// Resume re-enters a suspended workflow. It returns the context unscored
// (Suspended still set) when open questions remain inside the answer
// window; otherwise it rebuilds the stage state from persisted reports and
// runs the scoring stage.
func (e *Engine) Resume(ctx context.Context, submissionID string) (*model.WorkflowContext, error) {
	sub, err := e.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, eris.Wrap(err, "engine: load submission")
	}
	if sub.AnalysisStatus != model.AnalysisStatusAwaitingClarification {
		return nil, eris.Errorf("engine: submission %s is not awaiting clarification (status %s)", submissionID, sub.AnalysisStatus)
	}

	clar, ready, err := e.clarificationState(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	wc, overlay, err := e.rebuildContext(ctx, sub)
	if err != nil {
		return nil, err
	}
	wc.Clarification = clar

	if !ready {
		wc.Suspended = true
		return wc, nil
	}

	if err := e.store.UpdateAnalysisStatus(ctx, submissionID, model.AnalysisStatusProcessing); err != nil {
		return nil, eris.Wrap(err, "engine: mark processing")
	}

	appendices, err := e.store.ListAppendices(ctx, submissionID)
	if err != nil {
		return nil, eris.Wrap(err, "engine: load appendices")
	}
	docText, err := extract.WithAppendices(ctx, e.extractor, sub.StorageBucket, sub.StorageKey, appendices)
	if err != nil {
		return nil, eris.Wrap(err, "engine: extract document")
	}

	if err := e.finishScoring(ctx, wc, overlay, docText); err != nil {
		return nil, err
	}
	return wc, nil
}

// finishScoring runs the scoring stage and finalizes the submission. A
// scoring failure marks the submission rejected/failed best-effort and the
// original error is returned.
func (e *Engine) finishScoring(ctx context.Context, wc *model.WorkflowContext, overlay *model.Overlay, docText string) error {
	scoring, err := e.score(ctx, wc, overlay, docText)
	if err != nil {
		e.failSubmission(ctx, wc.SubmissionID)
		return err
	}
	wc.Scoring = scoring
	wc.Suspended = false
	wc.EstimatedCost = e.costs.Completion(e.cfg.Anthropic.Model, wc.TotalUsage.InputTokens, wc.TotalUsage.OutputTokens)

	if err := e.store.FinalizeSubmission(ctx, wc.SubmissionID, model.SubmissionStatusApproved, model.AnalysisStatusCompleted); err != nil {
		return eris.Wrap(err, "engine: finalize submission")
	}

	zap.L().Info("engine: workflow complete",
		zap.String("submission_id", wc.SubmissionID),
		zap.Float64("final_score", scoring.FinalScore),
		zap.Int("total_tokens", wc.TotalUsage.Total()),
		zap.Float64("estimated_cost_usd", wc.EstimatedCost),
	)
	return nil
}

// failSubmission is the best-effort terminal transition on a scoring
// failure. Earlier stages propagate their errors without a terminal write
// so the caller can retry the run; only scoring, which sits past the last
// suspension point, lands the submission in rejected/failed. An error here
// is logged and swallowed so the original failure propagates.
func (e *Engine) failSubmission(ctx context.Context, submissionID string) {
	if err := e.store.FinalizeSubmission(ctx, submissionID, model.SubmissionStatusRejected, model.AnalysisStatusFailed); err != nil {
		zap.L().Warn("engine: failure finalize did not stick",
			zap.String("submission_id", submissionID),
			zap.Error(err),
		)
	}
}

// loadOverlay fetches an overlay together with its criteria. An overlay
// without criteria is usable for the analysis stages but scores nothing, so
// that is left to the scoring stage's average fallback rather than erroring.
func (e *Engine) loadOverlay(ctx context.Context, overlayID string) (*model.Overlay, error) {
	overlay, err := e.store.GetOverlay(ctx, overlayID)
	if err != nil {
		return nil, eris.Wrap(err, "engine: load overlay")
	}
	criteria, err := e.store.ListCriteria(ctx, overlayID)
	if err != nil {
		return nil, eris.Wrap(err, "engine: load criteria")
	}
	overlay.Criteria = criteria
	return overlay, nil
}

// ensureSubmission loads the referenced submission or creates one when the
// caller did not provide an id. Create is idempotent on the id.
func (e *Engine) ensureSubmission(ctx context.Context, req EvaluationRequest) (*model.Submission, error) {
	if req.SubmissionID != "" {
		sub, err := e.store.GetSubmission(ctx, req.SubmissionID)
		if err != nil {
			return nil, eris.Wrap(err, "engine: load submission")
		}
		return sub, nil
	}

	now := time.Now().UTC()
	sub := &model.Submission{
		ID:             uuid.NewString(),
		OverlayID:      req.OverlayID,
		SessionID:      req.SessionID,
		DocumentName:   req.DocumentName,
		StorageBucket:  req.StorageBucket,
		StorageKey:     req.StorageKey,
		Status:         model.SubmissionStatusInReview,
		AnalysisStatus: model.AnalysisStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateSubmission(ctx, sub); err != nil {
		return nil, eris.Wrap(err, "engine: create submission")
	}
	return sub, nil
}

// rebuildContext reconstructs the workflow context of a suspended run from
// the persisted stage reports. Missing reports are an error: a workflow
// cannot be scored without all three stage results on record.
func (e *Engine) rebuildContext(ctx context.Context, sub *model.Submission) (*model.WorkflowContext, *model.Overlay, error) {
	overlay, err := e.loadOverlay(ctx, sub.OverlayID)
	if err != nil {
		return nil, nil, err
	}

	wc := &model.WorkflowContext{
		SubmissionID:  sub.ID,
		DocumentName:  sub.DocumentName,
		StorageBucket: sub.StorageBucket,
		StorageKey:    sub.StorageKey,
		OverlayID:     sub.OverlayID,
		SessionID:     sub.SessionID,
	}

	stages := []struct {
		reportType model.ReportType
		dst        **model.StageResult
	}{
		{model.ReportStructureValidation, &wc.StructureValidation},
		{model.ReportContentAnalysis, &wc.ContentAnalysis},
		{model.ReportGrammarCheck, &wc.GrammarCheck},
	}
	for _, s := range stages {
		raw, err := e.store.GetFeedbackReport(ctx, sub.ID, s.reportType)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "engine: load %s report", s.reportType)
		}
		if raw == nil {
			return nil, nil, eris.Errorf("engine: submission %s has no %s report", sub.ID, s.reportType)
		}
		var result model.StageResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, nil, eris.Wrapf(err, "engine: decode %s report", s.reportType)
		}
		*s.dst = &result
	}

	raw, err := e.store.GetFeedbackReport(ctx, sub.ID, model.ReportOrchestration)
	if err != nil {
		return nil, nil, eris.Wrap(err, "engine: load orchestration report")
	}
	if raw == nil {
		return nil, nil, eris.Errorf("engine: submission %s has no orchestration report", sub.ID)
	}
	var orch model.OrchestrationResult
	if err := json.Unmarshal(raw, &orch); err != nil {
		return nil, nil, eris.Wrap(err, "engine: decode orchestration report")
	}
	wc.Orchestration = &orch

	return wc, overlay, nil
}

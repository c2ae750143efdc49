package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/docsignal/overlay-eval/internal/model"
)

// suspendForClarification persists the orchestrator's open questions and
// parks the submission in awaiting_clarification. The workflow holds no
// in-memory state after this returns; resumption reconstructs everything
// from the store.
func (e *Engine) suspendForClarification(ctx context.Context, wc *model.WorkflowContext, questions []model.ClarificationQuestion) error {
	for i := range questions {
		if questions[i].ID == "" {
			questions[i].ID = uuid.NewString()
		}
	}

	if err := e.store.SaveClarificationQuestions(ctx, wc.SubmissionID, questions); err != nil {
		return eris.Wrap(err, "engine: save clarification questions")
	}
	if err := e.store.UpdateAnalysisStatus(ctx, wc.SubmissionID, model.AnalysisStatusAwaitingClarification); err != nil {
		return eris.Wrap(err, "engine: suspend submission")
	}

	wc.Clarification = &model.Clarification{
		Questions:   questions,
		RequestedAt: time.Now().UTC(),
	}
	wc.Suspended = true

	zap.L().Info("engine: workflow suspended for clarification",
		zap.String("submission_id", wc.SubmissionID),
		zap.Int("questions", len(questions)),
	)
	return nil
}

// clarificationState loads the persisted question/answer records and reports
// whether the workflow may move on to scoring: either every question is
// answered, or the oldest open question has outlived the answer window.
func (e *Engine) clarificationState(ctx context.Context, submissionID string) (*model.Clarification, bool, error) {
	records, err := e.store.ListClarifications(ctx, submissionID)
	if err != nil {
		return nil, false, eris.Wrap(err, "engine: list clarifications")
	}

	clar := &model.Clarification{}
	allAnswered := true
	var oldestOpen time.Time
	for _, rec := range records {
		clar.Questions = append(clar.Questions, rec.ClarificationQuestion)
		if rec.Answered() {
			clar.Answers = append(clar.Answers, model.ClarificationAnswer{
				QuestionID: rec.ID,
				Answer:     rec.Answer,
				AnsweredAt: *rec.AnsweredAt,
			})
			continue
		}
		allAnswered = false
		if oldestOpen.IsZero() || rec.CreatedAt.Before(oldestOpen) {
			oldestOpen = rec.CreatedAt
		}
		if clar.RequestedAt.IsZero() || rec.CreatedAt.Before(clar.RequestedAt) {
			clar.RequestedAt = rec.CreatedAt
		}
	}

	if allAnswered {
		return clar, true, nil
	}

	ttl := time.Duration(e.cfg.Engine.ClarificationTTLHours) * time.Hour
	if ttl > 0 && !oldestOpen.IsZero() && time.Since(oldestOpen) > ttl {
		zap.L().Warn("engine: clarification window expired, proceeding without answers",
			zap.String("submission_id", submissionID),
			zap.Time("requested_at", oldestOpen),
		)
		return clar, true, nil
	}

	return clar, false, nil
}

// clarificationBlock renders answered questions into prompt text for the
// scoring stage. Unanswered questions are included and marked so the scorer
// knows the gap is the submitter's, not the document's.
func clarificationBlock(clar *model.Clarification) string {
	if clar == nil || len(clar.Questions) == 0 {
		return ""
	}
	answers := make(map[string]string, len(clar.Answers))
	for _, a := range clar.Answers {
		answers[a.QuestionID] = a.Answer
	}

	block := "Clarification exchange:\n"
	for _, q := range clar.Questions {
		block += "Q: " + q.Question + "\n"
		if a, ok := answers[q.ID]; ok && a != "" {
			block += "A: " + a + "\n"
		} else {
			block += "A: (no answer provided)\n"
		}
	}
	return block + "\n"
}

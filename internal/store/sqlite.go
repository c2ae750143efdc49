package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/docsignal/overlay-eval/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It exists for
// single-binary local deployments; Postgres is the default backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS overlays (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	document_type   TEXT NOT NULL DEFAULT '',
	purpose         TEXT NOT NULL DEFAULT '',
	when_used       TEXT NOT NULL DEFAULT '',
	process_context TEXT NOT NULL DEFAULT '',
	audience        TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS overlay_criteria (
	id          TEXT PRIMARY KEY,
	overlay_id  TEXT NOT NULL REFERENCES overlays(id),
	name        TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	weight      REAL NOT NULL DEFAULT 1,
	max_score   REAL NOT NULL DEFAULT 100,
	position    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS submissions (
	id              TEXT PRIMARY KEY,
	overlay_id      TEXT NOT NULL,
	session_id      TEXT,
	document_name   TEXT NOT NULL DEFAULT '',
	storage_bucket  TEXT NOT NULL DEFAULT '',
	storage_key     TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'submitted',
	analysis_status TEXT NOT NULL DEFAULT 'pending',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	completed_at    DATETIME
);

CREATE TABLE IF NOT EXISTS submission_appendices (
	submission_id TEXT NOT NULL,
	name          TEXT NOT NULL,
	bucket        TEXT NOT NULL DEFAULT '',
	storage_key   TEXT NOT NULL,
	upload_order  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (submission_id, upload_order)
);

CREATE TABLE IF NOT EXISTS feedback_reports (
	id            TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL,
	report_type   TEXT NOT NULL,
	payload       TEXT NOT NULL,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	UNIQUE (submission_id, report_type)
);

CREATE TABLE IF NOT EXISTS criterion_scores (
	id            TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL,
	criterion_id  TEXT NOT NULL,
	score         REAL NOT NULL,
	reasoning     TEXT NOT NULL DEFAULT '',
	evaluated_by  TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	UNIQUE (submission_id, criterion_id)
);

CREATE TABLE IF NOT EXISTS token_usage (
	id            TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL,
	agent         TEXT NOT NULL,
	model         TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens  INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS clarification_questions (
	id            TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL,
	question      TEXT NOT NULL,
	category      TEXT NOT NULL DEFAULT 'general',
	priority      TEXT NOT NULL DEFAULT 'medium',
	reasoning     TEXT NOT NULL DEFAULT '',
	answer        TEXT,
	answered_at   DATETIME,
	created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_overlay_criteria_overlay ON overlay_criteria(overlay_id);
CREATE INDEX IF NOT EXISTS idx_submissions_overlay ON submissions(overlay_id);
CREATE INDEX IF NOT EXISTS idx_feedback_reports_submission ON feedback_reports(submission_id);
CREATE INDEX IF NOT EXISTS idx_criterion_scores_submission ON criterion_scores(submission_id);
CREATE INDEX IF NOT EXISTS idx_token_usage_submission ON token_usage(submission_id);
CREATE INDEX IF NOT EXISTS idx_clarification_questions_submission ON clarification_questions(submission_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetOverlay(ctx context.Context, overlayID string) (*model.Overlay, error) {
	var o model.Overlay
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, document_type, purpose, when_used, process_context, audience
		 FROM overlays WHERE id = ?`,
		overlayID,
	).Scan(&o.ID, &o.Name, &o.DocumentType, &o.Purpose, &o.WhenUsed, &o.ProcessContext, &o.Audience)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Errorf("overlay not found: %s", overlayID)
		}
		return nil, eris.Wrapf(err, "sqlite: get overlay %s", overlayID)
	}
	return &o, nil
}

func (s *SQLiteStore) ListCriteria(ctx context.Context, overlayID string) ([]model.Criterion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, overlay_id, name, category, description, weight, max_score, position
		 FROM overlay_criteria WHERE overlay_id = ? ORDER BY position, name`,
		overlayID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list criteria for %s", overlayID)
	}
	defer rows.Close()

	var criteria []model.Criterion
	for rows.Next() {
		var c model.Criterion
		if err := rows.Scan(&c.ID, &c.OverlayID, &c.Name, &c.Category, &c.Description, &c.Weight, &c.MaxScore, &c.Position); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan criterion")
		}
		criteria = append(criteria, c)
	}
	return criteria, eris.Wrap(rows.Err(), "sqlite: list criteria iterate")
}

func (s *SQLiteStore) ImportOverlay(ctx context.Context, overlay *model.Overlay) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin import")
	}
	defer tx.Rollback() //nolint:errcheck

	if overlay.ID == "" {
		overlay.ID = uuid.New().String()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO overlays (id, name, document_type, purpose, when_used, process_context, audience, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name, document_type = excluded.document_type, purpose = excluded.purpose,
		   when_used = excluded.when_used, process_context = excluded.process_context, audience = excluded.audience`,
		overlay.ID, overlay.Name, overlay.DocumentType, overlay.Purpose,
		overlay.WhenUsed, overlay.ProcessContext, overlay.Audience, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert overlay %s", overlay.ID)
	}

	for i := range overlay.Criteria {
		c := &overlay.Criteria[i]
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.OverlayID = overlay.ID
		if c.Position == 0 {
			c.Position = i
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO overlay_criteria (id, overlay_id, name, category, description, weight, max_score, position)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
			   name = excluded.name, category = excluded.category, description = excluded.description,
			   weight = excluded.weight, max_score = excluded.max_score, position = excluded.position`,
			c.ID, c.OverlayID, c.Name, c.Category, c.Description, c.Weight, c.MaxScore, c.Position,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert criterion %s", c.Name)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit import")
}

func (s *SQLiteStore) CreateSubmission(ctx context.Context, sub *model.Submission) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if sub.Status == "" {
		sub.Status = model.SubmissionStatusSubmitted
	}
	if sub.AnalysisStatus == "" {
		sub.AnalysisStatus = model.AnalysisStatusPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions
		 (id, overlay_id, session_id, document_name, storage_bucket, storage_key, status, analysis_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		sub.ID, sub.OverlayID, nullable(sub.SessionID), sub.DocumentName,
		sub.StorageBucket, sub.StorageKey, string(sub.Status), string(sub.AnalysisStatus),
		sub.CreatedAt, sub.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: create submission %s", sub.ID)
}

func (s *SQLiteStore) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	var sub model.Submission
	var sessionID *string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, overlay_id, session_id, document_name, storage_bucket, storage_key,
		        status, analysis_status, created_at, updated_at, completed_at
		 FROM submissions WHERE id = ?`,
		id,
	).Scan(&sub.ID, &sub.OverlayID, &sessionID, &sub.DocumentName, &sub.StorageBucket,
		&sub.StorageKey, &sub.Status, &sub.AnalysisStatus, &sub.CreatedAt, &sub.UpdatedAt, &sub.CompletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Errorf("submission not found: %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get submission %s", id)
	}
	if sessionID != nil {
		sub.SessionID = *sessionID
	}
	return &sub, nil
}

func (s *SQLiteStore) UpdateAnalysisStatus(ctx context.Context, id string, status model.AnalysisStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET analysis_status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update analysis status %s", id)
	}
	return checkRowsAffected(res, "submission", id)
}

func (s *SQLiteStore) FinalizeSubmission(ctx context.Context, id string, status model.SubmissionStatus, analysis model.AnalysisStatus) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET status = ?, analysis_status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(status), string(analysis), now, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finalize submission %s", id)
	}
	return checkRowsAffected(res, "submission", id)
}

func (s *SQLiteStore) ReplaceAppendices(ctx context.Context, submissionID string, appendices []model.Appendix) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace appendices")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `DELETE FROM submission_appendices WHERE submission_id = ?`, submissionID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: clear appendices for %s", submissionID)
	}
	for _, app := range appendices {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO submission_appendices (submission_id, name, bucket, storage_key, upload_order)
			 VALUES (?, ?, ?, ?, ?)`,
			submissionID, app.Name, app.Bucket, app.Key, app.UploadOrder,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: save appendix %s for %s", app.Name, submissionID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit replace appendices")
}

func (s *SQLiteStore) ListAppendices(ctx context.Context, submissionID string) ([]model.Appendix, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, bucket, storage_key, upload_order
		 FROM submission_appendices WHERE submission_id = ? ORDER BY upload_order`,
		submissionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list appendices for %s", submissionID)
	}
	defer rows.Close()

	var appendices []model.Appendix
	for rows.Next() {
		var app model.Appendix
		if err := rows.Scan(&app.Name, &app.Bucket, &app.Key, &app.UploadOrder); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan appendix")
		}
		appendices = append(appendices, app)
	}
	return appendices, eris.Wrap(rows.Err(), "sqlite: list appendices iterate")
}

func (s *SQLiteStore) UpsertFeedbackReport(ctx context.Context, submissionID string, reportType model.ReportType, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal report payload")
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO feedback_reports (id, submission_id, report_type, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (submission_id, report_type) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		uuid.New().String(), submissionID, string(reportType), string(payloadJSON), now, now,
	)
	return eris.Wrapf(err, "sqlite: upsert %s report for %s", reportType, submissionID)
}

func (s *SQLiteStore) GetFeedbackReport(ctx context.Context, submissionID string, reportType model.ReportType) ([]byte, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM feedback_reports WHERE submission_id = ? AND report_type = ?`,
		submissionID, string(reportType),
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get %s report for %s", reportType, submissionID)
	}
	return []byte(payload), nil
}

func (s *SQLiteStore) UpsertCriterionScore(ctx context.Context, cs model.CriterionScore) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO criterion_scores (id, submission_id, criterion_id, score, reasoning, evaluated_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (submission_id, criterion_id) DO UPDATE SET
		   score = excluded.score, reasoning = excluded.reasoning,
		   evaluated_by = excluded.evaluated_by, updated_at = excluded.updated_at`,
		uuid.New().String(), cs.SubmissionID, cs.CriterionID, cs.Score, cs.Reasoning, cs.EvaluatedBy, now, now,
	)
	return eris.Wrapf(err, "sqlite: upsert criterion score %s/%s", cs.SubmissionID, cs.CriterionID)
}

func (s *SQLiteStore) ListCriterionScores(ctx context.Context, submissionID string) ([]model.CriterionScore, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cs.submission_id, cs.criterion_id, COALESCE(oc.name, ''), cs.score, cs.reasoning, cs.evaluated_by
		 FROM criterion_scores cs
		 LEFT JOIN overlay_criteria oc ON oc.id = cs.criterion_id
		 WHERE cs.submission_id = ?
		 ORDER BY oc.position, cs.criterion_id`,
		submissionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list criterion scores for %s", submissionID)
	}
	defer rows.Close()

	var scores []model.CriterionScore
	for rows.Next() {
		var cs model.CriterionScore
		if err := rows.Scan(&cs.SubmissionID, &cs.CriterionID, &cs.CriterionName, &cs.Score, &cs.Reasoning, &cs.EvaluatedBy); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan criterion score")
		}
		scores = append(scores, cs)
	}
	return scores, eris.Wrap(rows.Err(), "sqlite: list criterion scores iterate")
}

func (s *SQLiteStore) AppendTokenUsage(ctx context.Context, rec model.TokenUsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_usage (id, submission_id, agent, model, input_tokens, output_tokens, total_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SubmissionID, rec.Agent, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.InputTokens+rec.OutputTokens,
		time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: append token usage for %s", rec.SubmissionID)
}

func (s *SQLiteStore) SaveClarificationQuestions(ctx context.Context, submissionID string, questions []model.ClarificationQuestion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save questions")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, q := range questions {
		id := q.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO clarification_questions (id, submission_id, question, category, priority, reasoning, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
			   question = excluded.question, category = excluded.category,
			   priority = excluded.priority, reasoning = excluded.reasoning`,
			id, submissionID, q.Question, q.Category, q.Priority, q.Reasoning, now,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: save clarification question for %s", submissionID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit save questions")
}

func (s *SQLiteStore) ListClarifications(ctx context.Context, submissionID string) ([]model.ClarificationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, submission_id, question, category, priority, reasoning, answer, answered_at, created_at
		 FROM clarification_questions WHERE submission_id = ? ORDER BY created_at, id`,
		submissionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list clarifications for %s", submissionID)
	}
	defer rows.Close()

	var records []model.ClarificationRecord
	for rows.Next() {
		var r model.ClarificationRecord
		var answer *string
		if err := rows.Scan(&r.ID, &r.SubmissionID, &r.Question, &r.Category, &r.Priority, &r.Reasoning, &answer, &r.AnsweredAt, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan clarification")
		}
		if answer != nil {
			r.Answer = *answer
		}
		records = append(records, r)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list clarifications iterate")
}

func (s *SQLiteStore) RecordClarificationAnswer(ctx context.Context, submissionID, questionID, answer string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clarification_questions SET answer = ?, answered_at = ?
		 WHERE id = ? AND submission_id = ?`,
		answer, time.Now().UTC(), questionID, submissionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record answer %s/%s", submissionID, questionID)
	}
	return checkRowsAffected(res, "clarification_question", questionID)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

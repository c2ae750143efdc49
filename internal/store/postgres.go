package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/docsignal/overlay-eval/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// for unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS overlays (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	document_type   TEXT NOT NULL DEFAULT '',
	purpose         TEXT NOT NULL DEFAULT '',
	when_used       TEXT NOT NULL DEFAULT '',
	process_context TEXT NOT NULL DEFAULT '',
	audience        TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS overlay_criteria (
	id          TEXT PRIMARY KEY,
	overlay_id  TEXT NOT NULL REFERENCES overlays(id),
	name        TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	weight      DOUBLE PRECISION NOT NULL DEFAULT 1,
	max_score   DOUBLE PRECISION NOT NULL DEFAULT 100,
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
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ
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
	payload       JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (submission_id, report_type)
);

CREATE TABLE IF NOT EXISTS criterion_scores (
	id            TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL,
	criterion_id  TEXT NOT NULL,
	score         DOUBLE PRECISION NOT NULL,
	reasoning     TEXT NOT NULL DEFAULT '',
	evaluated_by  TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS clarification_questions (
	id            TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL,
	question      TEXT NOT NULL,
	category      TEXT NOT NULL DEFAULT 'general',
	priority      TEXT NOT NULL DEFAULT 'medium',
	reasoning     TEXT NOT NULL DEFAULT '',
	answer        TEXT,
	answered_at   TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_overlay_criteria_overlay ON overlay_criteria(overlay_id);
CREATE INDEX IF NOT EXISTS idx_submissions_overlay ON submissions(overlay_id);
CREATE INDEX IF NOT EXISTS idx_submissions_analysis_status ON submissions(analysis_status);
CREATE INDEX IF NOT EXISTS idx_feedback_reports_submission ON feedback_reports(submission_id);
CREATE INDEX IF NOT EXISTS idx_criterion_scores_submission ON criterion_scores(submission_id);
CREATE INDEX IF NOT EXISTS idx_token_usage_submission ON token_usage(submission_id);
CREATE INDEX IF NOT EXISTS idx_clarification_questions_submission ON clarification_questions(submission_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetOverlay(ctx context.Context, overlayID string) (*model.Overlay, error) {
	var o model.Overlay
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, document_type, purpose, when_used, process_context, audience
		 FROM overlays WHERE id = $1`,
		overlayID,
	).Scan(&o.ID, &o.Name, &o.DocumentType, &o.Purpose, &o.WhenUsed, &o.ProcessContext, &o.Audience)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("overlay not found: %s", overlayID)
		}
		return nil, eris.Wrapf(err, "postgres: get overlay %s", overlayID)
	}
	return &o, nil
}

func (s *PostgresStore) ListCriteria(ctx context.Context, overlayID string) ([]model.Criterion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, overlay_id, name, category, description, weight, max_score, position
		 FROM overlay_criteria WHERE overlay_id = $1 ORDER BY position, name`,
		overlayID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list criteria for %s", overlayID)
	}
	defer rows.Close()

	var criteria []model.Criterion
	for rows.Next() {
		var c model.Criterion
		if err := rows.Scan(&c.ID, &c.OverlayID, &c.Name, &c.Category, &c.Description, &c.Weight, &c.MaxScore, &c.Position); err != nil {
			return nil, eris.Wrap(err, "postgres: scan criterion")
		}
		criteria = append(criteria, c)
	}
	return criteria, eris.Wrap(rows.Err(), "postgres: list criteria iterate")
}

func (s *PostgresStore) ImportOverlay(ctx context.Context, overlay *model.Overlay) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin import")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if overlay.ID == "" {
		overlay.ID = uuid.New().String()
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO overlays (id, name, document_type, purpose, when_used, process_context, audience)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   name = $2, document_type = $3, purpose = $4, when_used = $5, process_context = $6, audience = $7`,
		overlay.ID, overlay.Name, overlay.DocumentType, overlay.Purpose,
		overlay.WhenUsed, overlay.ProcessContext, overlay.Audience,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert overlay %s", overlay.ID)
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
		_, err = tx.Exec(ctx,
			`INSERT INTO overlay_criteria (id, overlay_id, name, category, description, weight, max_score, position)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO UPDATE SET
			   name = $3, category = $4, description = $5, weight = $6, max_score = $7, position = $8`,
			c.ID, c.OverlayID, c.Name, c.Category, c.Description, c.Weight, c.MaxScore, c.Position,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: upsert criterion %s", c.Name)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit import")
}

func (s *PostgresStore) CreateSubmission(ctx context.Context, sub *model.Submission) error {
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

	// ON CONFLICT DO NOTHING keeps submission creation idempotent against
	// stage re-invocation with an existing id.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO submissions
		 (id, overlay_id, session_id, document_name, storage_bucket, storage_key, status, analysis_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		sub.ID, sub.OverlayID, nullable(sub.SessionID), sub.DocumentName,
		sub.StorageBucket, sub.StorageKey, string(sub.Status), string(sub.AnalysisStatus),
		sub.CreatedAt, sub.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: create submission %s", sub.ID)
}

func (s *PostgresStore) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	var sub model.Submission
	var sessionID *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, overlay_id, session_id, document_name, storage_bucket, storage_key,
		        status, analysis_status, created_at, updated_at, completed_at
		 FROM submissions WHERE id = $1`,
		id,
	).Scan(&sub.ID, &sub.OverlayID, &sessionID, &sub.DocumentName, &sub.StorageBucket,
		&sub.StorageKey, &sub.Status, &sub.AnalysisStatus, &sub.CreatedAt, &sub.UpdatedAt, &sub.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("submission not found: %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get submission %s", id)
	}
	if sessionID != nil {
		sub.SessionID = *sessionID
	}
	return &sub, nil
}

func (s *PostgresStore) UpdateAnalysisStatus(ctx context.Context, id string, status model.AnalysisStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE submissions SET analysis_status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update analysis status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("submission not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) FinalizeSubmission(ctx context.Context, id string, status model.SubmissionStatus, analysis model.AnalysisStatus) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE submissions SET status = $1, analysis_status = $2, completed_at = $3, updated_at = $3 WHERE id = $4`,
		string(status), string(analysis), now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finalize submission %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("submission not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) ReplaceAppendices(ctx context.Context, submissionID string, appendices []model.Appendix) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin replace appendices")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `DELETE FROM submission_appendices WHERE submission_id = $1`, submissionID)
	if err != nil {
		return eris.Wrapf(err, "postgres: clear appendices for %s", submissionID)
	}
	for _, app := range appendices {
		_, err = tx.Exec(ctx,
			`INSERT INTO submission_appendices (submission_id, name, bucket, storage_key, upload_order)
			 VALUES ($1, $2, $3, $4, $5)`,
			submissionID, app.Name, app.Bucket, app.Key, app.UploadOrder,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: save appendix %s for %s", app.Name, submissionID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit replace appendices")
}

func (s *PostgresStore) ListAppendices(ctx context.Context, submissionID string) ([]model.Appendix, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, bucket, storage_key, upload_order
		 FROM submission_appendices WHERE submission_id = $1 ORDER BY upload_order`,
		submissionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list appendices for %s", submissionID)
	}
	defer rows.Close()

	var appendices []model.Appendix
	for rows.Next() {
		var app model.Appendix
		if err := rows.Scan(&app.Name, &app.Bucket, &app.Key, &app.UploadOrder); err != nil {
			return nil, eris.Wrap(err, "postgres: scan appendix")
		}
		appendices = append(appendices, app)
	}
	return appendices, eris.Wrap(rows.Err(), "postgres: list appendices iterate")
}

func (s *PostgresStore) UpsertFeedbackReport(ctx context.Context, submissionID string, reportType model.ReportType, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report payload")
	}

	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO feedback_reports (id, submission_id, report_type, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (submission_id, report_type) DO UPDATE SET payload = $4, updated_at = $5`,
		uuid.New().String(), submissionID, string(reportType), payloadJSON, now,
	)
	return eris.Wrapf(err, "postgres: upsert %s report for %s", reportType, submissionID)
}

func (s *PostgresStore) GetFeedbackReport(ctx context.Context, submissionID string, reportType model.ReportType) ([]byte, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM feedback_reports WHERE submission_id = $1 AND report_type = $2`,
		submissionID, string(reportType),
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get %s report for %s", reportType, submissionID)
	}
	return payload, nil
}

func (s *PostgresStore) UpsertCriterionScore(ctx context.Context, cs model.CriterionScore) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO criterion_scores (id, submission_id, criterion_id, score, reasoning, evaluated_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (submission_id, criterion_id) DO UPDATE SET
		   score = $4, reasoning = $5, evaluated_by = $6, updated_at = $7`,
		uuid.New().String(), cs.SubmissionID, cs.CriterionID, cs.Score, cs.Reasoning, cs.EvaluatedBy, now,
	)
	return eris.Wrapf(err, "postgres: upsert criterion score %s/%s", cs.SubmissionID, cs.CriterionID)
}

func (s *PostgresStore) ListCriterionScores(ctx context.Context, submissionID string) ([]model.CriterionScore, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT cs.submission_id, cs.criterion_id, COALESCE(oc.name, ''), cs.score, cs.reasoning, cs.evaluated_by
		 FROM criterion_scores cs
		 LEFT JOIN overlay_criteria oc ON oc.id = cs.criterion_id
		 WHERE cs.submission_id = $1
		 ORDER BY oc.position, cs.criterion_id`,
		submissionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list criterion scores for %s", submissionID)
	}
	defer rows.Close()

	var scores []model.CriterionScore
	for rows.Next() {
		var cs model.CriterionScore
		if err := rows.Scan(&cs.SubmissionID, &cs.CriterionID, &cs.CriterionName, &cs.Score, &cs.Reasoning, &cs.EvaluatedBy); err != nil {
			return nil, eris.Wrap(err, "postgres: scan criterion score")
		}
		scores = append(scores, cs)
	}
	return scores, eris.Wrap(rows.Err(), "postgres: list criterion scores iterate")
}

func (s *PostgresStore) AppendTokenUsage(ctx context.Context, rec model.TokenUsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO token_usage (id, submission_id, agent, model, input_tokens, output_tokens, total_tokens, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.SubmissionID, rec.Agent, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.InputTokens+rec.OutputTokens,
		time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: append token usage for %s", rec.SubmissionID)
}

func (s *PostgresStore) SaveClarificationQuestions(ctx context.Context, submissionID string, questions []model.ClarificationQuestion) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save questions")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	for _, q := range questions {
		id := q.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO clarification_questions (id, submission_id, question, category, priority, reasoning, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE SET question = $3, category = $4, priority = $5, reasoning = $6`,
			id, submissionID, q.Question, q.Category, q.Priority, q.Reasoning, now,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: save clarification question for %s", submissionID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit save questions")
}

func (s *PostgresStore) ListClarifications(ctx context.Context, submissionID string) ([]model.ClarificationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, submission_id, question, category, priority, reasoning, answer, answered_at, created_at
		 FROM clarification_questions WHERE submission_id = $1 ORDER BY created_at, id`,
		submissionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list clarifications for %s", submissionID)
	}
	defer rows.Close()

	var records []model.ClarificationRecord
	for rows.Next() {
		var r model.ClarificationRecord
		var answer *string
		if err := rows.Scan(&r.ID, &r.SubmissionID, &r.Question, &r.Category, &r.Priority, &r.Reasoning, &answer, &r.AnsweredAt, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan clarification")
		}
		if answer != nil {
			r.Answer = *answer
		}
		records = append(records, r)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list clarifications iterate")
}

func (s *PostgresStore) RecordClarificationAnswer(ctx context.Context, submissionID, questionID, answer string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE clarification_questions SET answer = $1, answered_at = $2
		 WHERE id = $3 AND submission_id = $4`,
		answer, time.Now().UTC(), questionID, submissionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record answer %s/%s", submissionID, questionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("clarification question not found: %s", questionID)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

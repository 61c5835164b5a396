package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amarmakonis/assessment-engine/internal/domain"
)

// NewPostgresStore bundles Postgres-backed implementations of every port.
// Entities are persisted as JSONB documents with the columns the task graph
// conditions on (status, run id, idempotency key) broken out for indexing
// and compare-and-set updates.
func NewPostgresStore(pool *pgxpool.Pool) *Store {
	return &Store{
		Uploads:     &pgUploads{pool},
		Exams:       &pgExams{pool},
		Scripts:     &pgScripts{pool},
		OCRPages:    &pgOCRPages{pool},
		Results:     &pgResults{pool},
		Completions: &pgCompletions{pool},
	}
}

type pgUploads struct{ pool *pgxpool.Pool }

func (r *pgUploads) Create(ctx context.Context, u *domain.UploadedScript) error {
	doc, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal upload: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO uploads (id, exam_id, status, doc, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.ExamID, string(u.UploadStatus), doc, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert upload %s: %w", u.ID, err)
	}
	return nil
}

func (r *pgUploads) Get(ctx context.Context, id string) (*domain.UploadedScript, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx, `SELECT doc FROM uploads WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: upload %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select upload %s: %w", id, err)
	}
	var u domain.UploadedScript
	if err := json.Unmarshal(doc, &u); err != nil {
		return nil, fmt.Errorf("decode upload %s: %w", id, err)
	}
	return &u, nil
}

// Transition performs the compare-and-set inside a transaction: the row is
// locked, the machine checked, and the update conditioned on the expected
// status so a replayed task observes ErrConflict instead of re-transitioning.
func (r *pgUploads) Transition(ctx context.Context, id string, from, to domain.UploadStatus, reason string) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		var doc []byte
		err := tx.QueryRow(ctx, `SELECT doc FROM uploads WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: upload %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("lock upload %s: %w", id, err)
		}

		var u domain.UploadedScript
		if err := json.Unmarshal(doc, &u); err != nil {
			return fmt.Errorf("decode upload %s: %w", id, err)
		}
		if u.UploadStatus != from {
			return fmt.Errorf("%w: upload %s is %s, expected %s", ErrConflict, id, u.UploadStatus, from)
		}
		if err := u.Transition(to, reason); err != nil {
			return err
		}
		return r.writeDoc(ctx, tx, &u)
	})
}

func (r *pgUploads) writeDoc(ctx context.Context, tx pgx.Tx, u *domain.UploadedScript) error {
	doc, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal upload: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE uploads SET doc = $2, status = $3, updated_at = $4 WHERE id = $1`,
		u.ID, doc, string(u.UploadStatus), u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update upload %s: %w", u.ID, err)
	}
	return nil
}

func (r *pgUploads) SetPageCount(ctx context.Context, id string, pages int) error {
	return r.patch(ctx, id, func(u *domain.UploadedScript) {
		u.PageCount = pages
		u.UpdatedAt = time.Now().UTC()
	})
}

func (r *pgUploads) SetScriptID(ctx context.Context, id, scriptID string) error {
	return r.patch(ctx, id, func(u *domain.UploadedScript) {
		u.ScriptID = scriptID
		u.UpdatedAt = time.Now().UTC()
	})
}

func (r *pgUploads) patch(ctx context.Context, id string, mutate func(*domain.UploadedScript)) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		var doc []byte
		err := tx.QueryRow(ctx, `SELECT doc FROM uploads WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: upload %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("lock upload %s: %w", id, err)
		}
		var u domain.UploadedScript
		if err := json.Unmarshal(doc, &u); err != nil {
			return fmt.Errorf("decode upload %s: %w", id, err)
		}
		mutate(&u)
		return r.writeDoc(ctx, tx, &u)
	})
}

func (r *pgUploads) ListByExam(ctx context.Context, examID string) ([]domain.UploadedScript, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT doc FROM uploads WHERE exam_id = $1 ORDER BY created_at`, examID)
	if err != nil {
		return nil, fmt.Errorf("list uploads for exam %s: %w", examID, err)
	}
	defer rows.Close()

	var out []domain.UploadedScript
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var u domain.UploadedScript
		if err := json.Unmarshal(doc, &u); err != nil {
			return nil, fmt.Errorf("decode upload: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type pgExams struct{ pool *pgxpool.Pool }

func (r *pgExams) Create(ctx context.Context, e *domain.Exam) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal exam: %w", err)
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO exams (id, doc) VALUES ($1, $2)`, e.ID, doc)
	if err != nil {
		return fmt.Errorf("insert exam %s: %w", e.ID, err)
	}
	return nil
}

func (r *pgExams) Get(ctx context.Context, id string) (*domain.Exam, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx, `SELECT doc FROM exams WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: exam %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select exam %s: %w", id, err)
	}
	var e domain.Exam
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, fmt.Errorf("decode exam %s: %w", id, err)
	}
	return &e, nil
}

type pgScripts struct{ pool *pgxpool.Pool }

func (r *pgScripts) Create(ctx context.Context, s *domain.Script) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal script: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO scripts (id, upload_id, run_id, doc, created_at) VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.UploadID, s.CurrentRunID, doc, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert script %s: %w", s.ID, err)
	}
	return nil
}

func (r *pgScripts) Get(ctx context.Context, id string) (*domain.Script, error) {
	return r.scan(r.pool.QueryRow(ctx, `SELECT doc FROM scripts WHERE id = $1`, id), id)
}

func (r *pgScripts) GetByUpload(ctx context.Context, uploadID string) (*domain.Script, error) {
	return r.scan(r.pool.QueryRow(ctx, `SELECT doc FROM scripts WHERE upload_id = $1`, uploadID), uploadID)
}

func (r *pgScripts) scan(row pgx.Row, ref string) (*domain.Script, error) {
	var doc []byte
	err := row.Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: script %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("select script %s: %w", ref, err)
	}
	var s domain.Script
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("decode script %s: %w", ref, err)
	}
	return &s, nil
}

func (r *pgScripts) Update(ctx context.Context, s *domain.Script) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal script: %w", err)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE scripts SET doc = $2, run_id = $3 WHERE id = $1`, s.ID, doc, s.CurrentRunID)
	if err != nil {
		return fmt.Errorf("update script %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: script %s", ErrNotFound, s.ID)
	}
	return nil
}

func (r *pgScripts) SetRunID(ctx context.Context, id, runID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE scripts
		 SET run_id = $2, doc = jsonb_set(doc, '{currentRunId}', to_jsonb($2::text))
		 WHERE id = $1`,
		id, runID)
	if err != nil {
		return fmt.Errorf("set run id on script %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: script %s", ErrNotFound, id)
	}
	return nil
}

type pgOCRPages struct{ pool *pgxpool.Pool }

func (r *pgOCRPages) Save(ctx context.Context, page domain.OCRPageResult) error {
	doc, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("marshal ocr page: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO ocr_pages (upload_id, page_number, doc)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (upload_id, page_number) DO UPDATE SET doc = EXCLUDED.doc`,
		page.UploadID, page.PageNumber, doc)
	if err != nil {
		return fmt.Errorf("upsert ocr page %s/%d: %w", page.UploadID, page.PageNumber, err)
	}
	return nil
}

func (r *pgOCRPages) ListByUpload(ctx context.Context, uploadID string) ([]domain.OCRPageResult, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT doc FROM ocr_pages WHERE upload_id = $1 ORDER BY page_number`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("list ocr pages for %s: %w", uploadID, err)
	}
	defer rows.Close()

	var out []domain.OCRPageResult
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var p domain.OCRPageResult
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, fmt.Errorf("decode ocr page: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type pgResults struct{ pool *pgxpool.Pool }

// Save upserts by idempotency key after verifying the run id is still the
// script's current one. Orphaned completions from superseded runs are
// rejected with ErrStaleRun and discarded by the caller.
func (r *pgResults) Save(ctx context.Context, res *domain.EvaluationResult) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		var currentRun string
		err := tx.QueryRow(ctx, `SELECT run_id FROM scripts WHERE id = $1 FOR SHARE`, res.ScriptID).Scan(&currentRun)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: script %s", ErrNotFound, res.ScriptID)
		}
		if err != nil {
			return fmt.Errorf("select script run %s: %w", res.ScriptID, err)
		}
		if currentRun != "" && currentRun != res.RunID {
			return fmt.Errorf("%w: result run %s, script run %s", ErrStaleRun, res.RunID, currentRun)
		}

		doc, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO results (id, script_id, question_id, run_id, idempotency_key, doc, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (idempotency_key) DO UPDATE SET doc = EXCLUDED.doc`,
			res.ID, res.ScriptID, res.QuestionID, res.RunID, res.IdempotencyKey, doc, res.CreatedAt)
		if err != nil {
			return fmt.Errorf("upsert result %s: %w", res.ID, err)
		}
		return nil
	})
}

func (r *pgResults) Get(ctx context.Context, id string) (*domain.EvaluationResult, error) {
	return scanResult(r.pool.QueryRow(ctx, `SELECT doc FROM results WHERE id = $1`, id), id)
}

func (r *pgResults) FindByRunAndQuestion(ctx context.Context, runID, questionID string) (*domain.EvaluationResult, error) {
	return scanResult(r.pool.QueryRow(ctx,
		`SELECT doc FROM results WHERE run_id = $1 AND question_id = $2`, runID, questionID),
		runID+"/"+questionID)
}

func (r *pgResults) ListByScript(ctx context.Context, scriptID string) ([]domain.EvaluationResult, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT doc FROM results WHERE script_id = $1 ORDER BY created_at, question_id`, scriptID)
	if err != nil {
		return nil, fmt.Errorf("list results for script %s: %w", scriptID, err)
	}
	defer rows.Close()

	var out []domain.EvaluationResult
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var res domain.EvaluationResult
		if err := json.Unmarshal(doc, &res); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *pgResults) Update(ctx context.Context, res *domain.EvaluationResult) error {
	doc, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `UPDATE results SET doc = $2 WHERE id = $1`, res.ID, doc)
	if err != nil {
		return fmt.Errorf("update result %s: %w", res.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: result %s", ErrNotFound, res.ID)
	}
	return nil
}

func scanResult(row pgx.Row, ref string) (*domain.EvaluationResult, error) {
	var doc []byte
	err := row.Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: result %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("select result %s: %w", ref, err)
	}
	var res domain.EvaluationResult
	if err := json.Unmarshal(doc, &res); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", ref, err)
	}
	return &res, nil
}

type pgCompletions struct{ pool *pgxpool.Pool }

// MarkDone inserts the sibling with ON CONFLICT DO NOTHING; only a first
// insertion can be the completing one, so duplicated deliveries never
// re-fire a continuation.
func (r *pgCompletions) MarkDone(ctx context.Context, key, member string, expected int) (bool, bool, error) {
	var done, first bool
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		// Serialize siblings of one key so each count sees every earlier
		// committed insertion.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return fmt.Errorf("lock completions %s: %w", key, err)
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO completions (fan_key, member) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			key, member)
		if err != nil {
			return fmt.Errorf("insert completion %s/%s: %w", key, member, err)
		}
		first = tag.RowsAffected() == 1
		if !first {
			return nil
		}

		var count int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM completions WHERE fan_key = $1`, key).Scan(&count); err != nil {
			return fmt.Errorf("count completions %s: %w", key, err)
		}
		done = count >= expected
		return nil
	})
	return done, first, err
}

func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

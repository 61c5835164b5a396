// Package store defines the persistence ports the task graph reaches state
// through, plus the in-memory and Postgres implementations. All status
// transitions are conditional (compare-and-set); fan-in continuations use a
// deduplicating completion set so duplicated task deliveries cannot fire a
// continuation twice.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/amarmakonis/assessment-engine/internal/domain"
)

// Store-level sentinel errors.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict indicates a conditional update lost: the entity was not in
	// the expected state.
	ErrConflict = errors.New("conditional update conflict")

	// ErrStaleRun indicates a result write under a superseded run id.
	ErrStaleRun = errors.New("stale run id")
)

// Uploads persists UploadedScript records.
type Uploads interface {
	Create(ctx context.Context, u *domain.UploadedScript) error
	Get(ctx context.Context, id string) (*domain.UploadedScript, error)

	// Transition moves the upload from one status to another atomically.
	// Returns ErrConflict when the upload is not in the from status, letting
	// replayed tasks detect already-reached targets without side effects.
	Transition(ctx context.Context, id string, from, to domain.UploadStatus, reason string) error

	SetPageCount(ctx context.Context, id string, pages int) error
	SetScriptID(ctx context.Context, id, scriptID string) error
	ListByExam(ctx context.Context, examID string) ([]domain.UploadedScript, error)
}

// Exams persists exam definitions.
type Exams interface {
	Create(ctx context.Context, e *domain.Exam) error
	Get(ctx context.Context, id string) (*domain.Exam, error)
}

// Scripts persists post-segmentation scripts.
type Scripts interface {
	Create(ctx context.Context, s *domain.Script) error
	Get(ctx context.Context, id string) (*domain.Script, error)
	GetByUpload(ctx context.Context, uploadID string) (*domain.Script, error)

	// Update rewrites an existing script (re-segmentation).
	Update(ctx context.Context, s *domain.Script) error

	// SetRunID supersedes the script's active evaluation run.
	SetRunID(ctx context.Context, id, runID string) error
}

// OCRPages persists per-page extraction results. Save is an idempotent
// upsert on (uploadID, pageNumber) so task replays converge on one terminal
// record per page.
type OCRPages interface {
	Save(ctx context.Context, r domain.OCRPageResult) error
	ListByUpload(ctx context.Context, uploadID string) ([]domain.OCRPageResult, error)
}

// Results persists evaluation results.
type Results interface {
	// Save upserts by idempotency key, guarded by the script's current run
	// id: writes under a superseded run return ErrStaleRun and are discarded.
	Save(ctx context.Context, r *domain.EvaluationResult) error

	Get(ctx context.Context, id string) (*domain.EvaluationResult, error)
	FindByRunAndQuestion(ctx context.Context, runID, questionID string) (*domain.EvaluationResult, error)
	ListByScript(ctx context.Context, scriptID string) ([]domain.EvaluationResult, error)

	// Update rewrites an existing result (reviewer override).
	Update(ctx context.Context, r *domain.EvaluationResult) error
}

// Completions is the fan-in primitive: a persisted set of finished siblings
// per key. MarkDone records one sibling and reports whether this call is the
// one that completed the set — exactly one caller observes done=true even
// under duplicated deliveries, because duplicates are not first insertions.
type Completions interface {
	MarkDone(ctx context.Context, key, member string, expected int) (done bool, first bool, err error)
}

// Locker guards a unit of work with a TTL lock. A nil Locker disables
// locking; correctness then rests on the idempotency index alone.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Store bundles every port a worker needs.
type Store struct {
	Uploads     Uploads
	Exams       Exams
	Scripts     Scripts
	OCRPages    OCRPages
	Results     Results
	Completions Completions
}

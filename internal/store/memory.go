package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amarmakonis/assessment-engine/internal/domain"
)

// memoryState is the shared backing data for the in-memory store. Entities
// are copied on the way in and out so callers never share mutable state.
type memoryState struct {
	mu          sync.RWMutex
	uploads     map[string]domain.UploadedScript
	exams       map[string]domain.Exam
	scripts     map[string]domain.Script
	ocrPages    map[string]map[int]domain.OCRPageResult
	results     map[string]domain.EvaluationResult
	completions map[string]map[string]struct{}
}

// NewMemoryStore creates an in-process Store for development and tests.
// All ports are safe for concurrent use.
func NewMemoryStore() *Store {
	s := &memoryState{
		uploads:     make(map[string]domain.UploadedScript),
		exams:       make(map[string]domain.Exam),
		scripts:     make(map[string]domain.Script),
		ocrPages:    make(map[string]map[int]domain.OCRPageResult),
		results:     make(map[string]domain.EvaluationResult),
		completions: make(map[string]map[string]struct{}),
	}
	return &Store{
		Uploads:     &memoryUploads{s},
		Exams:       &memoryExams{s},
		Scripts:     &memoryScripts{s},
		OCRPages:    &memoryOCRPages{s},
		Results:     &memoryResults{s},
		Completions: &memoryCompletions{s},
	}
}

type memoryUploads struct{ s *memoryState }

func (r *memoryUploads) Create(_ context.Context, u *domain.UploadedScript) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.uploads[u.ID]; exists {
		return fmt.Errorf("%w: upload %s", ErrConflict, u.ID)
	}
	r.s.uploads[u.ID] = *u
	return nil
}

func (r *memoryUploads) Get(_ context.Context, id string) (*domain.UploadedScript, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	u, ok := r.s.uploads[id]
	if !ok {
		return nil, fmt.Errorf("%w: upload %s", ErrNotFound, id)
	}
	out := u
	return &out, nil
}

func (r *memoryUploads) Transition(_ context.Context, id string, from, to domain.UploadStatus, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.uploads[id]
	if !ok {
		return fmt.Errorf("%w: upload %s", ErrNotFound, id)
	}
	if u.UploadStatus != from {
		return fmt.Errorf("%w: upload %s is %s, expected %s", ErrConflict, id, u.UploadStatus, from)
	}
	if err := u.Transition(to, reason); err != nil {
		return err
	}
	r.s.uploads[id] = u
	return nil
}

func (r *memoryUploads) SetPageCount(_ context.Context, id string, pages int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.uploads[id]
	if !ok {
		return fmt.Errorf("%w: upload %s", ErrNotFound, id)
	}
	u.PageCount = pages
	u.UpdatedAt = time.Now().UTC()
	r.s.uploads[id] = u
	return nil
}

func (r *memoryUploads) SetScriptID(_ context.Context, id, scriptID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.uploads[id]
	if !ok {
		return fmt.Errorf("%w: upload %s", ErrNotFound, id)
	}
	u.ScriptID = scriptID
	u.UpdatedAt = time.Now().UTC()
	r.s.uploads[id] = u
	return nil
}

func (r *memoryUploads) ListByExam(_ context.Context, examID string) ([]domain.UploadedScript, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.UploadedScript
	for _, u := range r.s.uploads {
		if u.ExamID == examID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memoryExams struct{ s *memoryState }

func (r *memoryExams) Create(_ context.Context, e *domain.Exam) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.exams[e.ID]; exists {
		return fmt.Errorf("%w: exam %s", ErrConflict, e.ID)
	}
	r.s.exams[e.ID] = *e
	return nil
}

func (r *memoryExams) Get(_ context.Context, id string) (*domain.Exam, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	e, ok := r.s.exams[id]
	if !ok {
		return nil, fmt.Errorf("%w: exam %s", ErrNotFound, id)
	}
	out := e
	return &out, nil
}

type memoryScripts struct{ s *memoryState }

func (r *memoryScripts) Create(_ context.Context, sc *domain.Script) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.scripts[sc.ID]; exists {
		return fmt.Errorf("%w: script %s", ErrConflict, sc.ID)
	}
	r.s.scripts[sc.ID] = *sc
	return nil
}

func (r *memoryScripts) Get(_ context.Context, id string) (*domain.Script, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sc, ok := r.s.scripts[id]
	if !ok {
		return nil, fmt.Errorf("%w: script %s", ErrNotFound, id)
	}
	out := sc
	return &out, nil
}

func (r *memoryScripts) GetByUpload(_ context.Context, uploadID string) (*domain.Script, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, sc := range r.s.scripts {
		if sc.UploadID == uploadID {
			out := sc
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: script for upload %s", ErrNotFound, uploadID)
}

func (r *memoryScripts) Update(_ context.Context, sc *domain.Script) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.scripts[sc.ID]; !ok {
		return fmt.Errorf("%w: script %s", ErrNotFound, sc.ID)
	}
	r.s.scripts[sc.ID] = *sc
	return nil
}

func (r *memoryScripts) SetRunID(_ context.Context, id, runID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sc, ok := r.s.scripts[id]
	if !ok {
		return fmt.Errorf("%w: script %s", ErrNotFound, id)
	}
	sc.CurrentRunID = runID
	r.s.scripts[id] = sc
	return nil
}

type memoryOCRPages struct{ s *memoryState }

func (r *memoryOCRPages) Save(_ context.Context, page domain.OCRPageResult) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	pages, ok := r.s.ocrPages[page.UploadID]
	if !ok {
		pages = make(map[int]domain.OCRPageResult)
		r.s.ocrPages[page.UploadID] = pages
	}
	pages[page.PageNumber] = page
	return nil
}

func (r *memoryOCRPages) ListByUpload(_ context.Context, uploadID string) ([]domain.OCRPageResult, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	pages := r.s.ocrPages[uploadID]
	out := make([]domain.OCRPageResult, 0, len(pages))
	for _, p := range pages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out, nil
}

type memoryResults struct{ s *memoryState }

func (r *memoryResults) Save(_ context.Context, res *domain.EvaluationResult) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	script, ok := r.s.scripts[res.ScriptID]
	if !ok {
		return fmt.Errorf("%w: script %s", ErrNotFound, res.ScriptID)
	}
	if script.CurrentRunID != "" && script.CurrentRunID != res.RunID {
		return fmt.Errorf("%w: result run %s, script run %s", ErrStaleRun, res.RunID, script.CurrentRunID)
	}

	for id, existing := range r.s.results {
		if existing.IdempotencyKey == res.IdempotencyKey {
			res.ID = existing.ID
			r.s.results[id] = *res
			return nil
		}
	}
	r.s.results[res.ID] = *res
	return nil
}

func (r *memoryResults) Get(_ context.Context, id string) (*domain.EvaluationResult, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	res, ok := r.s.results[id]
	if !ok {
		return nil, fmt.Errorf("%w: result %s", ErrNotFound, id)
	}
	out := res
	return &out, nil
}

func (r *memoryResults) FindByRunAndQuestion(_ context.Context, runID, questionID string) (*domain.EvaluationResult, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, res := range r.s.results {
		if res.RunID == runID && res.QuestionID == questionID {
			out := res
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: result for run %s question %s", ErrNotFound, runID, questionID)
}

func (r *memoryResults) ListByScript(_ context.Context, scriptID string) ([]domain.EvaluationResult, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.EvaluationResult
	for _, res := range r.s.results {
		if res.ScriptID == scriptID {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].QuestionID < out[j].QuestionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *memoryResults) Update(_ context.Context, res *domain.EvaluationResult) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.results[res.ID]; !ok {
		return fmt.Errorf("%w: result %s", ErrNotFound, res.ID)
	}
	r.s.results[res.ID] = *res
	return nil
}

type memoryCompletions struct{ s *memoryState }

func (r *memoryCompletions) MarkDone(_ context.Context, key, member string, expected int) (bool, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	set, ok := r.s.completions[key]
	if !ok {
		set = make(map[string]struct{})
		r.s.completions[key] = set
	}
	if _, dup := set[member]; dup {
		return false, false, nil
	}
	set[member] = struct{}{}
	return len(set) >= expected, true, nil
}

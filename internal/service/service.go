// Package service is the engine's facade for external collaborators: script
// submission, status reads, re-segmentation, re-evaluation, and reviewer
// overrides. It owns synchronous input validation; everything asynchronous
// is observed through entity state.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"

	"github.com/amarmakonis/assessment-engine/internal/config"
	"github.com/amarmakonis/assessment-engine/internal/domain"
	"github.com/amarmakonis/assessment-engine/internal/storage"
	"github.com/amarmakonis/assessment-engine/internal/store"
	"github.com/amarmakonis/assessment-engine/internal/workflow"
)

// Submission rejection errors, surfaced synchronously.
var (
	ErrUnsupportedMime = errors.New("unsupported mime type")
	ErrFileTooLarge    = errors.New("file exceeds size limit")
	ErrExamNotFound    = errors.New("exam not found")
)

// WorkflowStarter is the slice of the Temporal client the service needs.
// client.Client satisfies it.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Service exposes the engine's operations to its callers.
type Service struct {
	st       *store.Store
	files    storage.Provider
	temporal WorkflowStarter
	cfg      *config.Config
	logger   *slog.Logger
}

// New creates the service facade.
func New(st *store.Store, files storage.Provider, starter WorkflowStarter, cfg *config.Config, logger *slog.Logger) *Service {
	return &Service{st: st, files: files, temporal: starter, cfg: cfg, logger: logger}
}

// SubmitRequest carries one script submission.
type SubmitRequest struct {
	ExamID   string
	Student  domain.StudentMeta
	File     []byte
	Filename string
	MimeType string
}

// SubmitUpload validates the submission, persists the bytes, records the
// upload, and starts its processing workflow. Rejections are synchronous;
// everything after acceptance is observed via GetUpload.
func (s *Service) SubmitUpload(ctx context.Context, req SubmitRequest) (string, error) {
	if !slices.Contains(s.cfg.AllowedMimeTypes, req.MimeType) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMime, req.MimeType)
	}
	if int64(len(req.File)) > s.cfg.MaxUploadBytes {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, len(req.File), s.cfg.MaxUploadBytes)
	}
	if _, err := s.st.Exams.Get(ctx, req.ExamID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrExamNotFound, req.ExamID)
		}
		return "", fmt.Errorf("look up exam: %w", err)
	}

	fileKey := fmt.Sprintf("uploads/%s/%s", req.ExamID, uuid.New().String())
	if _, err := s.files.Put(ctx, fileKey, req.File, req.MimeType); err != nil {
		return "", fmt.Errorf("store upload bytes: %w", err)
	}

	upload, err := domain.NewUploadedScript(req.ExamID, req.Student, fileKey, req.Filename, req.MimeType, int64(len(req.File)))
	if err != nil {
		return "", fmt.Errorf("%s: %w", domain.KindValidation, err)
	}
	if err := s.st.Uploads.Create(ctx, upload); err != nil {
		return "", fmt.Errorf("persist upload: %w", err)
	}

	_, err = s.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "script/" + upload.ID,
		TaskQueue: workflow.QueueDefault,
	}, workflow.ScriptWorkflow, workflow.ScriptRequest{UploadID: upload.ID})
	if err != nil {
		return "", fmt.Errorf("start processing: %w", err)
	}

	s.logger.Info("upload accepted",
		"upload_id", upload.ID,
		"exam_id", req.ExamID,
		"size_bytes", len(req.File))
	return upload.ID, nil
}

// GetUpload returns the upload's current state.
func (s *Service) GetUpload(ctx context.Context, uploadID string) (*domain.UploadedScript, error) {
	return s.st.Uploads.Get(ctx, uploadID)
}

// ScriptEvaluations is the per-script results summary for reviewers.
type ScriptEvaluations struct {
	ScriptID         string                    `json:"scriptId"`
	StudentMeta      domain.StudentMeta        `json:"studentMeta"`
	TotalScore       float64                   `json:"totalScore"`
	MaxPossibleScore float64                   `json:"maxPossibleScore"`
	PercentageScore  float64                   `json:"percentageScore"`
	QuestionCount    int                       `json:"questionCount"`
	EvaluatedCount   int                       `json:"evaluatedCount"`
	NeedsReview      bool                      `json:"needsReview"`
	Evaluations      []domain.EvaluationResult `json:"evaluations"`
}

// GetScriptEvaluations returns every result for the script's current run
// with rolled-up totals.
func (s *Service) GetScriptEvaluations(ctx context.Context, scriptID string) (*ScriptEvaluations, error) {
	script, err := s.st.Scripts.Get(ctx, scriptID)
	if err != nil {
		return nil, err
	}
	all, err := s.st.Results.ListByScript(ctx, scriptID)
	if err != nil {
		return nil, err
	}

	var current []domain.EvaluationResult
	for _, r := range all {
		if script.CurrentRunID == "" || r.RunID == script.CurrentRunID {
			current = append(current, r)
		}
	}

	out := &ScriptEvaluations{
		ScriptID:      scriptID,
		StudentMeta:   script.StudentMeta,
		QuestionCount: len(script.Answers),
		Evaluations:   current,
	}
	for _, r := range current {
		out.TotalScore += r.TotalScore
		out.MaxPossibleScore += r.MaxPossibleScore
		out.EvaluatedCount++
		if r.ReviewRecommendation != domain.ReviewAutoApproved {
			out.NeedsReview = true
		}
	}
	out.PercentageScore = domain.Percentage(out.TotalScore, out.MaxPossibleScore)
	return out, nil
}

// GetResult returns one evaluation result.
func (s *Service) GetResult(ctx context.Context, resultID string) (*domain.EvaluationResult, error) {
	return s.st.Results.Get(ctx, resultID)
}

// ReSegment re-runs segmentation over the upload's extracted pages and
// evaluates the result under a new run id.
func (s *Service) ReSegment(ctx context.Context, uploadID string) error {
	if _, err := s.st.Uploads.Get(ctx, uploadID); err != nil {
		return err
	}
	_, err := s.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        fmt.Sprintf("resegment/%s/%s", uploadID, uuid.New().String()[:8]),
		TaskQueue: workflow.QueueDefault,
	}, workflow.ReSegmentWorkflow, workflow.ReSegmentRequest{UploadID: uploadID})
	if err != nil {
		return fmt.Errorf("start re-segmentation: %w", err)
	}
	s.logger.Info("re-segmentation started", "upload_id", uploadID)
	return nil
}

// ReEvaluate starts a fresh evaluation run for the script. The new run id
// supersedes any in-flight run; OVERRIDDEN state is discarded by the new
// run's results.
func (s *Service) ReEvaluate(ctx context.Context, scriptID string) error {
	script, err := s.st.Scripts.Get(ctx, scriptID)
	if err != nil {
		return err
	}
	_, err = s.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        fmt.Sprintf("evaluation-run/%s/%s", scriptID, uuid.New().String()[:8]),
		TaskQueue: workflow.QueueEvaluation,
	}, workflow.EvaluationRunWorkflow, workflow.EvaluationRunRequest{
		UploadID: script.UploadID,
		ScriptID: scriptID,
	})
	if err != nil {
		return fmt.Errorf("start re-evaluation: %w", err)
	}
	s.logger.Info("re-evaluation started", "script_id", scriptID)
	return nil
}

// OverrideResult applies a reviewer's score override: the total and
// percentage follow the override, status becomes OVERRIDDEN, and every
// sub-agent product stays bytewise unchanged.
func (s *Service) OverrideResult(ctx context.Context, resultID string, score float64, note, reviewerID string) error {
	result, err := s.st.Results.Get(ctx, resultID)
	if err != nil {
		return err
	}

	if err := result.ApplyOverride(domain.ReviewerOverride{
		ReviewerID:    reviewerID,
		OverrideScore: score,
		Note:          note,
		At:            time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("%s: %w", domain.KindValidation, err)
	}

	if err := s.st.Results.Update(ctx, result); err != nil {
		return fmt.Errorf("persist override: %w", err)
	}

	s.logger.Info("reviewer override applied",
		"result_id", resultID,
		"reviewer_id", reviewerID,
		"score", score)
	return nil
}

// RegisterExam stores an exam definition after checking both conservation
// rules: criterion sums per question and the question sum against the total.
func (s *Service) RegisterExam(ctx context.Context, exam *domain.Exam) error {
	if err := exam.Validate(); err != nil {
		return fmt.Errorf("%s: %w", domain.KindValidation, err)
	}
	return s.st.Exams.Create(ctx, exam)
}

package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Script-level errors returned by domain validation.
var (
	// ErrUnknownQuestionID indicates an answer references a question id not
	// declared by the exam.
	ErrUnknownQuestionID = errors.New("answer references unknown question id")

	// ErrDuplicateAnswer indicates a question id appears more than once.
	ErrDuplicateAnswer = errors.New("duplicate answer for question id")

	// ErrMissingAnswer indicates a declared question id has no answer entry.
	ErrMissingAnswer = errors.New("missing answer entry for question id")
)

// ScriptAnswer is one segmented (questionId, answerText) pair. Flagged
// entries had no identifiable answer in the transcript and are skipped by
// evaluation.
type ScriptAnswer struct {
	QuestionID string `json:"questionId" validate:"required"`
	Text       string `json:"text"`
	IsFlagged  bool   `json:"isFlagged"`
}

// Script is the post-segmentation logical view of an uploaded document: an
// ordered list of per-question answers plus the OCR provenance that produced
// them.
type Script struct {
	ID       string `json:"id" validate:"required,uuid"`
	UploadID string `json:"uploadId" validate:"required"`
	ExamID   string `json:"examId" validate:"required"`

	StudentMeta StudentMeta    `json:"studentMeta"`
	Answers     []ScriptAnswer `json:"answers" validate:"required,min=1,dive"`

	// CurrentRunID identifies the active evaluation run. Re-evaluation
	// supersedes it; results written under a stale run id are discarded.
	CurrentRunID string `json:"currentRunId,omitempty"`

	OCRConfidenceAvg float64       `json:"ocrConfidenceAvg" validate:"min=0,max=1"`
	OCRQualityFlags  []QualityFlag `json:"ocrQualityFlags"`
	SegmentationConfidence float64 `json:"segmentationConfidence" validate:"min=0,max=1"`
	SegmentationNotes      string  `json:"segmentationNotes,omitempty"`
	UnmappedText           string  `json:"unmappedText,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// NewScript creates a Script with a fresh id. Uses uuid.New; do not call
// from workflow code.
func NewScript(uploadID, examID string, meta StudentMeta, answers []ScriptAnswer) *Script {
	return &Script{
		ID:          uuid.New().String(),
		UploadID:    uploadID,
		ExamID:      examID,
		StudentMeta: meta,
		Answers:     answers,
		CreatedAt:   time.Now().UTC(),
	}
}

// Validate checks structural constraints and, against the declared exam,
// the segmentation contract: every answer's question id belongs to the exam
// and appears at most once, and every declared question is covered.
func (s *Script) Validate(exam *Exam) error {
	if err := validate.Struct(s); err != nil {
		return err
	}

	declared := make(map[string]struct{}, len(exam.Questions))
	for _, q := range exam.Questions {
		declared[q.QuestionID] = struct{}{}
	}

	seen := make(map[string]struct{}, len(s.Answers))
	for _, a := range s.Answers {
		if _, ok := declared[a.QuestionID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownQuestionID, a.QuestionID)
		}
		if _, dup := seen[a.QuestionID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateAnswer, a.QuestionID)
		}
		seen[a.QuestionID] = struct{}{}
	}

	for id := range declared {
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingAnswer, id)
		}
	}
	return nil
}

// Answer returns the answer entry for the given question id, if present.
func (s *Script) Answer(questionID string) (ScriptAnswer, bool) {
	for _, a := range s.Answers {
		if a.QuestionID == questionID {
			return a, true
		}
	}
	return ScriptAnswer{}, false
}

// EvaluableQuestionIDs returns the question ids that carry a non-empty,
// non-flagged answer. Empty answers are short-circuited before the
// evaluation pipeline rather than scored.
func (s *Script) EvaluableQuestionIDs() []string {
	ids := make([]string, 0, len(s.Answers))
	for _, a := range s.Answers {
		if a.IsFlagged || strings.TrimSpace(a.Text) == "" {
			continue
		}
		ids = append(ids, a.QuestionID)
	}
	return ids
}

// HasFlaggedAnswers reports whether any answer was flagged during
// segmentation (missing or empty in the transcript).
func (s *Script) HasFlaggedAnswers() bool {
	for _, a := range s.Answers {
		if a.IsFlagged {
			return true
		}
	}
	return false
}

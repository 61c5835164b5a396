// Package domain provides the core types and business rules for the
// assessment engine: exams and rubrics, uploaded scripts and their status
// machine, OCR page results, segmented scripts, and the evaluation pipeline's
// structured outputs. Types carry camelCase JSON tags because they are
// persisted as versioned documents consumed by external reviewers.
package domain

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

// Exam-level errors returned by domain validation.
var (
	// ErrRubricMarksMismatch indicates criterion max marks do not sum to the question max.
	ErrRubricMarksMismatch = errors.New("criterion max marks do not sum to question max marks")

	// ErrExamMarksMismatch indicates question max marks do not sum to the exam total.
	ErrExamMarksMismatch = errors.New("question max marks do not sum to exam total marks")

	// ErrDuplicateCriterionID indicates a criterion id repeats within a question.
	ErrDuplicateCriterionID = errors.New("duplicate criterion id within question")

	// ErrDuplicateQuestionID indicates a question id repeats within an exam.
	ErrDuplicateQuestionID = errors.New("duplicate question id within exam")
)

// validate is the package-level validator instance used for struct validation.
var validate = validator.New(validator.WithRequiredStructEnabled())

// marksEpsilon absorbs float accumulation noise when comparing mark sums.
const marksEpsilon = 1e-6

// DefaultMarksGranularity is the smallest awardable mark step unless the exam
// overrides it.
const DefaultMarksGranularity = 0.25

// RubricCriterion is one scoring dimension of a question's rubric.
type RubricCriterion struct {
	// CriterionID is unique within its question.
	CriterionID string `json:"criterionId" validate:"required"`

	// Description is the examiner-authored criterion text.
	Description string `json:"description" validate:"required"`

	// MaxMarks is the ceiling for this criterion.
	MaxMarks float64 `json:"maxMarks" validate:"required,gt=0"`
}

// Question is a single exam question with its rubric.
type Question struct {
	QuestionID   string            `json:"questionId" validate:"required"`
	QuestionText string            `json:"questionText" validate:"required"`
	MaxMarks     float64           `json:"maxMarks" validate:"required,gt=0"`
	Rubric       []RubricCriterion `json:"rubric" validate:"required,min=1,dive"`
}

// Validate checks structural constraints plus the rubric conservation rule:
// the sum of criterion max marks must equal the question max marks.
func (q *Question) Validate() error {
	if err := validate.Struct(q); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(q.Rubric))
	var sum float64
	for _, c := range q.Rubric {
		if _, dup := seen[c.CriterionID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateCriterionID, c.CriterionID)
		}
		seen[c.CriterionID] = struct{}{}
		sum += c.MaxMarks
	}

	if math.Abs(sum-q.MaxMarks) > marksEpsilon {
		return fmt.Errorf("%w: question %s has criteria sum %.2f, max %.2f",
			ErrRubricMarksMismatch, q.QuestionID, sum, q.MaxMarks)
	}
	return nil
}

// Criterion returns the rubric criterion with the given id, if present.
func (q *Question) Criterion(criterionID string) (RubricCriterion, bool) {
	for _, c := range q.Rubric {
		if c.CriterionID == criterionID {
			return c, true
		}
	}
	return RubricCriterion{}, false
}

// Exam is the declared exam structure evaluations are graded against.
type Exam struct {
	ID         string     `json:"id" validate:"required"`
	Title      string     `json:"title" validate:"required"`
	Subject    string     `json:"subject"`
	Questions  []Question `json:"questions" validate:"required,min=1"`
	TotalMarks float64    `json:"totalMarks" validate:"required,gt=0"`

	// MarksGranularity is the smallest awardable mark step for this exam.
	// Zero means DefaultMarksGranularity.
	MarksGranularity float64 `json:"marksGranularity,omitempty" validate:"omitempty,gt=0"`
}

// Validate checks structural constraints plus both conservation rules:
// per-question rubric sums and the exam-level question sum.
func (e *Exam) Validate() error {
	if err := validate.Struct(e); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(e.Questions))
	var sum float64
	for i := range e.Questions {
		q := &e.Questions[i]
		if _, dup := seen[q.QuestionID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateQuestionID, q.QuestionID)
		}
		seen[q.QuestionID] = struct{}{}

		if err := q.Validate(); err != nil {
			return err
		}
		sum += q.MaxMarks
	}

	if math.Abs(sum-e.TotalMarks) > marksEpsilon {
		return fmt.Errorf("%w: questions sum %.2f, total %.2f", ErrExamMarksMismatch, sum, e.TotalMarks)
	}
	return nil
}

// Question returns the question with the given id, if present.
func (e *Exam) Question(questionID string) (Question, bool) {
	for _, q := range e.Questions {
		if q.QuestionID == questionID {
			return q, true
		}
	}
	return Question{}, false
}

// QuestionIDs returns the declared question ids in declaration order.
func (e *Exam) QuestionIDs() []string {
	ids := make([]string, len(e.Questions))
	for i, q := range e.Questions {
		ids[i] = q.QuestionID
	}
	return ids
}

// Granularity returns the effective marks granularity for this exam.
func (e *Exam) Granularity() float64 {
	if e.MarksGranularity > 0 {
		return e.MarksGranularity
	}
	return DefaultMarksGranularity
}

// IsMultipleOfGranularity reports whether marks land on the given step,
// within float tolerance.
func IsMultipleOfGranularity(marks, granularity float64) bool {
	if granularity <= 0 {
		granularity = DefaultMarksGranularity
	}
	steps := marks / granularity
	return math.Abs(steps-math.Round(steps)) < 1e-6
}

// Percentage computes round(100 * total / max, 1). Returns 0 when max is 0.
func Percentage(total, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return math.Round(total/max*1000) / 10
}

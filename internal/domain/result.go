package domain

import (
	"errors"
	"fmt"
	"time"
)

// EvaluationVersion stamps persisted results. Consumers must accept
// additive-only schema evolution keyed on this string.
const EvaluationVersion = "1.0.0"

// EvaluationStatus tracks one question's evaluation record.
type EvaluationStatus string

const (
	EvalPending    EvaluationStatus = "PENDING"
	EvalComplete   EvaluationStatus = "COMPLETE"
	EvalOverridden EvaluationStatus = "OVERRIDDEN"
	EvalFailed     EvaluationStatus = "FAILED"
)

// Result-level errors.
var (
	// ErrOverrideOutOfRange indicates an override score outside [0, max].
	ErrOverrideOutOfRange = errors.New("override score outside [0, max possible score]")

	// ErrResultNotOverridable indicates override applied to a non-complete result.
	ErrResultNotOverridable = errors.New("only COMPLETE or OVERRIDDEN results accept overrides")
)

// TokenUsage accumulates prompt and completion tokens across the run.
type TokenUsage struct {
	Prompt     int64 `json:"prompt" validate:"min=0"`
	Completion int64 `json:"completion" validate:"min=0"`
	Total      int64 `json:"total" validate:"min=0"`
}

// Add accumulates another usage sample.
func (t *TokenUsage) Add(prompt, completion int64) {
	t.Prompt += prompt
	t.Completion += completion
	t.Total = t.Prompt + t.Completion
}

// ReviewerOverride records a human reviewer replacing the audited total.
type ReviewerOverride struct {
	ReviewerID    string    `json:"reviewerId" validate:"required"`
	OverrideScore float64   `json:"overrideScore" validate:"min=0"`
	Note          string    `json:"note"`
	At            time.Time `json:"at" validate:"required"`
}

// EvaluationResult is the assembled per-question record: the five agent
// products plus scoring totals, provenance, and resource accounting. It is
// the unit reviewers sign off on.
type EvaluationResult struct {
	ID             string `json:"id" validate:"required,uuid"`
	RunID          string `json:"runId" validate:"required"`
	ScriptID       string `json:"scriptId" validate:"required"`
	QuestionID     string `json:"questionId" validate:"required"`
	EvaluationVersion string `json:"evaluationVersion" validate:"required"`
	IdempotencyKey string `json:"idempotencyKey" validate:"required"`

	GroundedRubric   GroundedRubric       `json:"groundedRubric"`
	CriterionScores  []CriterionScore     `json:"criterionScores" validate:"required,min=1"`
	ConsistencyAudit ConsistencyAudit     `json:"consistencyAudit"`
	Feedback         StudentFeedback      `json:"feedback"`
	Explainability   ExplainabilityResult `json:"explainability"`

	TotalScore       float64              `json:"totalScore" validate:"min=0"`
	MaxPossibleScore float64              `json:"maxPossibleScore" validate:"required,gt=0"`
	PercentageScore  float64              `json:"percentageScore" validate:"min=0,max=100"`
	ReviewRecommendation ReviewRecommendation `json:"reviewRecommendation" validate:"required"`

	ReviewerOverride *ReviewerOverride `json:"reviewerOverride,omitempty"`
	Status           EvaluationStatus  `json:"status" validate:"required"`

	LatencyMs  int64      `json:"latencyMs" validate:"min=0"`
	TokensUsed TokenUsage `json:"tokensUsed"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// IdempotencyKey builds the composite key that deduplicates evaluation work.
func IdempotencyKey(runID, scriptID, questionID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", runID, scriptID, questionID, EvaluationVersion)
}

// Validate checks structural constraints plus the total-score invariant:
// absent an override, the total equals the audit's final-score sum.
func (r *EvaluationResult) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if r.Status == EvalFailed {
		return nil
	}
	if r.ReviewerOverride == nil {
		audited := r.ConsistencyAudit
		audited.ReconcileTotal()
		if diff := r.TotalScore - audited.TotalScore; diff > marksEpsilon || diff < -marksEpsilon {
			return fmt.Errorf("%w: total %.4f does not match audited sum %.4f",
				ErrInvariantViolation, r.TotalScore, audited.TotalScore)
		}
	}
	return nil
}

// ApplyOverride replaces the total with the reviewer's score, recomputing the
// percentage, while leaving every sub-agent product untouched.
func (r *EvaluationResult) ApplyOverride(o ReviewerOverride) error {
	if r.Status != EvalComplete && r.Status != EvalOverridden {
		return ErrResultNotOverridable
	}
	if o.OverrideScore < 0 || o.OverrideScore > r.MaxPossibleScore+marksEpsilon {
		return fmt.Errorf("%w: %.2f not in [0, %.2f]", ErrOverrideOutOfRange, o.OverrideScore, r.MaxPossibleScore)
	}
	r.ReviewerOverride = &o
	r.TotalScore = o.OverrideScore
	r.PercentageScore = Percentage(o.OverrideScore, r.MaxPossibleScore)
	r.Status = EvalOverridden
	return nil
}

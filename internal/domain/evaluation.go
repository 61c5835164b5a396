package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Evaluation-output errors. Structurally valid but logically inconsistent
// agent output surfaces as ErrInvariantViolation and is handled like
// malformed model output: repaired up to two times, then fatal for the unit.
var (
	ErrInvariantViolation = errors.New("agent output violates invariant")
	ErrEmptyFinalScores   = errors.New("consistency audit has no final scores")
)

// maxQuoteDisplayLen bounds justification quotes for display.
const maxQuoteDisplayLen = 250

// GroundedCriterion is one rubric criterion decomposed into the discrete
// evidence points a scorer must find in the answer.
type GroundedCriterion struct {
	CriterionID            string   `json:"criterionId" validate:"required"`
	Description            string   `json:"description" validate:"required"`
	MaxMarks               float64  `json:"maxMarks" validate:"required,gt=0"`
	RequiredEvidencePoints []string `json:"requiredEvidencePoints" validate:"required,min=1"`
	IsAmbiguous            bool     `json:"isAmbiguous"`
	AmbiguityNote          string   `json:"ambiguityNote,omitempty"`
}

// GroundedRubric is the RubricGrounding agent's product: the machine-usable
// form of a question's rubric that all downstream agents receive.
type GroundedRubric struct {
	TotalMarks          float64             `json:"totalMarks" validate:"required,gt=0"`
	Criteria            []GroundedCriterion `json:"criteria" validate:"required,min=1,dive"`
	GroundingConfidence float64             `json:"groundingConfidence" validate:"min=0,max=1"`
}

// Validate checks structure plus mark conservation against the source rubric.
func (g *GroundedRubric) Validate(question *Question) error {
	if err := validate.Struct(g); err != nil {
		return err
	}

	byID := make(map[string]RubricCriterion, len(question.Rubric))
	for _, c := range question.Rubric {
		byID[c.CriterionID] = c
	}
	if len(g.Criteria) != len(question.Rubric) {
		return fmt.Errorf("%w: grounded %d criteria, rubric has %d",
			ErrInvariantViolation, len(g.Criteria), len(question.Rubric))
	}
	for _, gc := range g.Criteria {
		src, ok := byID[gc.CriterionID]
		if !ok {
			return fmt.Errorf("%w: grounded criterion %s not in rubric", ErrInvariantViolation, gc.CriterionID)
		}
		if math.Abs(gc.MaxMarks-src.MaxMarks) > marksEpsilon {
			return fmt.Errorf("%w: criterion %s max marks %.2f, rubric says %.2f",
				ErrInvariantViolation, gc.CriterionID, gc.MaxMarks, src.MaxMarks)
		}
	}
	return nil
}

// HasAmbiguousCriterion reports whether grounding flagged any criterion.
func (g *GroundedRubric) HasAmbiguousCriterion() bool {
	for _, c := range g.Criteria {
		if c.IsAmbiguous {
			return true
		}
	}
	return false
}

// CriterionScore is the Scoring agent's verdict for a single criterion.
type CriterionScore struct {
	CriterionID         string  `json:"criterionId" validate:"required"`
	MarksAwarded        float64 `json:"marksAwarded" validate:"min=0"`
	MaxMarks            float64 `json:"maxMarks" validate:"required,gt=0"`
	JustificationQuote  string  `json:"justificationQuote"`
	JustificationReason string  `json:"justificationReason" validate:"required"`
	Confidence          float64 `json:"confidenceScore" validate:"min=0,max=1"`
}

// NormalizeWhitespace collapses runs of whitespace to single spaces. Quote
// grounding is checked modulo whitespace because OCR text and model echoes
// disagree on line breaks.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Validate enforces the scoring contract against the answer text and exam
// granularity: marks in [0, max] on the granularity grid, and a non-empty
// award backed by a verbatim quote from the answer.
func (c *CriterionScore) Validate(answerText string, granularity float64) error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.MarksAwarded > c.MaxMarks+marksEpsilon {
		return fmt.Errorf("%w: criterion %s awarded %.2f > max %.2f",
			ErrInvariantViolation, c.CriterionID, c.MarksAwarded, c.MaxMarks)
	}
	if !IsMultipleOfGranularity(c.MarksAwarded, granularity) {
		return fmt.Errorf("%w: criterion %s awarded %.2f is not a multiple of %.2f",
			ErrInvariantViolation, c.CriterionID, c.MarksAwarded, granularity)
	}
	if c.MarksAwarded > 0 && c.JustificationQuote == "" {
		return fmt.Errorf("%w: criterion %s awarded marks without a justification quote",
			ErrInvariantViolation, c.CriterionID)
	}
	if c.JustificationQuote != "" {
		normQuote := NormalizeWhitespace(c.JustificationQuote)
		normAnswer := NormalizeWhitespace(answerText)
		if !strings.Contains(normAnswer, normQuote) {
			return fmt.Errorf("%w: criterion %s justification quote is not a substring of the answer",
				ErrInvariantViolation, c.CriterionID)
		}
	}
	return nil
}

// TruncateQuote bounds the justification quote for display.
func (c *CriterionScore) TruncateQuote() {
	if len(c.JustificationQuote) > maxQuoteDisplayLen {
		c.JustificationQuote = c.JustificationQuote[:maxQuoteDisplayLen]
	}
}

// ConsistencyAssessment is the audit's overall verdict.
type ConsistencyAssessment string

const (
	AssessmentConsistent        ConsistencyAssessment = "CONSISTENT"
	AssessmentMinorIssues       ConsistencyAssessment = "MINOR_ISSUES"
	AssessmentSignificantIssues ConsistencyAssessment = "SIGNIFICANT_ISSUES"
)

// ScoreAdjustment is one audit correction to a criterion score.
type ScoreAdjustment struct {
	CriterionID      string  `json:"criterionId" validate:"required"`
	OriginalScore    float64 `json:"originalScore" validate:"min=0"`
	RecommendedScore float64 `json:"recommendedScore" validate:"min=0"`
	Reason           string  `json:"reason" validate:"required"`
}

// FinalCriterionScore is the canonical post-audit score for one criterion.
type FinalCriterionScore struct {
	CriterionID string  `json:"criterionId" validate:"required"`
	FinalScore  float64 `json:"finalScore" validate:"min=0"`
}

// ConsistencyAudit is the Consistency agent's product. Its final scores are
// the canonical grade; TotalScore is always recomputed from them.
type ConsistencyAudit struct {
	OverallAssessment ConsistencyAssessment `json:"overallAssessment" validate:"required,oneof=CONSISTENT MINOR_ISSUES SIGNIFICANT_ISSUES"`
	Adjustments       []ScoreAdjustment     `json:"adjustments"`
	FinalScores       []FinalCriterionScore `json:"finalScores" validate:"required,min=1,dive"`
	TotalScore        float64               `json:"totalScore" validate:"min=0"`
	AuditNotes        string                `json:"auditNotes"`
}

// ReconcileTotal overwrites TotalScore with the sum of FinalScores. Model
// arithmetic drifts; final scores are trusted, the total never is.
func (a *ConsistencyAudit) ReconcileTotal() {
	var sum float64
	for _, fs := range a.FinalScores {
		sum += fs.FinalScore
	}
	a.TotalScore = math.Round(sum*10000) / 10000
}

// Validate enforces the audit contract against the scores it audited: every
// scored criterion appears in final scores exactly once, within bounds.
func (a *ConsistencyAudit) Validate(scores []CriterionScore) error {
	if err := validate.Struct(a); err != nil {
		return err
	}
	if len(a.FinalScores) == 0 {
		return ErrEmptyFinalScores
	}

	maxByID := make(map[string]float64, len(scores))
	for _, s := range scores {
		maxByID[s.CriterionID] = s.MaxMarks
	}

	seen := make(map[string]struct{}, len(a.FinalScores))
	for _, fs := range a.FinalScores {
		max, ok := maxByID[fs.CriterionID]
		if !ok {
			return fmt.Errorf("%w: final score for unknown criterion %s", ErrInvariantViolation, fs.CriterionID)
		}
		if _, dup := seen[fs.CriterionID]; dup {
			return fmt.Errorf("%w: duplicate final score for criterion %s", ErrInvariantViolation, fs.CriterionID)
		}
		seen[fs.CriterionID] = struct{}{}
		if fs.FinalScore < 0 || fs.FinalScore > max+marksEpsilon {
			return fmt.Errorf("%w: final score %.2f for criterion %s outside [0, %.2f]",
				ErrInvariantViolation, fs.FinalScore, fs.CriterionID, max)
		}
	}
	for id := range maxByID {
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("%w: criterion %s missing from final scores", ErrInvariantViolation, id)
		}
	}
	return nil
}

// FinalScore returns the canonical score for the given criterion.
func (a *ConsistencyAudit) FinalScore(criterionID string) (float64, bool) {
	for _, fs := range a.FinalScores {
		if fs.CriterionID == criterionID {
			return fs.FinalScore, true
		}
	}
	return 0, false
}

// ImprovementItem ties a feedback gap to a specific rubric criterion.
type ImprovementItem struct {
	CriterionID string `json:"criterionId" validate:"required"`
	Gap         string `json:"gap" validate:"required"`
	Suggestion  string `json:"suggestion" validate:"required"`
}

// StudentFeedback is the Feedback agent's product.
type StudentFeedback struct {
	Summary              string            `json:"summary" validate:"required"`
	Strengths            []string          `json:"strengths"`
	Improvements         []ImprovementItem `json:"improvements" validate:"dive"`
	StudyRecommendations []string          `json:"studyRecommendations"`
	EncouragementNote    string            `json:"encouragementNote" validate:"required"`
}

// Validate enforces that every improvement maps to a rubric criterion.
func (f *StudentFeedback) Validate(rubric *GroundedRubric) error {
	if err := validate.Struct(f); err != nil {
		return err
	}
	known := make(map[string]struct{}, len(rubric.Criteria))
	for _, c := range rubric.Criteria {
		known[c.CriterionID] = struct{}{}
	}
	for _, imp := range f.Improvements {
		if _, ok := known[imp.CriterionID]; !ok {
			return fmt.Errorf("%w: improvement references unknown criterion %s",
				ErrInvariantViolation, imp.CriterionID)
		}
	}
	return nil
}

// ReviewRecommendation routes a result toward reviewer sign-off.
type ReviewRecommendation string

const (
	ReviewAutoApproved ReviewRecommendation = "AUTO_APPROVED"
	ReviewNeeded       ReviewRecommendation = "NEEDS_REVIEW"
	ReviewRequired     ReviewRecommendation = "MUST_REVIEW"
)

// ExplainabilityResult is the Explainability agent's product: the audit
// trail a reviewer reads. ReviewRecommendation and AgentAgreement are
// computed deterministically by the pipeline, not trusted from the model.
type ExplainabilityResult struct {
	ChainOfReasoning     string               `json:"chainOfReasoning" validate:"required"`
	UncertaintyAreas     []string             `json:"uncertaintyAreas"`
	ReviewRecommendation ReviewRecommendation `json:"reviewRecommendation" validate:"required,oneof=AUTO_APPROVED NEEDS_REVIEW MUST_REVIEW"`
	ReviewReason         string               `json:"reviewReason" validate:"required"`
	AgentAgreement       float64              `json:"agentAgreementScore" validate:"min=0,max=1"`
}

// Validate checks the record against its structural constraints.
func (e *ExplainabilityResult) Validate() error { return validate.Struct(e) }

package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amarmakonis/assessment-engine/internal/domain"
	"github.com/amarmakonis/assessment-engine/internal/llm"
)

// ScoringSpec declares the Scoring agent, invoked once per criterion.
// Per-criterion isolation prevents score inflation from holistic scoring.
var ScoringSpec = Spec{
	Name:         "scoring",
	Role:         "Examiner-1",
	SystemPrompt: scoringSystemPrompt,
	Schema:       scoringSchema,
	MaxTokens:    1024,
}

// ScoreCriterion scores the answer against a single grounded criterion.
// The returned score satisfies the scoring contract: marks on the exam's
// granularity grid within [0, max], and a justification quote that is a
// verbatim substring of the answer.
func ScoreCriterion(
	ctx context.Context,
	client llm.Client,
	questionText, answerText string,
	criterion domain.GroundedCriterion,
	granularity float64,
) (*domain.CriterionScore, Telemetry, error) {
	criterionBlock, err := json.MarshalIndent(criterion, "", "  ")
	if err != nil {
		return nil, Telemetry{Agent: ScoringSpec.Name}, fmt.Errorf("marshal criterion: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Question\n%s\n\n", questionText)
	b.WriteString("## Student's Answer\n")
	b.WriteString("(This is the OCR-extracted text — may contain minor artifacts)\n")
	fmt.Fprintf(&b, "```\n%s\n```\n\n", answerText)
	b.WriteString("## Rubric Criterion to Evaluate\n")
	b.WriteString("Score the answer against THIS criterion only.\n")
	fmt.Fprintf(&b, "```json\n%s\n```\n\n", criterionBlock)
	b.WriteString("Evaluate and return your JSON score now.")

	score, tel, err := Run(ctx, client, ScoringSpec, b.String(), func(s *domain.CriterionScore) error {
		if s.CriterionID != criterion.CriterionID {
			return fmt.Errorf("%w: scored criterion %s, expected %s",
				domain.ErrInvariantViolation, s.CriterionID, criterion.CriterionID)
		}
		s.MaxMarks = criterion.MaxMarks
		return s.Validate(answerText, granularity)
	})
	if err != nil {
		return nil, tel, err
	}

	score.TruncateQuote()
	return score, tel, nil
}

package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amarmakonis/assessment-engine/internal/domain"
	"github.com/amarmakonis/assessment-engine/internal/llm"
)

// ConsistencySpec declares the Consistency agent: the quality gate with
// authority to adjust junior scores. Its final scores are canonical.
var ConsistencySpec = Spec{
	Name:         "consistency",
	Role:         "ChiefExaminer-1",
	SystemPrompt: consistencySystemPrompt,
	Schema:       consistencySchema,
	MaxTokens:    2048,
}

// AuditScores reviews the full criterion score set for one answer. The
// returned audit has its total reconciled from final scores; model
// arithmetic is never trusted.
func AuditScores(
	ctx context.Context,
	client llm.Client,
	questionText, answerText string,
	rubric *domain.GroundedRubric,
	scores []domain.CriterionScore,
) (*domain.ConsistencyAudit, Telemetry, error) {
	rubricBlock, err := json.MarshalIndent(rubric, "", "  ")
	if err != nil {
		return nil, Telemetry{Agent: ConsistencySpec.Name}, fmt.Errorf("marshal rubric: %w", err)
	}
	scoresBlock, err := json.MarshalIndent(scores, "", "  ")
	if err != nil {
		return nil, Telemetry{Agent: ConsistencySpec.Name}, fmt.Errorf("marshal scores: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Question\n%s\n\n", questionText)
	fmt.Fprintf(&b, "## Student's Answer\n```\n%s\n```\n\n", answerText)
	fmt.Fprintf(&b, "## Grounded Rubric\n```json\n%s\n```\n\n", rubricBlock)
	b.WriteString("## Criterion Scores from Junior Examiner\n")
	b.WriteString("Review each score, its justification quote, and reason.\n")
	fmt.Fprintf(&b, "```json\n%s\n```\n\n", scoresBlock)
	b.WriteString("Perform your consistency audit and return your JSON output now.")

	audit, tel, err := Run(ctx, client, ConsistencySpec, b.String(), func(a *domain.ConsistencyAudit) error {
		return a.Validate(scores)
	})
	if err != nil {
		return nil, tel, err
	}

	audit.ReconcileTotal()
	return audit, tel, nil
}

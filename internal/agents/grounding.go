package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amarmakonis/assessment-engine/internal/domain"
	"github.com/amarmakonis/assessment-engine/internal/llm"
)

// GroundingSpec declares the RubricGrounding agent. It is the only agent
// that sees the raw rubric; every downstream agent receives the grounded form.
var GroundingSpec = Spec{
	Name:         "rubric_grounding",
	Role:         "RubricAnalyst-1",
	SystemPrompt: groundingSystemPrompt,
	Schema:       groundingSchema,
	MaxTokens:    2048,
}

// GroundRubric decomposes a question's rubric into required evidence points
// and ambiguity flags.
func GroundRubric(
	ctx context.Context,
	client llm.Client,
	question *domain.Question,
) (*domain.GroundedRubric, Telemetry, error) {
	rubricBlock, err := json.MarshalIndent(question.Rubric, "", "  ")
	if err != nil {
		return nil, Telemetry{Agent: GroundingSpec.Name}, fmt.Errorf("marshal rubric: %w", err)
	}

	var b strings.Builder
	b.WriteString("## Exam Question\n")
	b.WriteString("This is the question the rubric was written for. Use it to understand\n")
	b.WriteString("the context of each criterion, but do NOT evaluate any answer.\n")
	b.WriteString(question.QuestionText)
	b.WriteString("\n\n## Rubric Criteria\nParse and ground each criterion below.\n")
	fmt.Fprintf(&b, "```json\n%s\n```\n\n", rubricBlock)
	fmt.Fprintf(&b, "Total marks for this question: %g\n\n", question.MaxMarks)
	b.WriteString("Analyze the rubric and return your grounded JSON output now.")

	return Run(ctx, client, GroundingSpec, b.String(), func(g *domain.GroundedRubric) error {
		return g.Validate(question)
	})
}

package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amarmakonis/assessment-engine/internal/domain"
	"github.com/amarmakonis/assessment-engine/internal/llm"
)

// ExplainabilitySpec declares the Explainability agent: the audit-trail
// writer that synthesizes all upstream agent outputs.
var ExplainabilitySpec = Spec{
	Name:         "explainability",
	Role:         "Auditor-1",
	SystemPrompt: explainabilitySystemPrompt,
	Schema:       explainabilitySchema,
	MaxTokens:    3072,
}

// ExplainInput bundles every upstream product the audit narrative covers.
type ExplainInput struct {
	QuestionText string
	AnswerText   string
	Rubric       *domain.GroundedRubric
	Scores       []domain.CriterionScore
	Audit        *domain.ConsistencyAudit
	Feedback     *domain.StudentFeedback
	TotalScore   float64
	MaxScore     float64
}

// Explain produces the chain-of-reasoning narrative and uncertainty areas.
// The caller overwrites ReviewRecommendation and AgentAgreement with the
// deterministically computed values; the model's own estimates are advisory.
func Explain(ctx context.Context, client llm.Client, in ExplainInput) (*domain.ExplainabilityResult, Telemetry, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "## Question\n%s\n\n", in.QuestionText)
	fmt.Fprintf(&b, "## Student's Answer\n```\n%s\n```\n\n", in.AnswerText)

	for _, section := range []struct {
		title string
		v     any
	}{
		{"Grounded Rubric", in.Rubric},
		{"Criterion Scores", in.Scores},
		{"Consistency Audit", in.Audit},
		{"Feedback", in.Feedback},
	} {
		block, err := json.MarshalIndent(section.v, "", "  ")
		if err != nil {
			return nil, Telemetry{Agent: ExplainabilitySpec.Name}, fmt.Errorf("marshal %s: %w", section.title, err)
		}
		fmt.Fprintf(&b, "## %s\n```json\n%s\n```\n\n", section.title, block)
	}

	fmt.Fprintf(&b, "## Final Score: %g/%g (%.1f%%)\n\n", in.TotalScore, in.MaxScore, domain.Percentage(in.TotalScore, in.MaxScore))
	b.WriteString("Produce the complete audit trail and return your JSON output now.")

	return Run(ctx, client, ExplainabilitySpec, b.String(), func(e *domain.ExplainabilityResult) error {
		return e.Validate()
	})
}

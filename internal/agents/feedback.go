package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amarmakonis/assessment-engine/internal/domain"
	"github.com/amarmakonis/assessment-engine/internal/llm"
)

// FeedbackSpec declares the Feedback agent.
var FeedbackSpec = Spec{
	Name:         "feedback",
	Role:         "Coach-1",
	SystemPrompt: feedbackSystemPrompt,
	Schema:       feedbackSchema,
	MaxTokens:    2048,
}

// GenerateFeedback produces structured pedagogical feedback from the audited
// scores. Every improvement item must reference a rubric criterion.
func GenerateFeedback(
	ctx context.Context,
	client llm.Client,
	questionText, answerText string,
	rubric *domain.GroundedRubric,
	audit *domain.ConsistencyAudit,
	totalScore, maxScore float64,
) (*domain.StudentFeedback, Telemetry, error) {
	scoresBlock, err := json.MarshalIndent(audit.FinalScores, "", "  ")
	if err != nil {
		return nil, Telemetry{Agent: FeedbackSpec.Name}, fmt.Errorf("marshal final scores: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Exam Question\n%s\n\n", questionText)
	fmt.Fprintf(&b, "## Student's Answer\n```\n%s\n```\n\n", answerText)
	fmt.Fprintf(&b, "## Scoring Results: %g/%g (%.1f%%)\n", totalScore, maxScore, domain.Percentage(totalScore, maxScore))
	fmt.Fprintf(&b, "```json\n%s\n```\n\n", scoresBlock)
	b.WriteString("Generate pedagogically sound feedback and return your JSON output now.")

	return Run(ctx, client, FeedbackSpec, b.String(), func(f *domain.StudentFeedback) error {
		return f.Validate(rubric)
	})
}

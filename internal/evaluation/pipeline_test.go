package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amarmakonis/assessment-engine/internal/agents"
	"github.com/amarmakonis/assessment-engine/internal/domain"
	"github.com/amarmakonis/assessment-engine/internal/llm"
)

// routedClient dispatches canned JSON by agent, keyed on the system prompt,
// with per-criterion routing for scoring calls. It counts every call so
// idempotency tests can assert that replays stay off the provider.
type routedClient struct {
	mu sync.Mutex

	grounding map[string]string // user-prompt marker -> response
	scoring   map[string]string // criterion id -> response
	audit     string
	feedback  string
	explain   string

	calls int
}

func (c *routedClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	var content string
	switch {
	case req.System == agents.GroundingSpec.SystemPrompt:
		for marker, resp := range c.grounding {
			if strings.Contains(req.User, marker) || strings.Contains(req.User, resp) {
				content = resp
				break
			}
		}
	case req.System == agents.ScoringSpec.SystemPrompt:
		// Repair prompts embed the prior output instead of the criterion
		// block, so match on either.
		for id, resp := range c.scoring {
			if strings.Contains(req.User, fmt.Sprintf("%q", id)) || strings.Contains(req.User, resp) {
				content = resp
				break
			}
		}
	case req.System == agents.ConsistencySpec.SystemPrompt:
		content = c.audit
	case req.System == agents.FeedbackSpec.SystemPrompt:
		content = c.feedback
	case req.System == agents.ExplainabilitySpec.SystemPrompt:
		content = c.explain
	}
	if content == "" {
		return nil, fmt.Errorf("no routed response for request")
	}

	resp := &llm.Response{
		Content:          content,
		PromptTokens:     10,
		CompletionTokens: 20,
		TotalTokens:      30,
		Model:            "routed",
		LatencyMs:        1,
	}
	if json.Valid([]byte(content)) && strings.HasPrefix(strings.TrimSpace(content), "{") {
		resp.Parsed = json.RawMessage(content)
	}
	return resp, nil
}

func (c *routedClient) VisionComplete(ctx context.Context, req llm.VisionRequest) (*llm.Response, error) {
	return c.Complete(ctx, req.Request)
}

func (c *routedClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

const testAnswer = "Polymorphism is the ability of objects to take multiple forms. " +
	"Inheritance lets a subclass reuse parent behaviour."

func twoCriterionQuestion() *domain.Question {
	return &domain.Question{
		QuestionID:   "q1",
		QuestionText: "Explain polymorphism and inheritance.",
		MaxMarks:     10,
		Rubric: []domain.RubricCriterion{
			{CriterionID: "c1", Description: "Defines polymorphism", MaxMarks: 5},
			{CriterionID: "c2", Description: "Explains inheritance", MaxMarks: 5},
		},
	}
}

func groundingJSON() string {
	return `{
		"totalMarks": 10,
		"criteria": [
			{"criterionId": "c1", "description": "Defines polymorphism", "maxMarks": 5,
			 "requiredEvidencePoints": ["definition of polymorphism"], "isAmbiguous": false},
			{"criterionId": "c2", "description": "Explains inheritance", "maxMarks": 5,
			 "requiredEvidencePoints": ["explanation of reuse"], "isAmbiguous": false}
		],
		"groundingConfidence": 0.95
	}`
}

func scoreJSON(criterionID string, awarded float64, quote string) string {
	return fmt.Sprintf(`{
		"criterionId": %q, "marksAwarded": %g, "maxMarks": 5,
		"justificationQuote": %q,
		"justificationReason": "Evidence quoted from the answer.",
		"confidenceScore": 0.9
	}`, criterionID, awarded, quote)
}

func cleanAuditJSON(c1, c2 float64) string {
	return fmt.Sprintf(`{
		"overallAssessment": "CONSISTENT",
		"adjustments": [],
		"finalScores": [
			{"criterionId": "c1", "finalScore": %g},
			{"criterionId": "c2", "finalScore": %g}
		],
		"totalScore": %g,
		"auditNotes": "scores align with justifications"
	}`, c1, c2, c1+c2)
}

func feedbackJSON() string {
	return `{
		"summary": "Good grasp of polymorphism with a thinner treatment of inheritance.",
		"strengths": ["Correctly defined polymorphism with the multiple-forms framing"],
		"improvements": [
			{"criterionId": "c2", "gap": "No mention of method overriding in reuse",
			 "suggestion": "Practice writing a subclass that overrides a parent method"}
		],
		"studyRecommendations": ["Review inheritance and the super call mechanism"],
		"encouragementNote": "Your definition work shows real understanding to build on."
	}`
}

func explainJSON() string {
	return `{
		"chainOfReasoning": "The rubric grounded cleanly into two criteria. Criterion c1 was scored on the quoted definition; criterion c2 on the reuse sentence. The audit accepted both scores and the total is their sum.",
		"uncertaintyAreas": ["none of note"],
		"reviewRecommendation": "AUTO_APPROVED",
		"reviewReason": "model estimate",
		"agentAgreementScore": 0.5
	}`
}

func happyClient() *routedClient {
	return &routedClient{
		grounding: map[string]string{"polymorphism": groundingJSON()},
		scoring: map[string]string{
			"c1": scoreJSON("c1", 4, "Polymorphism is the ability of objects to take multiple forms."),
			"c2": scoreJSON("c2", 3.5, "Inheritance lets a subclass reuse parent behaviour."),
		},
		audit:    cleanAuditJSON(4, 3.5),
		feedback: feedbackJSON(),
		explain:  explainJSON(),
	}
}

func TestPipelineRun(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path produces an assembled outcome", func(t *testing.T) {
		client := happyClient()
		p := NewPipeline(client, 4, 0)

		out, err := p.Run(ctx, twoCriterionQuestion(), testAnswer, 0.25)
		require.NoError(t, err)

		assert.Equal(t, 7.5, out.TotalScore)
		assert.Equal(t, 10.0, out.MaxScore)
		assert.InDelta(t, 75.0, out.Percentage, 1e-9)
		assert.Len(t, out.Scores, 2)
		assert.Equal(t, domain.ReviewAutoApproved, out.Explainability.ReviewRecommendation)
		assert.InDelta(t, 1.0, out.Explainability.AgentAgreement, 1e-9)
		assert.Equal(t, 6, client.CallCount(), "five agents with a two-way scoring fan-out")
		assert.Equal(t, int64(6*30), out.Tokens.Total)
		assert.Len(t, out.Telemetry, 6)
	})

	t.Run("consistency adjustment overrides scoring", func(t *testing.T) {
		// Scoring says c1=9/10, c2=2/10; the audit lifts c2 to 4 with minor
		// issues. The audited scores are canonical.
		question := &domain.Question{
			QuestionID:   "q1",
			QuestionText: "Explain polymorphism and inheritance.",
			MaxMarks:     20,
			Rubric: []domain.RubricCriterion{
				{CriterionID: "c1", Description: "Defines polymorphism", MaxMarks: 10},
				{CriterionID: "c2", Description: "Explains inheritance", MaxMarks: 10},
			},
		}
		client := &routedClient{
			grounding: map[string]string{"polymorphism": `{
				"totalMarks": 20,
				"criteria": [
					{"criterionId": "c1", "description": "Defines polymorphism", "maxMarks": 10,
					 "requiredEvidencePoints": ["definition"], "isAmbiguous": false},
					{"criterionId": "c2", "description": "Explains inheritance", "maxMarks": 10,
					 "requiredEvidencePoints": ["reuse"], "isAmbiguous": false}
				],
				"groundingConfidence": 0.95
			}`},
			scoring: map[string]string{
				"c1": `{"criterionId": "c1", "marksAwarded": 9, "maxMarks": 10,
					"justificationQuote": "Polymorphism is the ability of objects to take multiple forms.",
					"justificationReason": "Full definition present.", "confidenceScore": 0.95}`,
				"c2": `{"criterionId": "c2", "marksAwarded": 2, "maxMarks": 10,
					"justificationQuote": "Inheritance lets a subclass reuse parent behaviour.",
					"justificationReason": "Minimal treatment.", "confidenceScore": 0.9}`,
			},
			audit: `{
				"overallAssessment": "MINOR_ISSUES",
				"adjustments": [
					{"criterionId": "c2", "originalScore": 2, "recommendedScore": 4,
					 "reason": "Justification quote demonstrates more understanding than the score reflects"}
				],
				"finalScores": [
					{"criterionId": "c1", "finalScore": 9},
					{"criterionId": "c2", "finalScore": 4}
				],
				"totalScore": 12.5,
				"auditNotes": "one under-scored criterion"
			}`,
			feedback: feedbackJSON(),
			explain:  explainJSON(),
		}
		p := NewPipeline(client, 4, 0)

		out, err := p.Run(ctx, question, testAnswer, 0.25)
		require.NoError(t, err)

		assert.Equal(t, 13.0, out.TotalScore, "total recomputed from final scores, not the model's arithmetic")
		assert.Equal(t, domain.ReviewNeeded, out.Explainability.ReviewRecommendation)
		assert.Less(t, out.Explainability.AgentAgreement, 1.0)
		// Initial scoring outputs stay untouched for the audit trail.
		assert.Equal(t, 2.0, out.Scores[1].MarksAwarded)
	})

	t.Run("malformed scoring fails the question", func(t *testing.T) {
		client := happyClient()
		client.scoring["c2"] = `never json`
		p := NewPipeline(client, 4, 0)

		_, err := p.Run(ctx, twoCriterionQuestion(), testAnswer, 0.25)
		require.Error(t, err)
		assert.ErrorIs(t, err, llm.ErrMalformed)
	})

	t.Run("token budget stops the run between agents", func(t *testing.T) {
		client := happyClient()
		p := NewPipeline(client, 4, 25) // below one call's 30 tokens

		_, err := p.Run(ctx, twoCriterionQuestion(), testAnswer, 0.25)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBudgetExceeded)
		assert.Equal(t, 1, client.CallCount(), "stopped right after grounding")
	})

	t.Run("cancellation is honoured between agents", func(t *testing.T) {
		client := happyClient()
		p := NewPipeline(client, 4, 0)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := p.Run(cctx, twoCriterionQuestion(), testAnswer, 0.25)
		require.Error(t, err)
	})
}

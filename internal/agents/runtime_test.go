package agents

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amarmakonis/assessment-engine/internal/domain"
	"github.com/amarmakonis/assessment-engine/internal/llm"
)

type probe struct {
	Answer string  `json:"answer"`
	Score  float64 `json:"score"`
}

var probeSpec = Spec{
	Name:         "probe",
	Role:         "Probe-1",
	SystemPrompt: "Return the probe object.",
	Schema:       `{"answer": "<string>", "score": <float>}`,
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("valid output on first call", func(t *testing.T) {
		client := llm.NewScriptedClient(llm.JSONOutcome(`{"answer": "ok", "score": 0.5}`))

		out, tel, err := Run[probe](ctx, client, probeSpec, "go", nil)
		require.NoError(t, err)
		assert.Equal(t, "ok", out.Answer)
		assert.Equal(t, 0, tel.Repairs)
		assert.True(t, tel.Succeeded)
		assert.Equal(t, 1, client.CallCount())
	})

	t.Run("unparseable output repaired on first attempt", func(t *testing.T) {
		client := llm.NewScriptedClient(
			llm.ScriptedOutcome{Content: "I think the answer is ok"},
			llm.JSONOutcome(`{"answer": "ok", "score": 0.5}`),
		)

		out, tel, err := Run[probe](ctx, client, probeSpec, "go", nil)
		require.NoError(t, err)
		assert.Equal(t, "ok", out.Answer)
		assert.Equal(t, 1, tel.Repairs, "one repair must be counted in telemetry")
		assert.True(t, tel.Succeeded)
		assert.Equal(t, 2, client.CallCount())

		// The repair resubmission must carry the schema silhouette.
		assert.Contains(t, client.Requests[1], probeSpec.Schema)
	})

	t.Run("business validation failure triggers repair", func(t *testing.T) {
		client := llm.NewScriptedClient(
			llm.JSONOutcome(`{"answer": "ok", "score": 7}`),
			llm.JSONOutcome(`{"answer": "ok", "score": 0.7}`),
		)

		out, tel, err := Run[probe](ctx, client, probeSpec, "go", func(p *probe) error {
			if p.Score > 1 {
				return fmt.Errorf("%w: score %v above 1", domain.ErrInvariantViolation, p.Score)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 0.7, out.Score)
		assert.Equal(t, 1, tel.Repairs)
	})

	t.Run("persistent malformed output is fatal after two repairs", func(t *testing.T) {
		client := llm.NewScriptedClient(llm.ScriptedOutcome{Content: "not json"})

		_, tel, err := Run[probe](ctx, client, probeSpec, "go", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, llm.ErrMalformed)
		assert.Equal(t, 2, tel.Repairs)
		assert.False(t, tel.Succeeded)
		assert.Equal(t, 3, client.CallCount(), "initial call plus two repairs")
	})

	t.Run("transport failure propagates without repair", func(t *testing.T) {
		client := llm.NewScriptedClient(llm.ScriptedOutcome{Err: llm.ErrUnavailable})

		_, tel, err := Run[probe](ctx, client, probeSpec, "go", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, llm.ErrUnavailable)
		assert.Equal(t, 0, tel.Repairs)
		assert.Equal(t, 1, client.CallCount())
	})

	t.Run("token usage accumulates across repairs", func(t *testing.T) {
		client := llm.NewScriptedClient(
			llm.ScriptedOutcome{Content: "nope"},
			llm.JSONOutcome(`{"answer": "ok", "score": 0.1}`),
		)

		_, tel, err := Run[probe](ctx, client, probeSpec, "go", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(20), tel.PromptTokens, "two calls at 10 prompt tokens each")
		assert.Equal(t, int64(40), tel.CompletionTokens)
	})
}

func TestAgentSpecs(t *testing.T) {
	t.Run("every agent declares its contract", func(t *testing.T) {
		for _, spec := range []Spec{GroundingSpec, ScoringSpec, ConsistencySpec, FeedbackSpec, ExplainabilitySpec} {
			assert.NotEmpty(t, spec.Name)
			assert.NotEmpty(t, spec.Role)
			assert.NotEmpty(t, spec.SystemPrompt)
			assert.NotEmpty(t, spec.Schema)
			assert.Contains(t, spec.SystemPrompt, spec.Schema,
				"%s system prompt must embed its output schema", spec.Name)
		}
	})
}

func TestScoreCriterionContract(t *testing.T) {
	ctx := context.Background()
	criterion := domain.GroundedCriterion{
		CriterionID:            "c1",
		Description:            "Defines polymorphism",
		MaxMarks:               5,
		RequiredEvidencePoints: []string{"definition present"},
	}
	answer := "Polymorphism means many forms of one interface."

	t.Run("quote outside the answer is repaired", func(t *testing.T) {
		client := llm.NewScriptedClient(
			llm.JSONOutcome(`{"criterionId": "c1", "marksAwarded": 4, "maxMarks": 5,
				"justificationQuote": "an invented quote",
				"justificationReason": "good", "confidenceScore": 0.9}`),
			llm.JSONOutcome(`{"criterionId": "c1", "marksAwarded": 4, "maxMarks": 5,
				"justificationQuote": "Polymorphism means many forms",
				"justificationReason": "good", "confidenceScore": 0.9}`),
		)

		score, tel, err := ScoreCriterion(ctx, client, "Explain polymorphism.", answer, criterion, 0.25)
		require.NoError(t, err)
		assert.Equal(t, 4.0, score.MarksAwarded)
		assert.Equal(t, 1, tel.Repairs)
	})

	t.Run("wrong criterion id is fatal after repairs", func(t *testing.T) {
		client := llm.NewScriptedClient(
			llm.JSONOutcome(`{"criterionId": "other", "marksAwarded": 4, "maxMarks": 5,
				"justificationQuote": "Polymorphism means many forms",
				"justificationReason": "good", "confidenceScore": 0.9}`),
		)

		_, _, err := ScoreCriterion(ctx, client, "Explain polymorphism.", answer, criterion, 0.25)
		require.Error(t, err)
		assert.ErrorIs(t, err, llm.ErrMalformed)
	})

	t.Run("errors wrap the malformed sentinel not invariant details", func(t *testing.T) {
		client := llm.NewScriptedClient(
			llm.JSONOutcome(`{"criterionId": "c1", "marksAwarded": 9, "maxMarks": 5,
				"justificationQuote": "Polymorphism means many forms",
				"justificationReason": "good", "confidenceScore": 0.9}`),
		)

		_, _, err := ScoreCriterion(ctx, client, "Explain polymorphism.", answer, criterion, 0.25)
		require.Error(t, err)
		assert.True(t, errors.Is(err, llm.ErrMalformed))
	})
}

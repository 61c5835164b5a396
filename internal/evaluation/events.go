package evaluation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/amarmakonis/assessment-engine/internal/domain"
	pkgactivity "github.com/amarmakonis/assessment-engine/pkg/activity"
	"github.com/amarmakonis/assessment-engine/pkg/events"
)

// questionEvaluatedPayload is the event body for one persisted result.
type questionEvaluatedPayload struct {
	RunID          string                      `json:"runId"`
	ScriptID       string                      `json:"scriptId"`
	QuestionID     string                      `json:"questionId"`
	TotalScore     float64                     `json:"totalScore"`
	MaxScore       float64                     `json:"maxScore"`
	Percentage     float64                     `json:"percentage"`
	Recommendation domain.ReviewRecommendation `json:"recommendation"`
	AgentAgreement float64                     `json:"agentAgreement"`
	Repairs        int                         `json:"repairs"`
	TokensUsed     int64                       `json:"tokensUsed"`
	LatencyMs      int64                       `json:"latencyMs"`
}

// emitQuestionEvaluated emits the per-question observability event,
// best-effort. Repair counts across agents surface here so schema drift is
// distinguishable from provider outages in downstream dashboards.
func (a *Activities) emitQuestionEvaluated(ctx context.Context, r *domain.EvaluationResult, outcome *Outcome) {
	ec := a.GetExecutionContext(ctx)

	repairs := 0
	for _, t := range outcome.Telemetry {
		repairs += t.Repairs
	}

	payload, err := json.Marshal(questionEvaluatedPayload{
		RunID:          r.RunID,
		ScriptID:       r.ScriptID,
		QuestionID:     r.QuestionID,
		TotalScore:     r.TotalScore,
		MaxScore:       r.MaxPossibleScore,
		Percentage:     r.PercentageScore,
		Recommendation: r.ReviewRecommendation,
		AgentAgreement: r.Explainability.AgentAgreement,
		Repairs:        repairs,
		TokensUsed:     r.TokensUsed.Total,
		LatencyMs:      r.LatencyMs,
	})
	if err != nil {
		pkgactivity.SafeLogError(ctx, "marshal evaluation event", "error", err)
		return
	}

	a.EmitEventSafe(ctx, events.Envelope{
		ID:             uuid.New().String(),
		Type:           "evaluation.question_evaluated",
		Source:         "evaluation-activity",
		Version:        "1.0.0",
		Timestamp:      time.Now().UTC(),
		IdempotencyKey: r.IdempotencyKey,
		WorkflowID:     ec.WorkflowID,
		RunID:          ec.RunID,
		Payload:        payload,
	}, "question evaluated event")
}

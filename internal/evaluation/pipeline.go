// Package evaluation runs the per-question agent pipeline and persists its
// results. The five agents run strictly in sequence with an internal fan-out
// at scoring: grounding, one scoring call per criterion (bounded
// concurrency), consistency audit, feedback, explainability.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amarmakonis/assessment-engine/internal/agents"
	"github.com/amarmakonis/assessment-engine/internal/domain"
	"github.com/amarmakonis/assessment-engine/internal/llm"
)

// ErrBudgetExceeded indicates the run's cumulative token budget ran out
// between agents. Fatal for the question, never retried.
var ErrBudgetExceeded = errors.New("evaluation token budget exceeded")

// Pipeline executes the agent sequence for one (question, answer) pair.
type Pipeline struct {
	client      llm.Client
	concurrency int
	tokenBudget int64
}

// NewPipeline creates a pipeline. Concurrency caps the scoring fan-out; a
// zero token budget disables budget enforcement.
func NewPipeline(client llm.Client, concurrency int, tokenBudget int64) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pipeline{client: client, concurrency: concurrency, tokenBudget: tokenBudget}
}

// Outcome is the pipeline's assembled product for one question.
type Outcome struct {
	Rubric         domain.GroundedRubric
	Scores         []domain.CriterionScore
	Audit          domain.ConsistencyAudit
	Feedback       domain.StudentFeedback
	Explainability domain.ExplainabilityResult

	TotalScore float64
	MaxScore   float64
	Percentage float64

	Telemetry []agents.Telemetry
	Tokens    domain.TokenUsage
	LatencyMs int64
}

// Run executes the full sequence. Cancellation is checked between agents;
// scoring completes for all criteria before the consistency call.
func (p *Pipeline) Run(
	ctx context.Context,
	question *domain.Question,
	answerText string,
	granularity float64,
) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{MaxScore: question.MaxMarks}

	rubric, tel, err := agents.GroundRubric(ctx, p.client, question)
	if err != nil {
		out.Telemetry = append(out.Telemetry, tel)
		return out, err
	}
	p.account(out, tel)
	out.Rubric = *rubric

	if err := p.checkpoint(ctx, out); err != nil {
		return out, err
	}

	scores, scoreTels, err := p.scoreCriteria(ctx, question.QuestionText, answerText, rubric, granularity)
	out.Telemetry = append(out.Telemetry, scoreTels...)
	for _, t := range scoreTels {
		out.Tokens.Add(t.PromptTokens, t.CompletionTokens)
	}
	if err != nil {
		return out, err
	}
	out.Scores = scores

	if err := p.checkpoint(ctx, out); err != nil {
		return out, err
	}

	audit, tel, err := agents.AuditScores(ctx, p.client, question.QuestionText, answerText, rubric, scores)
	if err != nil {
		out.Telemetry = append(out.Telemetry, tel)
		return out, err
	}
	p.account(out, tel)
	out.Audit = *audit
	out.TotalScore = audit.TotalScore
	out.Percentage = domain.Percentage(out.TotalScore, out.MaxScore)

	if err := p.checkpoint(ctx, out); err != nil {
		return out, err
	}

	feedback, tel, err := agents.GenerateFeedback(ctx, p.client,
		question.QuestionText, answerText, rubric, audit, out.TotalScore, out.MaxScore)
	if err != nil {
		out.Telemetry = append(out.Telemetry, tel)
		return out, err
	}
	p.account(out, tel)
	out.Feedback = *feedback

	if err := p.checkpoint(ctx, out); err != nil {
		return out, err
	}

	explain, tel, err := agents.Explain(ctx, p.client, agents.ExplainInput{
		QuestionText: question.QuestionText,
		AnswerText:   answerText,
		Rubric:       rubric,
		Scores:       scores,
		Audit:        audit,
		Feedback:     feedback,
		TotalScore:   out.TotalScore,
		MaxScore:     out.MaxScore,
	})
	if err != nil {
		out.Telemetry = append(out.Telemetry, tel)
		return out, err
	}
	p.account(out, tel)

	// The decision fields are computed here, not trusted from the model:
	// the routing table must hold exactly.
	agreement := domain.AgentAgreement(scores, audit)
	recommendation, reason := domain.RecommendReview(rubric, scores, audit, agreement)
	explain.AgentAgreement = agreement
	explain.ReviewRecommendation = recommendation
	explain.ReviewReason = fmt.Sprintf("%s (model noted: %s)", reason, explain.ReviewReason)
	out.Explainability = *explain

	out.LatencyMs = time.Since(start).Milliseconds()
	return out, nil
}

// scoreCriteria fans out one scoring call per criterion with bounded
// concurrency, preserving criterion order in the result.
func (p *Pipeline) scoreCriteria(
	ctx context.Context,
	questionText, answerText string,
	rubric *domain.GroundedRubric,
	granularity float64,
) ([]domain.CriterionScore, []agents.Telemetry, error) {
	scores := make([]domain.CriterionScore, len(rubric.Criteria))
	tels := make([]agents.Telemetry, len(rubric.Criteria))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i, criterion := range rubric.Criteria {
		g.Go(func() error {
			score, tel, err := agents.ScoreCriterion(gctx, p.client, questionText, answerText, criterion, granularity)
			tels[i] = tel
			if err != nil {
				return err
			}
			scores[i] = *score
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, tels, err
	}
	return scores, tels, nil
}

func (p *Pipeline) account(out *Outcome, tel agents.Telemetry) {
	out.Telemetry = append(out.Telemetry, tel)
	out.Tokens.Add(tel.PromptTokens, tel.CompletionTokens)
}

// checkpoint enforces advisory cancellation and the token budget between
// agents.
func (p *Pipeline) checkpoint(ctx context.Context, out *Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.tokenBudget > 0 && out.Tokens.Total > p.tokenBudget {
		return fmt.Errorf("%w: used %d of %d tokens", ErrBudgetExceeded, out.Tokens.Total, p.tokenBudget)
	}
	return nil
}

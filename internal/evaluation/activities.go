package evaluation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"

	"github.com/amarmakonis/assessment-engine/internal/domain"
	"github.com/amarmakonis/assessment-engine/internal/llm"
	"github.com/amarmakonis/assessment-engine/internal/store"
	pkgactivity "github.com/amarmakonis/assessment-engine/pkg/activity"
)

// lockTTL bounds how long a crashed evaluation holds its idempotency lock.
const lockTTL = 10 * time.Minute

// Activities carries the evaluation stage's task implementations.
type Activities struct {
	pkgactivity.BaseActivities
	st       *store.Store
	pipeline *Pipeline
	locker   store.Locker
}

// NewActivities wires the evaluation activity set. A nil locker disables
// lock guarding; the idempotency index still deduplicates work.
func NewActivities(base pkgactivity.BaseActivities, st *store.Store, pipeline *Pipeline, locker store.Locker) *Activities {
	return &Activities{BaseActivities: base, st: st, pipeline: pipeline, locker: locker}
}

// PrepareRunInput starts one evaluation run over a script.
type PrepareRunInput struct {
	UploadID string `json:"uploadId"`
	ScriptID string `json:"scriptId"`
	RunID    string `json:"runId"`
}

// PrepareRunOutput lists the fan-out work for the run.
type PrepareRunOutput struct {
	QuestionIDs []string `json:"questionIds"`

	// HasFlaggedAnswers carries segmentation flags into final status
	// accounting: a script with flagged answers finishes FLAGGED.
	HasFlaggedAnswers bool `json:"hasFlaggedAnswers"`
}

// PrepareRun supersedes the script's run id, moves the upload to EVALUATING,
// and returns the evaluable questions. Questions with empty or flagged
// answers are short-circuited here rather than scored.
func (a *Activities) PrepareRun(ctx context.Context, in PrepareRunInput) (*PrepareRunOutput, error) {
	if err := a.st.Scripts.SetRunID(ctx, in.ScriptID, in.RunID); err != nil {
		return nil, retryable("PrepareRun", err, "supersede run id")
	}

	err := a.st.Uploads.Transition(ctx, in.UploadID, domain.StatusSegmented, domain.StatusEvaluating, "")
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, retryable("PrepareRun", err, "transition to EVALUATING")
	}

	script, err := a.st.Scripts.Get(ctx, in.ScriptID)
	if err != nil {
		return nil, retryable("PrepareRun", err, "load script")
	}

	return &PrepareRunOutput{
		QuestionIDs:       script.EvaluableQuestionIDs(),
		HasFlaggedAnswers: script.HasFlaggedAnswers(),
	}, nil
}

// EvaluateQuestionInput identifies one question evaluation task. Expected
// carries the sibling count for fan-in accounting.
type EvaluateQuestionInput struct {
	ScriptID   string `json:"scriptId"`
	QuestionID string `json:"questionId"`
	RunID      string `json:"runId"`
	Expected   int    `json:"expected"`
}

// EvaluateQuestionOutput reports one question's terminal state.
type EvaluateQuestionOutput struct {
	ResultID string                  `json:"resultId"`
	Status   domain.EvaluationStatus `json:"status"`

	// AllDone is true for exactly the call that completed the fan-in set.
	AllDone bool `json:"allDone"`

	// Superseded is true when the run was replaced mid-flight and the
	// completion was discarded.
	Superseded bool `json:"superseded"`
}

// EvaluateQuestion runs the agent pipeline for one question and persists the
// result under the (runID, questionID) idempotency key. A replay that finds
// a terminal result returns it without any model call. Malformed model
// output and invariant violations persist a FAILED result and succeed, so
// sibling questions are unaffected; transport unavailability is retried by
// the activity policy.
func (a *Activities) EvaluateQuestion(ctx context.Context, in EvaluateQuestionInput) (*EvaluateQuestionOutput, error) {
	if existing, err := a.st.Results.FindByRunAndQuestion(ctx, in.RunID, in.QuestionID); err == nil {
		pkgactivity.SafeLog(ctx, "evaluate replay, result already persisted",
			"run_id", in.RunID, "question_id", in.QuestionID, "status", existing.Status)
		return &EvaluateQuestionOutput{ResultID: existing.ID, Status: existing.Status}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, retryable("EvaluateQuestion", err, "idempotency lookup")
	}

	idemKey := domain.IdempotencyKey(in.RunID, in.ScriptID, in.QuestionID)
	if a.locker != nil {
		acquired, err := a.locker.Acquire(ctx, idemKey, lockTTL)
		if err != nil {
			return nil, retryable("EvaluateQuestion", err, "acquire lock")
		}
		if !acquired {
			return nil, retryable("EvaluateQuestion",
				fmt.Errorf("evaluation %s already in flight", idemKey), "duplicate delivery")
		}
		defer func() { _ = a.locker.Release(ctx, idemKey) }()
	}

	script, err := a.st.Scripts.Get(ctx, in.ScriptID)
	if err != nil {
		return nil, retryable("EvaluateQuestion", err, "load script")
	}
	exam, err := a.st.Exams.Get(ctx, script.ExamID)
	if err != nil {
		return nil, retryable("EvaluateQuestion", err, "load exam")
	}
	question, ok := exam.Question(in.QuestionID)
	if !ok {
		return nil, nonRetryable("EvaluateQuestion",
			fmt.Errorf("question %s not in exam %s", in.QuestionID, exam.ID), "unknown question")
	}
	answer, ok := script.Answer(in.QuestionID)
	if !ok {
		return nil, nonRetryable("EvaluateQuestion",
			fmt.Errorf("no answer for question %s in script %s", in.QuestionID, in.ScriptID), "missing answer")
	}

	a.RecordHeartbeat(ctx, fmt.Sprintf("evaluating %s", in.QuestionID))

	outcome, runErr := a.pipeline.Run(ctx, &question, answer.Text, exam.Granularity())
	if runErr != nil {
		if llm.IsRetryable(runErr) || errors.Is(runErr, llm.ErrUnavailable) {
			return nil, retryable("EvaluateQuestion", runErr, "evaluation provider unavailable")
		}
		// Malformed output, invariant violations, and budget exhaustion are
		// fatal for this question only.
		return a.persistFailure(ctx, in, &question, outcome, runErr)
	}

	result := a.assembleResult(in, &question, outcome)
	if err := result.Validate(); err != nil {
		return a.persistFailure(ctx, in, &question, outcome, err)
	}

	if err := a.st.Results.Save(ctx, result); err != nil {
		if errors.Is(err, store.ErrStaleRun) {
			pkgactivity.SafeLog(ctx, "discarding orphaned completion",
				"run_id", in.RunID, "question_id", in.QuestionID)
			return &EvaluateQuestionOutput{Superseded: true, Status: result.Status}, nil
		}
		return nil, retryable("EvaluateQuestion", err, "persist result")
	}

	allDone := a.markQuestionDone(ctx, in)
	a.emitQuestionEvaluated(ctx, result, outcome)

	pkgactivity.SafeLog(ctx, "question evaluated",
		"run_id", in.RunID,
		"question_id", in.QuestionID,
		"total", result.TotalScore,
		"recommendation", result.ReviewRecommendation,
		"tokens", result.TokensUsed.Total)

	return &EvaluateQuestionOutput{ResultID: result.ID, Status: domain.EvalComplete, AllDone: allDone}, nil
}

// MarkQuestionFailed persists the terminal FAILED record for a question
// whose evaluation exhausted its retries. Siblings are unaffected.
func (a *Activities) MarkQuestionFailed(ctx context.Context, in EvaluateQuestionInput) (*EvaluateQuestionOutput, error) {
	script, err := a.st.Scripts.Get(ctx, in.ScriptID)
	if err != nil {
		return nil, retryable("MarkQuestionFailed", err, "load script")
	}
	exam, err := a.st.Exams.Get(ctx, script.ExamID)
	if err != nil {
		return nil, retryable("MarkQuestionFailed", err, "load exam")
	}
	question, ok := exam.Question(in.QuestionID)
	if !ok {
		return nil, nonRetryable("MarkQuestionFailed",
			fmt.Errorf("question %s not in exam %s", in.QuestionID, exam.ID), "unknown question")
	}
	return a.persistFailure(ctx, in, &question, nil,
		fmt.Errorf("%s: evaluation attempts exhausted", domain.KindLLMUnavailable))
}

func (a *Activities) persistFailure(
	ctx context.Context,
	in EvaluateQuestionInput,
	question *domain.Question,
	outcome *Outcome,
	cause error,
) (*EvaluateQuestionOutput, error) {
	result := &domain.EvaluationResult{
		ID:                resultID(in),
		RunID:             in.RunID,
		ScriptID:          in.ScriptID,
		QuestionID:        in.QuestionID,
		EvaluationVersion: domain.EvaluationVersion,
		IdempotencyKey:    domain.IdempotencyKey(in.RunID, in.ScriptID, in.QuestionID),
		MaxPossibleScore:  question.MaxMarks,
		Status:            domain.EvalFailed,
		ReviewRecommendation: domain.ReviewRequired,
		CreatedAt:         time.Now().UTC(),
	}
	if outcome != nil {
		result.GroundedRubric = outcome.Rubric
		result.CriterionScores = outcome.Scores
		result.TokensUsed = outcome.Tokens
		result.LatencyMs = outcome.LatencyMs
	}

	if err := a.st.Results.Save(ctx, result); err != nil {
		if errors.Is(err, store.ErrStaleRun) {
			return &EvaluateQuestionOutput{Superseded: true, Status: domain.EvalFailed}, nil
		}
		return nil, retryable("EvaluateQuestion", err, "persist failed result")
	}

	allDone := a.markQuestionDone(ctx, in)
	pkgactivity.SafeLogError(ctx, "question evaluation failed",
		"run_id", in.RunID, "question_id", in.QuestionID, "error", cause)

	return &EvaluateQuestionOutput{ResultID: result.ID, Status: domain.EvalFailed, AllDone: allDone}, nil
}

// markQuestionDone records fan-in completion; duplicates are absorbed by the
// completion set so the continuation can fire only once.
func (a *Activities) markQuestionDone(ctx context.Context, in EvaluateQuestionInput) bool {
	done, first, err := a.st.Completions.MarkDone(ctx,
		fanKey(in.ScriptID, in.RunID), in.QuestionID, in.Expected)
	if err != nil {
		pkgactivity.SafeLogError(ctx, "fan-in accounting failed",
			"run_id", in.RunID, "question_id", in.QuestionID, "error", err)
		return false
	}
	return done && first
}

// FinalizeScriptInput closes out one evaluation run.
type FinalizeScriptInput struct {
	UploadID  string `json:"uploadId"`
	ScriptID  string `json:"scriptId"`
	RunID     string `json:"runId"`
	AnyFailed bool   `json:"anyFailed"`
	AnyFlagged bool  `json:"anyFlagged"`
}

// FinalizeScript transitions the upload to its terminal status: FLAGGED when
// any question failed or any answer was flagged at segmentation, otherwise
// EVALUATED. Replays find the transition done and succeed.
func (a *Activities) FinalizeScript(ctx context.Context, in FinalizeScriptInput) error {
	target := domain.StatusEvaluated
	reason := ""
	if in.AnyFailed {
		target = domain.StatusFlagged
		reason = domain.KindQuestionFailed.String()
	} else if in.AnyFlagged {
		target = domain.StatusFlagged
		reason = "unanswered questions flagged at segmentation"
	}

	err := a.st.Uploads.Transition(ctx, in.UploadID, domain.StatusEvaluating, target, reason)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return retryable("FinalizeScript", err, "final transition")
	}

	pkgactivity.SafeLog(ctx, "script run finalized",
		"upload_id", in.UploadID, "script_id", in.ScriptID, "run_id", in.RunID, "status", target)
	return nil
}

func (a *Activities) assembleResult(in EvaluateQuestionInput, question *domain.Question, outcome *Outcome) *domain.EvaluationResult {
	return &domain.EvaluationResult{
		ID:                resultID(in),
		RunID:             in.RunID,
		ScriptID:          in.ScriptID,
		QuestionID:        in.QuestionID,
		EvaluationVersion: domain.EvaluationVersion,
		IdempotencyKey:    domain.IdempotencyKey(in.RunID, in.ScriptID, in.QuestionID),
		GroundedRubric:    outcome.Rubric,
		CriterionScores:   outcome.Scores,
		ConsistencyAudit:  outcome.Audit,
		Feedback:          outcome.Feedback,
		Explainability:    outcome.Explainability,
		TotalScore:        outcome.TotalScore,
		MaxPossibleScore:  question.MaxMarks,
		PercentageScore:   outcome.Percentage,
		ReviewRecommendation: outcome.Explainability.ReviewRecommendation,
		Status:            domain.EvalComplete,
		LatencyMs:         outcome.LatencyMs,
		TokensUsed:        outcome.Tokens,
		CreatedAt:         time.Now().UTC(),
	}
}

// resultID derives the result id from the idempotency key so replays
// converge on one record.
func resultID(in EvaluateQuestionInput) string {
	key := domain.IdempotencyKey(in.RunID, in.ScriptID, in.QuestionID)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("result:"+key)).String()
}

func fanKey(scriptID, runID string) string {
	return "eval:" + scriptID + ":" + runID
}

func retryable(tag string, cause error, msg string) error {
	return temporal.NewApplicationError(msg, tag, cause)
}

func nonRetryable(tag string, cause error, msg string) error {
	return temporal.NewNonRetryableApplicationError(msg, tag, cause)
}

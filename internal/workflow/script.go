package workflow

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/amarmakonis/assessment-engine/internal/evaluation"
	"github.com/amarmakonis/assessment-engine/internal/ocr"
	"github.com/amarmakonis/assessment-engine/internal/segmentation"
)

// Task queue names. One worker process per queue at minimum.
const (
	QueueDefault    = "default"
	QueueOCR        = "ocr"
	QueueEvaluation = "evaluation"
)

// ScriptRequest starts processing for one uploaded script.
type ScriptRequest struct {
	UploadID string `json:"uploadId"`
}

// ScriptResult summarizes a finished processing run.
type ScriptResult struct {
	UploadID  string `json:"uploadId"`
	ScriptID  string `json:"scriptId"`
	PageCount int    `json:"pageCount"`
	Outcome   string `json:"outcome"`
}

// Processing outcomes reported by ScriptWorkflow.
const (
	OutcomeEvaluated = "EVALUATED"
	OutcomeFlagged   = "FLAGGED"
	OutcomeFailed    = "FAILED"
)

// ScriptWorkflow drives one upload through the full graph: ingest →
// rasterise → per-page OCR fan-out → aggregate → segment → evaluation run as
// a child workflow on the evaluation queue.
func ScriptWorkflow(ctx workflow.Context, req ScriptRequest) (*ScriptResult, error) {
	const currentVersion = 1
	_ = workflow.GetVersion(ctx, "script.v", workflow.DefaultVersion, currentVersion)

	if req.UploadID == "" {
		return nil, temporal.NewNonRetryableApplicationError("upload id is required", "Validation", nil)
	}

	result := &ScriptResult{UploadID: req.UploadID}

	defaultCtx := stageContext(ctx, QueueDefault, 2*time.Minute)
	ocrCtx := stageContext(ctx, QueueOCR, 5*time.Minute)

	var oa *ocr.Activities
	if err := workflow.ExecuteActivity(defaultCtx, oa.IngestUpload, req.UploadID).Get(ctx, nil); err != nil {
		result.Outcome = OutcomeFailed
		return result, err
	}

	var pageCount int
	if err := workflow.ExecuteActivity(ocrCtx, oa.RasterizeUpload, req.UploadID).Get(ctx, &pageCount); err != nil {
		result.Outcome = flaggedOrFailed(err)
		if result.Outcome == OutcomeFailed {
			failUpload(ocrCtx, ctx, req.UploadID, "rasterisation failed")
		}
		return result, nil
	}
	result.PageCount = pageCount

	// OCR fan-out: one extraction per page, all in flight at once. A page
	// whose extraction exhausts its retries is persisted UNREADABLE so the
	// batch continues.
	futures := make([]workflow.Future, 0, pageCount)
	for page := 1; page <= pageCount; page++ {
		in := ocr.ExtractPageInput{UploadID: req.UploadID, PageNumber: page, PageCount: pageCount}
		futures = append(futures, workflow.ExecuteActivity(ocrCtx, oa.ExtractPage, in))
	}
	for page, f := range futures {
		if err := f.Get(ctx, nil); err != nil {
			in := ocr.ExtractPageInput{UploadID: req.UploadID, PageNumber: page + 1, PageCount: pageCount}
			if perr := workflow.ExecuteActivity(ocrCtx, oa.PersistUnreadablePage, in).Get(ctx, nil); perr != nil {
				result.Outcome = OutcomeFailed
				return result, perr
			}
		}
	}

	var aggregate ocr.PageAggregate
	if err := workflow.ExecuteActivity(ocrCtx, oa.AggregatePages, req.UploadID).Get(ctx, &aggregate); err != nil {
		result.Outcome = OutcomeFailed
		failUpload(ocrCtx, ctx, req.UploadID, "page aggregation failed")
		return result, err
	}

	var sa *segmentation.Activities
	var scriptID string
	segErr := workflow.ExecuteActivity(ocrCtx, sa.SegmentUpload,
		segmentation.SegmentInput{UploadID: req.UploadID, Aggregate: aggregate}).Get(ctx, &scriptID)
	if segErr != nil {
		// Contract violations flag the upload inside the activity; the graph
		// stops cleanly without evaluation.
		result.Outcome = flaggedOrFailed(segErr)
		if result.Outcome == OutcomeFlagged {
			return result, nil
		}
		return result, segErr
	}
	result.ScriptID = scriptID

	childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
		WorkflowID: "evaluation-run/" + scriptID,
		TaskQueue:  QueueEvaluation,
	})
	var runResult EvaluationRunResult
	if err := workflow.ExecuteChildWorkflow(childCtx, EvaluationRunWorkflow, EvaluationRunRequest{
		UploadID: req.UploadID,
		ScriptID: scriptID,
	}).Get(ctx, &runResult); err != nil {
		result.Outcome = OutcomeFailed
		return result, err
	}

	result.Outcome = runResult.Outcome
	return result, nil
}

// EvaluationRunRequest starts one evaluation run over a segmented script.
// Started as a child of ScriptWorkflow and directly on re-evaluation.
type EvaluationRunRequest struct {
	UploadID string `json:"uploadId"`
	ScriptID string `json:"scriptId"`
}

// EvaluationRunResult summarizes a finished run.
type EvaluationRunResult struct {
	RunID     string `json:"runId"`
	Evaluated int    `json:"evaluated"`
	Failed    int    `json:"failed"`
	Outcome   string `json:"outcome"`
}

// EvaluationRunWorkflow fans one evaluation task out per evaluable question
// and finalizes the script when all siblings complete. The workflow's own
// run id is the evaluation run id: a fresh start supersedes any in-flight
// prior run, and its completions are discarded on write by run-id mismatch.
func EvaluationRunWorkflow(ctx workflow.Context, req EvaluationRunRequest) (*EvaluationRunResult, error) {
	const currentVersion = 1
	_ = workflow.GetVersion(ctx, "evaluation-run.v", workflow.DefaultVersion, currentVersion)

	runID := workflow.GetInfo(ctx).WorkflowExecution.RunID
	result := &EvaluationRunResult{RunID: runID}

	evalCtx := stageContext(ctx, QueueEvaluation, 6*time.Minute)

	var ea *evaluation.Activities
	var prep evaluation.PrepareRunOutput
	err := workflow.ExecuteActivity(evalCtx, ea.PrepareRun, evaluation.PrepareRunInput{
		UploadID: req.UploadID,
		ScriptID: req.ScriptID,
		RunID:    runID,
	}).Get(ctx, &prep)
	if err != nil {
		result.Outcome = OutcomeFailed
		return result, err
	}

	// Question fan-out. Completion order across questions is deliberately
	// unordered; each question's five agents run in sequence inside the
	// activity.
	type questionFuture struct {
		input  evaluation.EvaluateQuestionInput
		future workflow.Future
	}
	futures := make([]questionFuture, 0, len(prep.QuestionIDs))
	for _, qid := range prep.QuestionIDs {
		in := evaluation.EvaluateQuestionInput{
			ScriptID:   req.ScriptID,
			QuestionID: qid,
			RunID:      runID,
			Expected:   len(prep.QuestionIDs),
		}
		futures = append(futures, questionFuture{input: in, future: workflow.ExecuteActivity(evalCtx, ea.EvaluateQuestion, in)})
	}

	anyFailed := false
	for _, qf := range futures {
		var out evaluation.EvaluateQuestionOutput
		if err := qf.future.Get(ctx, &out); err != nil {
			// Retries exhausted (provider outage): the question fails alone.
			if ferr := workflow.ExecuteActivity(evalCtx, ea.MarkQuestionFailed, qf.input).Get(ctx, &out); ferr != nil {
				result.Outcome = OutcomeFailed
				return result, ferr
			}
		}
		if out.Superseded {
			continue
		}
		switch out.Status {
		case "FAILED":
			anyFailed = true
			result.Failed++
		default:
			result.Evaluated++
		}
	}

	err = workflow.ExecuteActivity(evalCtx, ea.FinalizeScript, evaluation.FinalizeScriptInput{
		UploadID:   req.UploadID,
		ScriptID:   req.ScriptID,
		RunID:      runID,
		AnyFailed:  anyFailed,
		AnyFlagged: prep.HasFlaggedAnswers,
	}).Get(ctx, nil)
	if err != nil {
		result.Outcome = OutcomeFailed
		return result, err
	}

	if anyFailed || prep.HasFlaggedAnswers {
		result.Outcome = OutcomeFlagged
	} else {
		result.Outcome = OutcomeEvaluated
	}
	return result, nil
}

// failUpload records a permanent processing failure, best-effort: the
// workflow's own error already carries the cause.
func failUpload(actCtx workflow.Context, ctx workflow.Context, uploadID, reason string) {
	var oa *ocr.Activities
	_ = workflow.ExecuteActivity(actCtx, oa.MarkUploadFailed,
		ocr.MarkUploadFailedInput{UploadID: uploadID, Reason: reason}).Get(ctx, nil)
}

// stageContext configures activity options for one stage: its task queue,
// timeout, and the bounded retry policy shared by every task.
func stageContext(ctx workflow.Context, queue string, timeout time.Duration) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		TaskQueue:           queue,
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	})
}

// flaggedOrFailed distinguishes deliberate flagging (non-retryable
// application errors raised after the activity flagged the upload) from
// infrastructure failure.
func flaggedOrFailed(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.NonRetryable() {
		return OutcomeFlagged
	}
	return OutcomeFailed
}

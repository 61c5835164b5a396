package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/amarmakonis/assessment-engine/internal/ocr"
	"github.com/amarmakonis/assessment-engine/internal/segmentation"
)

// ReSegmentRequest re-runs segmentation for an upload whose pages are
// already extracted, then starts a fresh evaluation run.
type ReSegmentRequest struct {
	UploadID string `json:"uploadId"`
}

// ReSegmentWorkflow rebuilds the OCR aggregate from persisted page results,
// forces a fresh segmentation over it, and evaluates the re-segmented
// script under a new run id.
func ReSegmentWorkflow(ctx workflow.Context, req ReSegmentRequest) (*ScriptResult, error) {
	const currentVersion = 1
	_ = workflow.GetVersion(ctx, "resegment.v", workflow.DefaultVersion, currentVersion)

	if req.UploadID == "" {
		return nil, temporal.NewNonRetryableApplicationError("upload id is required", "Validation", nil)
	}

	result := &ScriptResult{UploadID: req.UploadID}
	ocrCtx := stageContext(ctx, QueueOCR, 5*time.Minute)

	var oa *ocr.Activities
	var aggregate ocr.PageAggregate
	if err := workflow.ExecuteActivity(ocrCtx, oa.AggregatePages, req.UploadID).Get(ctx, &aggregate); err != nil {
		result.Outcome = OutcomeFailed
		return result, err
	}
	result.PageCount = aggregate.PageCount

	var sa *segmentation.Activities
	var scriptID string
	segErr := workflow.ExecuteActivity(ocrCtx, sa.SegmentUpload, segmentation.SegmentInput{
		UploadID:  req.UploadID,
		Aggregate: aggregate,
		Force:     true,
	}).Get(ctx, &scriptID)
	if segErr != nil {
		result.Outcome = flaggedOrFailed(segErr)
		if result.Outcome == OutcomeFlagged {
			return result, nil
		}
		return result, segErr
	}
	result.ScriptID = scriptID

	childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
		TaskQueue: QueueEvaluation,
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

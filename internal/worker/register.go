package worker

import (
	"go.temporal.io/sdk/client"
	sdkworker "go.temporal.io/sdk/worker"

	"github.com/amarmakonis/assessment-engine/internal/evaluation"
	"github.com/amarmakonis/assessment-engine/internal/ocr"
	"github.com/amarmakonis/assessment-engine/internal/segmentation"
	"github.com/amarmakonis/assessment-engine/internal/workflow"
	pkgactivity "github.com/amarmakonis/assessment-engine/pkg/activity"
	"github.com/amarmakonis/assessment-engine/pkg/events"
)

// StartWorkers creates one worker per task queue, registers the workflows
// and the activity sets on their home queues, and starts them. Registration
// is not thread-safe and must run once during startup.
func StartWorkers(c client.Client, deps *Dependencies) ([]sdkworker.Worker, error) {
	base := pkgactivity.NewBaseActivities(events.NewNoOpEventSink())

	ocrActivities := ocr.NewActivities(
		base,
		deps.Store,
		deps.Files,
		ocr.NewFitzRasterizer(),
		ocr.NewPageReader(deps.LLM, deps.Config.MaxTokens),
		deps.Config.OCRPageLimit,
	)
	segActivities := segmentation.NewActivities(
		base,
		deps.Store,
		segmentation.NewSegmenter(deps.LLM, deps.Config.MaxTokens),
	)
	evalActivities := evaluation.NewActivities(
		base,
		deps.Store,
		evaluation.NewPipeline(deps.LLM, deps.Config.ScoringConcurrency, deps.Config.TokenBudgetPerRun),
		deps.Locker,
	)

	defaultWorker := sdkworker.New(c, workflow.QueueDefault, sdkworker.Options{})
	defaultWorker.RegisterWorkflow(workflow.ScriptWorkflow)
	defaultWorker.RegisterWorkflow(workflow.ReSegmentWorkflow)
	defaultWorker.RegisterActivity(ocrActivities.IngestUpload)

	ocrWorker := sdkworker.New(c, workflow.QueueOCR, sdkworker.Options{})
	ocrWorker.RegisterActivity(ocrActivities.RasterizeUpload)
	ocrWorker.RegisterActivity(ocrActivities.ExtractPage)
	ocrWorker.RegisterActivity(ocrActivities.PersistUnreadablePage)
	ocrWorker.RegisterActivity(ocrActivities.AggregatePages)
	ocrWorker.RegisterActivity(ocrActivities.MarkUploadFailed)
	ocrWorker.RegisterActivity(segActivities.SegmentUpload)

	evalWorker := sdkworker.New(c, workflow.QueueEvaluation, sdkworker.Options{})
	evalWorker.RegisterWorkflow(workflow.EvaluationRunWorkflow)
	evalWorker.RegisterActivity(evalActivities.PrepareRun)
	evalWorker.RegisterActivity(evalActivities.EvaluateQuestion)
	evalWorker.RegisterActivity(evalActivities.MarkQuestionFailed)
	evalWorker.RegisterActivity(evalActivities.FinalizeScript)

	workers := []sdkworker.Worker{defaultWorker, ocrWorker, evalWorker}
	for _, w := range workers {
		if err := w.Start(); err != nil {
			return nil, err
		}
	}
	return workers, nil
}

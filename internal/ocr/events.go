package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amarmakonis/assessment-engine/internal/domain"
	pkgactivity "github.com/amarmakonis/assessment-engine/pkg/activity"
	"github.com/amarmakonis/assessment-engine/pkg/events"
)

// pageExtractedPayload is the event body for one persisted page result.
type pageExtractedPayload struct {
	UploadID     string               `json:"uploadId"`
	PageNumber   int                  `json:"pageNumber"`
	Confidence   float64              `json:"confidence"`
	QualityFlags []domain.QualityFlag `json:"qualityFlags"`
	Provider     string               `json:"provider"`
	ProcessingMs int64                `json:"processingMs"`
}

// emitPageExtracted emits the per-page observability event, best-effort.
func (a *Activities) emitPageExtracted(ctx context.Context, r *domain.OCRPageResult) {
	ec := a.GetExecutionContext(ctx)

	payload, err := json.Marshal(pageExtractedPayload{
		UploadID:     r.UploadID,
		PageNumber:   r.PageNumber,
		Confidence:   r.Confidence,
		QualityFlags: r.QualityFlags,
		Provider:     r.Provider,
		ProcessingMs: r.ProcessingMs,
	})
	if err != nil {
		pkgactivity.SafeLogError(ctx, "marshal page event", "error", err)
		return
	}

	a.EmitEventSafe(ctx, events.Envelope{
		ID:             uuid.New().String(),
		Type:           "ocr.page_extracted",
		Source:         "ocr-activity",
		Version:        "1.0.0",
		Timestamp:      time.Now().UTC(),
		IdempotencyKey: fmt.Sprintf("ocr-%s-%d", r.UploadID, r.PageNumber),
		WorkflowID:     ec.WorkflowID,
		RunID:          ec.RunID,
		Payload:        payload,
	}, "page extracted event")
}

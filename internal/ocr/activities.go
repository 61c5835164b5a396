package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.temporal.io/sdk/temporal"

	"github.com/amarmakonis/assessment-engine/internal/domain"
	"github.com/amarmakonis/assessment-engine/internal/llm"
	"github.com/amarmakonis/assessment-engine/internal/storage"
	"github.com/amarmakonis/assessment-engine/internal/store"
	pkgactivity "github.com/amarmakonis/assessment-engine/pkg/activity"
)

// Activities carries the OCR stage's task implementations: ingest
// transition, rasterisation with fan-out preparation, per-page extraction,
// and aggregation.
type Activities struct {
	pkgactivity.BaseActivities
	st         *store.Store
	files      storage.Provider
	rasterizer Rasterizer
	reader     *PageReader
	pageLimit  int
}

// NewActivities wires the OCR activity set.
func NewActivities(
	base pkgactivity.BaseActivities,
	st *store.Store,
	files storage.Provider,
	rasterizer Rasterizer,
	reader *PageReader,
	pageLimit int,
) *Activities {
	return &Activities{
		BaseActivities: base,
		st:             st,
		files:          files,
		rasterizer:     rasterizer,
		reader:         reader,
		pageLimit:      pageLimit,
	}
}

// IngestUpload moves the upload into PROCESSING. Replays that find the
// upload already past UPLOADED succeed without side effects.
func (a *Activities) IngestUpload(ctx context.Context, uploadID string) error {
	err := a.st.Uploads.Transition(ctx, uploadID, domain.StatusUploaded, domain.StatusProcessing, "")
	if errors.Is(err, store.ErrConflict) {
		pkgactivity.SafeLog(ctx, "ingest replay, upload already processing", "upload_id", uploadID)
		return nil
	}
	if err != nil {
		return retryable("IngestUpload", err, "transition to PROCESSING failed")
	}
	return nil
}

// RasterizeUpload renders the uploaded document into per-page images stored
// alongside the original, and records the page count. Exceeding the page
// limit flags the upload and fails the stage permanently.
func (a *Activities) RasterizeUpload(ctx context.Context, uploadID string) (int, error) {
	upload, err := a.st.Uploads.Get(ctx, uploadID)
	if err != nil {
		return 0, retryable("RasterizeUpload", err, "load upload")
	}

	data, err := a.files.Get(ctx, upload.FileKey)
	if err != nil {
		return 0, retryable("RasterizeUpload", err, "fetch upload bytes")
	}

	pages, err := a.rasterizer.Rasterize(data, upload.MimeType, a.pageLimit)
	if errors.Is(err, ErrPageLimitExceeded) {
		if terr := a.st.Uploads.Transition(ctx, uploadID, upload.UploadStatus, domain.StatusFlagged,
			domain.KindPageLimitExceeded.String()); terr != nil && !errors.Is(terr, store.ErrConflict) {
			return 0, retryable("RasterizeUpload", terr, "flag upload")
		}
		return 0, nonRetryable("RasterizeUpload", err, "page limit exceeded")
	}
	if err != nil {
		return 0, nonRetryable("RasterizeUpload", err, "rasterisation failed")
	}

	for i, img := range pages {
		key := PageImageKey(uploadID, i+1)
		if _, err := a.files.Put(ctx, key, img, "image/png"); err != nil {
			return 0, retryable("RasterizeUpload", err, "store page image")
		}
	}

	if err := a.st.Uploads.SetPageCount(ctx, uploadID, len(pages)); err != nil {
		return 0, retryable("RasterizeUpload", err, "record page count")
	}

	pkgactivity.SafeLog(ctx, "upload rasterised", "upload_id", uploadID, "pages", len(pages))
	return len(pages), nil
}

// MarkUploadFailedInput records a permanent processing failure.
type MarkUploadFailedInput struct {
	UploadID string `json:"uploadId"`
	Reason   string `json:"reason"`
}

// MarkUploadFailed moves the upload to FAILED with the given reason. Already
// terminal uploads are left alone, so the call is safe on any failure path.
func (a *Activities) MarkUploadFailed(ctx context.Context, in MarkUploadFailedInput) error {
	upload, err := a.st.Uploads.Get(ctx, in.UploadID)
	if err != nil {
		return retryable("MarkUploadFailed", err, "load upload")
	}
	if upload.UploadStatus.IsTerminal() {
		return nil
	}
	err = a.st.Uploads.Transition(ctx, in.UploadID, upload.UploadStatus, domain.StatusFailed, in.Reason)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return retryable("MarkUploadFailed", err, "transition to FAILED")
	}
	return nil
}

// ExtractPageInput identifies one page extraction task. PageCount carries
// the sibling count for fan-in accounting.
type ExtractPageInput struct {
	UploadID   string `json:"uploadId"`
	PageNumber int    `json:"pageNumber"`
	PageCount  int    `json:"pageCount"`
}

// ExtractPage runs the vision extraction for one page and persists the
// terminal record. A replay that finds the record persisted returns without
// calling the provider. Malformed model output persists an UNREADABLE
// record; transport unavailability is retried by the activity policy.
func (a *Activities) ExtractPage(ctx context.Context, in ExtractPageInput) error {
	existing, err := a.st.OCRPages.ListByUpload(ctx, in.UploadID)
	if err != nil {
		return retryable("ExtractPage", err, "list page results")
	}
	for _, p := range existing {
		if p.PageNumber == in.PageNumber {
			pkgactivity.SafeLog(ctx, "extract replay, page already persisted",
				"upload_id", in.UploadID, "page", in.PageNumber)
			return nil
		}
	}

	img, err := a.files.Get(ctx, PageImageKey(in.UploadID, in.PageNumber))
	if err != nil {
		return retryable("ExtractPage", err, "fetch page image")
	}

	result, err := a.reader.ReadPage(ctx, in.UploadID, in.PageNumber, img)
	switch {
	case err == nil:
	case errors.Is(err, llm.ErrMalformed):
		unreadable := domain.UnreadablePage(in.UploadID, in.PageNumber, ProviderTag)
		result = &unreadable
		pkgactivity.SafeLogError(ctx, "page unreadable, persisting empty result",
			"upload_id", in.UploadID, "page", in.PageNumber, "error", err)
	case errors.Is(err, llm.ErrUnavailable):
		return retryable("ExtractPage", err, "vision provider unavailable")
	default:
		return retryable("ExtractPage", err, "page extraction failed")
	}

	if err := a.st.OCRPages.Save(ctx, *result); err != nil {
		return retryable("ExtractPage", err, "persist page result")
	}

	a.markPageDone(ctx, in)
	a.emitPageExtracted(ctx, result)
	return nil
}

// PersistUnreadablePage records the terminal empty result for a page whose
// extraction exhausted its retries. Used by the orchestrator so one dead
// page never aborts the batch.
func (a *Activities) PersistUnreadablePage(ctx context.Context, in ExtractPageInput) error {
	if err := a.st.OCRPages.Save(ctx, domain.UnreadablePage(in.UploadID, in.PageNumber, ProviderTag)); err != nil {
		return retryable("PersistUnreadablePage", err, "persist page result")
	}
	a.markPageDone(ctx, in)
	return nil
}

// markPageDone records fan-in completion for the page. Duplicate deliveries
// are absorbed by the completion set.
func (a *Activities) markPageDone(ctx context.Context, in ExtractPageInput) {
	done, first, err := a.st.Completions.MarkDone(ctx,
		fanKey(in.UploadID), fmt.Sprintf("page-%d", in.PageNumber), in.PageCount)
	if err != nil {
		pkgactivity.SafeLogError(ctx, "fan-in accounting failed",
			"upload_id", in.UploadID, "page", in.PageNumber, "error", err)
		return
	}
	if done && first {
		pkgactivity.SafeLog(ctx, "all pages extracted", "upload_id", in.UploadID)
	}
}

// PageAggregate is the OCR stage's fan-in product, handed to segmentation.
type PageAggregate struct {
	FullText      string               `json:"fullText"`
	AvgConfidence float64              `json:"avgConfidence"`
	QualityFlags  []domain.QualityFlag `json:"qualityFlags"`
	PageCount     int                  `json:"pageCount"`
}

// AggregatePages concatenates page texts in page order with page markers,
// averages confidence, unions quality flags, and moves the upload to
// OCR_COMPLETE. Replays that find the transition done still return the
// aggregate.
func (a *Activities) AggregatePages(ctx context.Context, uploadID string) (*PageAggregate, error) {
	pages, err := a.st.OCRPages.ListByUpload(ctx, uploadID)
	if err != nil {
		return nil, retryable("AggregatePages", err, "list page results")
	}
	if len(pages) == 0 {
		return nil, nonRetryable("AggregatePages", fmt.Errorf("no page results for upload %s", uploadID), "empty batch")
	}

	var b strings.Builder
	var confSum float64
	flagSet := make(map[domain.QualityFlag]struct{})
	for i, p := range pages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "--- Page %d ---\n", p.PageNumber)
		b.WriteString(p.ExtractedText)
		confSum += p.Confidence
		for _, f := range p.QualityFlags {
			flagSet[f] = struct{}{}
		}
	}

	flags := make([]domain.QualityFlag, 0, len(flagSet))
	for f := range flagSet {
		flags = append(flags, f)
	}
	flags = domain.FilterQualityFlags(flags)

	err = a.st.Uploads.Transition(ctx, uploadID, domain.StatusProcessing, domain.StatusOCRComplete, "")
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, retryable("AggregatePages", err, "transition to OCR_COMPLETE")
	}

	return &PageAggregate{
		FullText:      b.String(),
		AvgConfidence: confSum / float64(len(pages)),
		QualityFlags:  flags,
		PageCount:     len(pages),
	}, nil
}

// PageImageKey is the storage key for one rasterised page.
func PageImageKey(uploadID string, pageNumber int) string {
	return fmt.Sprintf("pages/%s/page-%03d.png", uploadID, pageNumber)
}

func fanKey(uploadID string) string { return "ocr:" + uploadID }

// retryable wraps transient failures for the activity retry policy.
func retryable(tag string, cause error, msg string) error {
	return temporal.NewApplicationError(msg, tag, cause)
}

// nonRetryable wraps permanent failures so the policy stops immediately.
func nonRetryable(tag string, cause error, msg string) error {
	return temporal.NewNonRetryableApplicationError(msg, tag, cause)
}

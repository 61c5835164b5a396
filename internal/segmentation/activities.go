package segmentation

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"

	"github.com/amarmakonis/assessment-engine/internal/domain"
	"github.com/amarmakonis/assessment-engine/internal/llm"
	"github.com/amarmakonis/assessment-engine/internal/ocr"
	"github.com/amarmakonis/assessment-engine/internal/store"
	pkgactivity "github.com/amarmakonis/assessment-engine/pkg/activity"
)

// Activities carries the segmentation stage's task implementation.
type Activities struct {
	pkgactivity.BaseActivities
	st        *store.Store
	segmenter *Segmenter
}

// NewActivities wires the segmentation activity set.
func NewActivities(base pkgactivity.BaseActivities, st *store.Store, segmenter *Segmenter) *Activities {
	return &Activities{BaseActivities: base, st: st, segmenter: segmenter}
}

// SegmentInput hands the OCR aggregate to the segmentation stage. Force
// requests a fresh segmentation even when a script already exists
// (re-segmentation); the script keeps its id and its answers are replaced.
type SegmentInput struct {
	UploadID  string            `json:"uploadId"`
	Aggregate ocr.PageAggregate `json:"aggregate"`
	Force     bool              `json:"force,omitempty"`
}

// SegmentUpload maps the OCR transcript onto the exam, creates the Script,
// and moves the upload to SEGMENTED. A replay that finds the script created
// returns its id without another model call. Persistent contract violation
// flags the upload with SEGMENTATION_FAILED and fails permanently.
func (a *Activities) SegmentUpload(ctx context.Context, in SegmentInput) (string, error) {
	if existing, err := a.st.Scripts.GetByUpload(ctx, in.UploadID); err == nil && !in.Force {
		pkgactivity.SafeLog(ctx, "segment replay, script already created",
			"upload_id", in.UploadID, "script_id", existing.ID)
		return existing.ID, nil
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", retryable("SegmentUpload", err, "look up script")
	}

	upload, err := a.st.Uploads.Get(ctx, in.UploadID)
	if err != nil {
		return "", retryable("SegmentUpload", err, "load upload")
	}
	exam, err := a.st.Exams.Get(ctx, upload.ExamID)
	if err != nil {
		return "", retryable("SegmentUpload", err, "load exam")
	}

	result, err := a.segmenter.Segment(ctx, exam, in.Aggregate.FullText)
	switch {
	case err == nil:
	case errors.Is(err, llm.ErrUnavailable):
		return "", retryable("SegmentUpload", err, "segmentation provider unavailable")
	case errors.Is(err, ErrContractViolation), errors.Is(err, llm.ErrMalformed):
		if terr := a.flagUpload(ctx, upload, domain.KindSegmentationFailed.String()); terr != nil {
			return "", retryable("SegmentUpload", terr, "flag upload")
		}
		return "", nonRetryable("SegmentUpload", err, "segmentation contract violated")
	default:
		return "", retryable("SegmentUpload", err, "segmentation failed")
	}

	answers := make([]domain.ScriptAnswer, len(result.Answers))
	for i, ans := range result.Answers {
		text := ""
		if ans.AnswerText != nil {
			text = *ans.AnswerText
		}
		answers[i] = domain.ScriptAnswer{
			QuestionID: ans.QuestionID,
			Text:       text,
			IsFlagged:  ans.AnswerText == nil || strings.TrimSpace(text) == "",
		}
	}

	script := domain.NewScript(in.UploadID, exam.ID, upload.StudentMeta, answers)
	script.OCRConfidenceAvg = in.Aggregate.AvgConfidence
	script.OCRQualityFlags = in.Aggregate.QualityFlags
	script.SegmentationConfidence = result.Confidence
	script.SegmentationNotes = result.Notes
	script.UnmappedText = result.Unmapped
	script.ID = deterministicScriptID(in.UploadID)

	if err := script.Validate(exam); err != nil {
		return "", nonRetryable("SegmentUpload", err, "script validation failed")
	}
	err = a.st.Scripts.Create(ctx, script)
	if errors.Is(err, store.ErrConflict) {
		err = a.st.Scripts.Update(ctx, script)
	}
	if err != nil {
		return "", retryable("SegmentUpload", err, "persist script")
	}
	if err := a.st.Uploads.SetScriptID(ctx, in.UploadID, script.ID); err != nil {
		return "", retryable("SegmentUpload", err, "link script")
	}

	err = a.st.Uploads.Transition(ctx, in.UploadID, domain.StatusOCRComplete, domain.StatusSegmented, "")
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return "", retryable("SegmentUpload", err, "transition to SEGMENTED")
	}

	pkgactivity.SafeLog(ctx, "upload segmented",
		"upload_id", in.UploadID,
		"script_id", script.ID,
		"confidence", result.Confidence)
	return script.ID, nil
}

func (a *Activities) flagUpload(ctx context.Context, upload *domain.UploadedScript, reason string) error {
	err := a.st.Uploads.Transition(ctx, upload.ID, upload.UploadStatus, domain.StatusFlagged, reason)
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}

// deterministicScriptID derives the script id from the upload so replays
// converge on one script per upload.
func deterministicScriptID(uploadID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("script:"+uploadID)).String()
}

func retryable(tag string, cause error, msg string) error {
	return temporal.NewApplicationError(msg, tag, cause)
}

func nonRetryable(tag string, cause error, msg string) error {
	return temporal.NewNonRetryableApplicationError(msg, tag, cause)
}

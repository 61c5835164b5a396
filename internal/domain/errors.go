package domain

// ErrorKind labels a failure persisted in an entity's failureReason. Callers
// observe failure only through entity state; the kinds below are the
// vocabulary that crosses that boundary.
type ErrorKind string

const (
	// KindValidation marks inputs that fail their declared schema. Surfaced
	// synchronously to the caller; no task side effect.
	KindValidation ErrorKind = "VALIDATION"

	// KindLLMUnavailable marks transport-level provider failure after
	// bounded retries. The enclosing task is retried with backoff.
	KindLLMUnavailable ErrorKind = "LLM_UNAVAILABLE"

	// KindLLMMalformed marks model output that stayed unparseable or
	// schema-invalid after repair. Fatal for the unit, never retried.
	KindLLMMalformed ErrorKind = "LLM_MALFORMED"

	// KindOCRUnreadable marks a page persisted with zero confidence. Does
	// not fail the script.
	KindOCRUnreadable ErrorKind = "OCR_UNREADABLE"

	// KindSegmentationFailed marks a segmenter output that violated its
	// contract after repair. The script is flagged; no evaluation runs.
	KindSegmentationFailed ErrorKind = "SEGMENTATION_FAILED"

	// KindQuestionFailed marks a question whose evaluation failed. The
	// result is persisted FAILED and the script flagged.
	KindQuestionFailed ErrorKind = "QUESTION_FAILED"

	// KindPageLimitExceeded marks an upload whose page count exceeds the
	// configured limit.
	KindPageLimitExceeded ErrorKind = "PAGE_LIMIT_EXCEEDED"
)

// String returns the persisted form of the kind.
func (k ErrorKind) String() string { return string(k) }

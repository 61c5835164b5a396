package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UploadStatus tracks an uploaded script through the processing graph.
// Statuses only advance in declaration order; StatusFailed and StatusFlagged
// are absorbing.
type UploadStatus string

const (
	StatusUploaded    UploadStatus = "UPLOADED"
	StatusProcessing  UploadStatus = "PROCESSING"
	StatusOCRComplete UploadStatus = "OCR_COMPLETE"
	StatusSegmented   UploadStatus = "SEGMENTED"
	StatusEvaluating  UploadStatus = "EVALUATING"
	StatusEvaluated   UploadStatus = "EVALUATED"
	StatusFailed      UploadStatus = "FAILED"
	StatusFlagged     UploadStatus = "FLAGGED"
)

// statusRank orders the non-terminal progression. Terminal failure states
// sit outside the rank order and are reachable from any non-terminal state.
var statusRank = map[UploadStatus]int{
	StatusUploaded:    0,
	StatusProcessing:  1,
	StatusOCRComplete: 2,
	StatusSegmented:   3,
	StatusEvaluating:  4,
	StatusEvaluated:   5,
}

// ErrInvalidTransition indicates a status change that violates the machine.
var ErrInvalidTransition = errors.New("invalid upload status transition")

// IsTerminal reports whether the status admits no further transitions.
func (s UploadStatus) IsTerminal() bool {
	return s == StatusEvaluated || s == StatusFailed || s == StatusFlagged
}

// CanTransition reports whether s may move to next. Forward-only through the
// declared order, one step at a time; FAILED and FLAGGED absorb from any
// non-terminal state.
func (s UploadStatus) CanTransition(next UploadStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed || next == StatusFlagged {
		return true
	}
	from, okFrom := statusRank[s]
	to, okTo := statusRank[next]
	return okFrom && okTo && to == from+1
}

// StudentMeta identifies the student an uploaded script belongs to.
type StudentMeta struct {
	Name   string `json:"name" validate:"required"`
	RollNo string `json:"rollNo" validate:"required"`
	Email  string `json:"email,omitempty" validate:"omitempty,email"`
}

// UploadedScript is the raw ingest record for one submitted answer script,
// before OCR and segmentation.
type UploadedScript struct {
	ID               string       `json:"id" validate:"required,uuid"`
	ExamID           string       `json:"examId" validate:"required"`
	StudentMeta      StudentMeta  `json:"studentMeta" validate:"required"`
	FileKey          string       `json:"fileKey" validate:"required"`
	OriginalFilename string       `json:"originalFilename" validate:"required"`
	MimeType         string       `json:"mimeType" validate:"required"`
	FileSizeBytes    int64        `json:"fileSizeBytes" validate:"min=0"`
	PageCount        int          `json:"pageCount,omitempty" validate:"min=0"`
	UploadStatus     UploadStatus `json:"uploadStatus" validate:"required"`
	FailureReason    string       `json:"failureReason,omitempty"`

	// ScriptID links to the post-segmentation Script once it exists.
	ScriptID string `json:"scriptId,omitempty"`

	CreatedAt time.Time `json:"createdAt" validate:"required"`
	UpdatedAt time.Time `json:"updatedAt" validate:"required"`
}

// NewUploadedScript creates an ingest record in StatusUploaded.
// Uses uuid.New and time.Now; do not call from workflow code.
func NewUploadedScript(examID string, meta StudentMeta, fileKey, filename, mimeType string, sizeBytes int64) (*UploadedScript, error) {
	now := time.Now().UTC()
	u := &UploadedScript{
		ID:               uuid.New().String(),
		ExamID:           examID,
		StudentMeta:      meta,
		FileKey:          fileKey,
		OriginalFilename: filename,
		MimeType:         mimeType,
		FileSizeBytes:    sizeBytes,
		UploadStatus:     StatusUploaded,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := validate.Struct(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Validate checks the record against its structural constraints.
func (u *UploadedScript) Validate() error { return validate.Struct(u) }

// Transition advances the status, enforcing the machine. A terminal failure
// transition records the reason on the entity.
func (u *UploadedScript) Transition(next UploadStatus, reason string) error {
	if !u.UploadStatus.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, u.UploadStatus, next)
	}
	u.UploadStatus = next
	if next == StatusFailed || next == StatusFlagged {
		u.FailureReason = reason
	}
	u.UpdatedAt = time.Now().UTC()
	return nil
}

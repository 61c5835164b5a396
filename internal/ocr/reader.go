package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amarmakonis/assessment-engine/internal/domain"
	"github.com/amarmakonis/assessment-engine/internal/llm"
)

// ProviderTag names the extraction provider on persisted page results.
const ProviderTag = "openai_vision"

// lowConfidenceThreshold adds FlagLowConfidence below this score, on top of
// whatever the model reports.
const lowConfidenceThreshold = 0.65

const extractionSystemPrompt = `You are a precise OCR engine for handwritten
and printed exam scripts. Extract ALL text from the document image,
preserving the original layout, line breaks, and paragraph structure as
closely as possible. Preserve the student's original spelling, grammar, and
punctuation exactly as written. If you cannot read a word, write [illegible].

Assess the scan quality. Available quality flags (use only these):
LOW_CONFIDENCE, LOW_CONTRAST, BLURRY, PARTIAL_SCAN, UNREADABLE.

Respond ONLY with a JSON object:
{
  "extractedText": "<all extracted text>",
  "confidenceScore": <float 0.0-1.0, your confidence in the extraction>,
  "qualityFlags": ["<flag>", ...]
}`

const extractionUserPrompt = "Extract all handwritten and printed text from this image."

// pageExtraction is the vision channel's wire schema for one page.
type pageExtraction struct {
	ExtractedText   string               `json:"extractedText"`
	ConfidenceScore float64              `json:"confidenceScore"`
	QualityFlags    []domain.QualityFlag `json:"qualityFlags"`
}

// PageReader extracts one page image into an OCRPageResult via the vision
// channel.
type PageReader struct {
	client    llm.Client
	maxTokens int
}

// NewPageReader creates a reader on the given gateway.
func NewPageReader(client llm.Client, maxTokens int) *PageReader {
	return &PageReader{client: client, maxTokens: maxTokens}
}

// ReadPage extracts a single page. Malformed model output after the
// gateway's parse handling yields llm.ErrMalformed; the caller persists an
// UNREADABLE record instead of failing the batch.
func (r *PageReader) ReadPage(ctx context.Context, uploadID string, pageNumber int, imagePNG []byte) (*domain.OCRPageResult, error) {
	start := time.Now()
	resp, err := r.client.VisionComplete(ctx, llm.VisionRequest{
		Request: llm.Request{
			System:      extractionSystemPrompt,
			User:        extractionUserPrompt,
			Temperature: 0,
			MaxTokens:   r.maxTokens,
		},
		ImageBytes: imagePNG,
		MimeType:   "image/png",
	})
	if err != nil {
		return nil, fmt.Errorf("extract page %d: %w", pageNumber, err)
	}
	if resp.Parsed == nil {
		return nil, fmt.Errorf("extract page %d: %w: not a JSON object", pageNumber, llm.ErrMalformed)
	}

	var ext pageExtraction
	if err := json.Unmarshal(resp.Parsed, &ext); err != nil {
		return nil, fmt.Errorf("extract page %d: %w: %v", pageNumber, llm.ErrMalformed, err)
	}
	if ext.ConfidenceScore < 0 || ext.ConfidenceScore > 1 {
		return nil, fmt.Errorf("extract page %d: %w: confidence %.2f outside [0,1]",
			pageNumber, llm.ErrMalformed, ext.ConfidenceScore)
	}

	flags := domain.FilterQualityFlags(ext.QualityFlags)
	if ext.ConfidenceScore < lowConfidenceThreshold {
		flags = domain.FilterQualityFlags(append(flags, domain.FlagLowConfidence))
	}

	return &domain.OCRPageResult{
		UploadID:      uploadID,
		PageNumber:    pageNumber,
		ExtractedText: ext.ExtractedText,
		Confidence:    ext.ConfidenceScore,
		QualityFlags:  flags,
		Provider:      ProviderTag,
		ProcessingMs:  time.Since(start).Milliseconds(),
		CreatedAt:     time.Now().UTC(),
	}, nil
}

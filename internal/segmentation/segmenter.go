// Package segmentation maps aggregated OCR text onto the declared exam
// structure: an ordered list of (questionId, answerText) pairs quoted
// verbatim from the transcript. Output violating the contract gets one
// repair attempt; persistent violation flags the script.
package segmentation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/amarmakonis/assessment-engine/internal/domain"
	"github.com/amarmakonis/assessment-engine/internal/llm"
)

// Segmentation contract errors.
var (
	ErrContractViolation = errors.New("segmentation output violates contract")
)

const systemPrompt = `# ROLE
You are AnswerMapper-1, a document segmentation specialist inside an
automated assessment pipeline. You take raw, noisy OCR text from a student's
handwritten answer script and map each portion to its exam question.

# STRICT RULES
1. Verbatim extraction only. Copy the student's answer text exactly as it
   appears in the transcript. Do NOT correct spelling, fix grammar,
   rephrase, summarize, or clean up the text in any way.
2. Every question must appear in your output exactly once. If a question has
   no identifiable answer, set its answerText to null — never omit the
   questionId.
3. Use ONLY the supplied questionIds. No invented content: text you cannot
   confidently assign goes to unmappedText.
4. Ignore page markers, page numbers, headers like "Roll No:", watermarks,
   and repeated lines that are clearly artifacts.
5. Question markers come in many forms ("Q1", "Ques 1", "1.", "1)", "Ans:",
   "(a)") and may themselves contain OCR errors ("Ql" for "Q1"). Students
   answer out of order and continue answers across pages — map by content
   when markers are missing, and concatenate continuations.
6. segmentationConfidence: 0.9-1.0 clear markers, unambiguous mapping;
   0.7-0.89 most answers identifiable; 0.5-0.69 significant ambiguity;
   below 0.5 unreliable, flag for human review.
7. Output ONLY valid JSON. No markdown, no explanation, no preamble.

# OUTPUT SCHEMA (strict)
` + schema

const schema = `{
  "answers": [
    {"questionId": "<exact questionId from the list>", "answerText": "<verbatim OCR text, or null>"}
  ],
  "unmappedText": "<OCR text that could not be mapped to any question>",
  "segmentationConfidence": <float 0.0-1.0>,
  "notes": "<observations about boundaries, noise, or missing answers>"
}`

// Result is the segmenter's validated product.
type Result struct {
	Answers    []Answer `json:"answers"`
	Unmapped   string   `json:"unmappedText"`
	Confidence float64  `json:"segmentationConfidence"`
	Notes      string   `json:"notes"`
}

// Answer is one mapped (questionId, answerText) pair. A nil text means the
// transcript held no identifiable answer.
type Answer struct {
	QuestionID string  `json:"questionId"`
	AnswerText *string `json:"answerText"`
}

// Segmenter drives the segmentation call with post-validation and one
// repair attempt.
type Segmenter struct {
	client    llm.Client
	maxTokens int
}

// NewSegmenter creates a segmenter on the given gateway.
func NewSegmenter(client llm.Client, maxTokens int) *Segmenter {
	return &Segmenter{client: client, maxTokens: maxTokens}
}

// Segment maps the transcript onto the exam's questions. Persistent
// contract violation after one repair returns ErrContractViolation wrapped
// with the last validation failure.
func (s *Segmenter) Segment(ctx context.Context, exam *domain.Exam, transcript string) (*Result, error) {
	userPrompt := buildUserPrompt(exam, transcript)

	prompt := userPrompt
	var lastContent string
	var lastErr error

	// Initial call plus exactly one repair.
	for attempt := 0; attempt <= 1; attempt++ {
		if attempt > 0 {
			prompt = llm.RepairPrompt(schema, lastErr, lastContent, attempt)
		}

		resp, err := s.client.Complete(ctx, llm.Request{
			System:      systemPrompt,
			User:        prompt,
			Temperature: 0,
			MaxTokens:   s.maxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("segment: %w", err)
		}
		lastContent = resp.Content

		result, err := decodeAndValidate(resp, exam, transcript)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrContractViolation, lastErr)
}

func buildUserPrompt(exam *domain.Exam, transcript string) string {
	type questionRef struct {
		QuestionID   string  `json:"questionId"`
		QuestionText string  `json:"questionText"`
		MaxMarks     float64 `json:"maxMarks"`
	}
	refs := make([]questionRef, len(exam.Questions))
	for i, q := range exam.Questions {
		refs[i] = questionRef{QuestionID: q.QuestionID, QuestionText: q.QuestionText, MaxMarks: q.MaxMarks}
	}
	block, _ := json.MarshalIndent(refs, "", "  ")

	var b strings.Builder
	b.WriteString("## Exam Questions\n")
	b.WriteString("Each answer in your output must reference one of these questionIds exactly.\n")
	fmt.Fprintf(&b, "```json\n%s\n```\n\n", block)
	b.WriteString("## Raw OCR Transcript\n")
	b.WriteString("Unprocessed OCR output from the student's handwritten answer script.\n")
	fmt.Fprintf(&b, "```\n%s\n```\n\n", transcript)
	b.WriteString("Segment the transcript and return your JSON output now.")
	return b.String()
}

// decodeAndValidate enforces the segmentation contract: declared ids only,
// complete single coverage, and verbatim quoting modulo whitespace.
func decodeAndValidate(resp *llm.Response, exam *domain.Exam, transcript string) (*Result, error) {
	if resp.Parsed == nil {
		return nil, fmt.Errorf("response is not a JSON object")
	}

	var result Result
	if err := json.Unmarshal(resp.Parsed, &result); err != nil {
		return nil, fmt.Errorf("decode segmentation: %w", err)
	}

	declared := make(map[string]struct{}, len(exam.Questions))
	for _, q := range exam.Questions {
		declared[q.QuestionID] = struct{}{}
	}

	seen := make(map[string]struct{}, len(result.Answers))
	normTranscript := domain.NormalizeWhitespace(transcript)
	for _, a := range result.Answers {
		if _, ok := declared[a.QuestionID]; !ok {
			return nil, fmt.Errorf("answer references undeclared question id %q", a.QuestionID)
		}
		if _, dup := seen[a.QuestionID]; dup {
			return nil, fmt.Errorf("question id %q mapped more than once", a.QuestionID)
		}
		seen[a.QuestionID] = struct{}{}

		if a.AnswerText != nil && strings.TrimSpace(*a.AnswerText) != "" {
			if !strings.Contains(normTranscript, domain.NormalizeWhitespace(*a.AnswerText)) {
				return nil, fmt.Errorf("answer for %q is not a verbatim quote from the transcript", a.QuestionID)
			}
		}
	}

	for id := range declared {
		if _, ok := seen[id]; !ok {
			return nil, fmt.Errorf("question id %q missing from output", id)
		}
	}

	if result.Confidence < 0 || result.Confidence > 1 {
		return nil, fmt.Errorf("segmentation confidence %.2f outside [0,1]", result.Confidence)
	}
	return &result, nil
}

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/amarmakonis/assessment-engine/internal/domain"
	"github.com/amarmakonis/assessment-engine/internal/evaluation"
	"github.com/amarmakonis/assessment-engine/internal/llm"
	"github.com/amarmakonis/assessment-engine/internal/ocr"
	"github.com/amarmakonis/assessment-engine/internal/segmentation"
	"github.com/amarmakonis/assessment-engine/internal/storage"
	"github.com/amarmakonis/assessment-engine/internal/store"
	pkgactivity "github.com/amarmakonis/assessment-engine/pkg/activity"
)

const (
	answerQ1 = "Polymorphism is the ability of objects to take multiple forms."
	answerQ2 = "Encapsulation hides internal state behind methods."
)

// graphClient is a deterministic gateway for end-to-end graph tests. It
// routes on the role codename embedded in each agent's system prompt and
// serves a fixed transcript on the vision channel.
type graphClient struct {
	mu       sync.Mutex
	calls    int
	failFor  string // criterion id whose scoring stays malformed
}

func (c *graphClient) count() {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

func (c *graphClient) VisionComplete(_ context.Context, _ llm.VisionRequest) (*llm.Response, error) {
	c.count()
	content := fmt.Sprintf(`{
		"extractedText": "Q1 %s\nQ2 %s",
		"confidenceScore": 0.92,
		"qualityFlags": []
	}`, answerQ1, answerQ2)
	return respond(content), nil
}

func (c *graphClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.count()

	switch {
	case strings.Contains(req.System, "AnswerMapper-1"):
		return respond(fmt.Sprintf(`{
			"answers": [
				{"questionId": "q1", "answerText": %q},
				{"questionId": "q2", "answerText": %q}
			],
			"unmappedText": "",
			"segmentationConfidence": 0.9,
			"notes": ""
		}`, answerQ1, answerQ2)), nil

	case strings.Contains(req.System, "RubricAnalyst-1"):
		if strings.Contains(req.User, "polymorphism") {
			return respond(groundingFor("c1", "Defines polymorphism", "c2", "Names two kinds")), nil
		}
		return respond(groundingFor("c3", "Defines encapsulation", "c4", "Gives an example")), nil

	case strings.Contains(req.System, "ChiefExaminer-1"):
		if strings.Contains(req.User, `"c1"`) {
			return respond(auditFor("c1", 4, "c2", 3)), nil
		}
		return respond(auditFor("c3", 5, "c4", 2.5)), nil

	case strings.Contains(req.System, "Examiner-1"):
		for _, tc := range []struct {
			id, quote string
			marks     float64
		}{
			{"c1", "Polymorphism is the ability", 4},
			{"c2", "multiple forms", 3},
			{"c3", "Encapsulation hides internal state", 5},
			{"c4", "behind methods", 2.5},
		} {
			if strings.Contains(req.User, fmt.Sprintf("%q", tc.id)) {
				if tc.id == c.failedCriterion() {
					return respond("not a json object at all"), nil
				}
				return respond(fmt.Sprintf(`{
					"criterionId": %q, "marksAwarded": %g, "maxMarks": 5,
					"justificationQuote": %q,
					"justificationReason": "Quoted evidence supports the award.",
					"confidenceScore": 0.9
				}`, tc.id, tc.marks, tc.quote)), nil
			}
		}
		if c.failedCriterion() != "" && strings.Contains(req.User, "not a json object at all") {
			return respond("not a json object at all"), nil
		}
		return nil, fmt.Errorf("unrouted scoring request")

	case strings.Contains(req.System, "Coach-1"):
		return respond(`{
			"summary": "A solid answer with clear definitions.",
			"strengths": ["Accurate core definitions"],
			"improvements": [],
			"studyRecommendations": ["Practice with worked examples"],
			"encouragementNote": "Your fundamentals are in good shape."
		}`), nil

	case strings.Contains(req.System, "Auditor-1"):
		return respond(`{
			"chainOfReasoning": "Each criterion was scored on quoted evidence and the audit confirmed every award.",
			"uncertaintyAreas": [],
			"reviewRecommendation": "AUTO_APPROVED",
			"reviewReason": "model estimate",
			"agentAgreementScore": 0.5
		}`), nil
	}
	return nil, fmt.Errorf("unrouted request")
}

func (c *graphClient) failedCriterion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failFor
}

func respond(content string) *llm.Response {
	resp := &llm.Response{
		Content:          content,
		PromptTokens:     10,
		CompletionTokens: 20,
		TotalTokens:      30,
		Model:            "graph-test",
		LatencyMs:        1,
	}
	if json.Valid([]byte(content)) && strings.HasPrefix(strings.TrimSpace(content), "{") {
		resp.Parsed = json.RawMessage(content)
	}
	return resp
}

func groundingFor(id1, desc1, id2, desc2 string) string {
	return fmt.Sprintf(`{
		"totalMarks": 10,
		"criteria": [
			{"criterionId": %q, "description": %q, "maxMarks": 5,
			 "requiredEvidencePoints": ["point one"], "isAmbiguous": false},
			{"criterionId": %q, "description": %q, "maxMarks": 5,
			 "requiredEvidencePoints": ["point two"], "isAmbiguous": false}
		],
		"groundingConfidence": 0.95
	}`, id1, desc1, id2, desc2)
}

func auditFor(id1 string, s1 float64, id2 string, s2 float64) string {
	return fmt.Sprintf(`{
		"overallAssessment": "CONSISTENT",
		"adjustments": [],
		"finalScores": [
			{"criterionId": %q, "finalScore": %g},
			{"criterionId": %q, "finalScore": %g}
		],
		"totalScore": %g,
		"auditNotes": "all awards supported"
	}`, id1, s1, id2, s2, s1+s2)
}

type graphEnv struct {
	env    *testsuite.TestWorkflowEnvironment
	st     *store.Store
	upload *domain.UploadedScript
}

func newGraphEnv(t *testing.T, client llm.Client) *graphEnv {
	t.Helper()
	ctx := context.Background()

	ts := &testsuite.WorkflowTestSuite{}
	env := ts.NewTestWorkflowEnvironment()
	env.SetTestTimeout(30 * time.Second)

	st := store.NewMemoryStore()
	files, err := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, err)

	exam := &domain.Exam{
		ID:      "exam-1",
		Title:   "OOP Basics",
		Subject: "Computer Science",
		Questions: []domain.Question{
			{
				QuestionID:   "q1",
				QuestionText: "Explain polymorphism.",
				MaxMarks:     10,
				Rubric: []domain.RubricCriterion{
					{CriterionID: "c1", Description: "Defines polymorphism", MaxMarks: 5},
					{CriterionID: "c2", Description: "Names two kinds", MaxMarks: 5},
				},
			},
			{
				QuestionID:   "q2",
				QuestionText: "Describe encapsulation.",
				MaxMarks:     10,
				Rubric: []domain.RubricCriterion{
					{CriterionID: "c3", Description: "Defines encapsulation", MaxMarks: 5},
					{CriterionID: "c4", Description: "Gives an example", MaxMarks: 5},
				},
			},
		},
		TotalMarks: 20,
	}
	require.NoError(t, exam.Validate())
	require.NoError(t, st.Exams.Create(ctx, exam))

	// A single-image upload: rasterisation passes the bytes through as one
	// page, keeping the graph test free of PDF fixtures.
	fileBytes := []byte("synthetic-scan-bytes")
	upload, err := domain.NewUploadedScript("exam-1",
		domain.StudentMeta{Name: "Asha Verma", RollNo: "CS-042"},
		"uploads/exam-1/scan", "scan.png", "image/png", int64(len(fileBytes)))
	require.NoError(t, err)
	_, err = files.Put(ctx, upload.FileKey, fileBytes, "image/png")
	require.NoError(t, err)
	require.NoError(t, st.Uploads.Create(ctx, upload))

	base := pkgactivity.NewBaseActivities(nil)
	oa := ocr.NewActivities(base, st, files, ocr.NewFitzRasterizer(), ocr.NewPageReader(client, 1024), 40)
	sa := segmentation.NewActivities(base, st, segmentation.NewSegmenter(client, 4096))
	ea := evaluation.NewActivities(base, st, evaluation.NewPipeline(client, 4, 0), store.NewMemoryLocker())

	env.RegisterWorkflow(ScriptWorkflow)
	env.RegisterWorkflow(EvaluationRunWorkflow)
	env.RegisterActivity(oa.IngestUpload)
	env.RegisterActivity(oa.RasterizeUpload)
	env.RegisterActivity(oa.ExtractPage)
	env.RegisterActivity(oa.PersistUnreadablePage)
	env.RegisterActivity(oa.AggregatePages)
	env.RegisterActivity(oa.MarkUploadFailed)
	env.RegisterActivity(sa.SegmentUpload)
	env.RegisterActivity(ea.PrepareRun)
	env.RegisterActivity(ea.EvaluateQuestion)
	env.RegisterActivity(ea.MarkQuestionFailed)
	env.RegisterActivity(ea.FinalizeScript)

	return &graphEnv{env: env, st: st, upload: upload}
}

// TestScriptWorkflowHappyPath drives a one-page upload through the whole
// graph with a deterministic gateway: OCR, segmentation, two question
// evaluations, and the terminal EVALUATED status.
func TestScriptWorkflowHappyPath(t *testing.T) {
	ctx := context.Background()
	g := newGraphEnv(t, &graphClient{})

	g.env.ExecuteWorkflow(ScriptWorkflow, ScriptRequest{UploadID: g.upload.ID})

	require.True(t, g.env.IsWorkflowCompleted())
	require.NoError(t, g.env.GetWorkflowError())

	var result ScriptResult
	require.NoError(t, g.env.GetWorkflowResult(&result))
	assert.Equal(t, OutcomeEvaluated, result.Outcome)
	assert.Equal(t, 1, result.PageCount)
	require.NotEmpty(t, result.ScriptID)

	upload, err := g.st.Uploads.Get(ctx, g.upload.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEvaluated, upload.UploadStatus)
	assert.Equal(t, result.ScriptID, upload.ScriptID)

	results, err := g.st.Results.ListByScript(ctx, result.ScriptID)
	require.NoError(t, err)
	require.Len(t, results, 2)

	var total, max float64
	for _, r := range results {
		assert.Equal(t, domain.EvalComplete, r.Status)
		total += r.TotalScore
		max += r.MaxPossibleScore
	}
	assert.Equal(t, 20.0, max)
	assert.LessOrEqual(t, total, max)
	assert.Equal(t, 14.5, total)

	// Percentage computed per result to one decimal.
	for _, r := range results {
		assert.InDelta(t, domain.Percentage(r.TotalScore, r.MaxPossibleScore), r.PercentageScore, 1e-9)
	}
}

// TestScriptWorkflowOneQuestionFails keeps q2's scoring persistently
// malformed: q1 completes, q2 is persisted FAILED, and the script lands in
// FLAGGED with the sibling result intact.
func TestScriptWorkflowOneQuestionFails(t *testing.T) {
	ctx := context.Background()
	g := newGraphEnv(t, &graphClient{failFor: "c3"})

	g.env.ExecuteWorkflow(ScriptWorkflow, ScriptRequest{UploadID: g.upload.ID})

	require.True(t, g.env.IsWorkflowCompleted())
	require.NoError(t, g.env.GetWorkflowError())

	var result ScriptResult
	require.NoError(t, g.env.GetWorkflowResult(&result))
	assert.Equal(t, OutcomeFlagged, result.Outcome)

	upload, err := g.st.Uploads.Get(ctx, g.upload.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFlagged, upload.UploadStatus)
	assert.Equal(t, domain.KindQuestionFailed.String(), upload.FailureReason)

	results, err := g.st.Results.ListByScript(ctx, result.ScriptID)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byQuestion := map[string]domain.EvaluationResult{}
	for _, r := range results {
		byQuestion[r.QuestionID] = r
	}
	assert.Equal(t, domain.EvalComplete, byQuestion["q1"].Status)
	assert.Equal(t, 7.0, byQuestion["q1"].TotalScore, "the healthy question's result stays intact")
	assert.Equal(t, domain.EvalFailed, byQuestion["q2"].Status)
}

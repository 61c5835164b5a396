package evaluation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amarmakonis/assessment-engine/internal/domain"
	"github.com/amarmakonis/assessment-engine/internal/store"
	pkgactivity "github.com/amarmakonis/assessment-engine/pkg/activity"
)

type fixture struct {
	st     *store.Store
	exam   *domain.Exam
	script *domain.Script
	upload *domain.UploadedScript
}

// newFixture seeds an exam with two questions, an upload in SEGMENTED state,
// and a segmented script with both answers present.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()

	exam := &domain.Exam{
		ID:      "exam-1",
		Title:   "OOP Basics",
		Subject: "Computer Science",
		Questions: []domain.Question{
			{
				QuestionID:   "q1",
				QuestionText: "Explain polymorphism and inheritance.",
				MaxMarks:     10,
				Rubric: []domain.RubricCriterion{
					{CriterionID: "c1", Description: "Defines polymorphism", MaxMarks: 5},
					{CriterionID: "c2", Description: "Explains inheritance", MaxMarks: 5},
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
	require.NoError(t, st.Exams.Create(ctx, exam))

	upload, err := domain.NewUploadedScript("exam-1",
		domain.StudentMeta{Name: "Asha Verma", RollNo: "CS-042"},
		"uploads/exam-1/k", "script.pdf", "application/pdf", 2048)
	require.NoError(t, err)
	require.NoError(t, st.Uploads.Create(ctx, upload))
	for _, next := range []domain.UploadStatus{domain.StatusProcessing, domain.StatusOCRComplete, domain.StatusSegmented} {
		from := upload.UploadStatus
		require.NoError(t, upload.Transition(next, ""))
		require.NoError(t, st.Uploads.Transition(ctx, upload.ID, from, next, ""))
	}

	script := domain.NewScript(upload.ID, exam.ID, upload.StudentMeta, []domain.ScriptAnswer{
		{QuestionID: "q1", Text: testAnswer},
		{QuestionID: "q2", Text: "Encapsulation hides internal state behind methods."},
	})
	require.NoError(t, st.Scripts.Create(ctx, script))

	return &fixture{st: st, exam: exam, script: script, upload: upload}
}

func newActivities(st *store.Store, client *routedClient) *Activities {
	base := pkgactivity.NewBaseActivities(nil)
	return NewActivities(base, st, NewPipeline(client, 4, 0), store.NewMemoryLocker())
}

// fullClient routes both questions' grounding and criteria.
func fullClient() *routedClient {
	c := happyClient()
	c.grounding["encapsulation"] = `{
		"totalMarks": 10,
		"criteria": [
			{"criterionId": "c3", "description": "Defines encapsulation", "maxMarks": 5,
			 "requiredEvidencePoints": ["definition of encapsulation"], "isAmbiguous": false},
			{"criterionId": "c4", "description": "Gives an example", "maxMarks": 5,
			 "requiredEvidencePoints": ["a concrete example"], "isAmbiguous": false}
		],
		"groundingConfidence": 0.9
	}`
	c.scoring["c3"] = scoreJSON("c3", 4, "Encapsulation hides internal state behind methods.")
	c.scoring["c4"] = scoreJSON("c4", 2, "Encapsulation hides internal state")
	return c
}

func TestPrepareRun(t *testing.T) {
	ctx := context.Background()

	t.Run("supersedes run id and lists evaluable questions", func(t *testing.T) {
		f := newFixture(t)
		a := newActivities(f.st, fullClient())

		out, err := a.PrepareRun(ctx, PrepareRunInput{
			UploadID: f.upload.ID, ScriptID: f.script.ID, RunID: "run-1",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"q1", "q2"}, out.QuestionIDs)
		assert.False(t, out.HasFlaggedAnswers)

		script, err := f.st.Scripts.Get(ctx, f.script.ID)
		require.NoError(t, err)
		assert.Equal(t, "run-1", script.CurrentRunID)

		upload, err := f.st.Uploads.Get(ctx, f.upload.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusEvaluating, upload.UploadStatus)
	})

	t.Run("empty answers are short-circuited, not scored", func(t *testing.T) {
		f := newFixture(t)
		script, err := f.st.Scripts.Get(ctx, f.script.ID)
		require.NoError(t, err)
		script.Answers[1] = domain.ScriptAnswer{QuestionID: "q2", Text: "", IsFlagged: true}
		require.NoError(t, f.st.Scripts.Update(ctx, script))

		a := newActivities(f.st, fullClient())
		out, err := a.PrepareRun(ctx, PrepareRunInput{
			UploadID: f.upload.ID, ScriptID: f.script.ID, RunID: "run-1",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"q1"}, out.QuestionIDs)
		assert.True(t, out.HasFlaggedAnswers)
	})
}

func TestEvaluateQuestion(t *testing.T) {
	ctx := context.Background()

	prepare := func(t *testing.T, f *fixture, a *Activities, runID string) {
		t.Helper()
		_, err := a.PrepareRun(ctx, PrepareRunInput{UploadID: f.upload.ID, ScriptID: f.script.ID, RunID: runID})
		require.NoError(t, err)
	}

	t.Run("persists a complete result", func(t *testing.T) {
		f := newFixture(t)
		client := fullClient()
		a := newActivities(f.st, client)
		prepare(t, f, a, "run-1")

		out, err := a.EvaluateQuestion(ctx, EvaluateQuestionInput{
			ScriptID: f.script.ID, QuestionID: "q1", RunID: "run-1", Expected: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.EvalComplete, out.Status)
		assert.False(t, out.AllDone, "one of two siblings is not completion")

		result, err := f.st.Results.Get(ctx, out.ResultID)
		require.NoError(t, err)
		assert.Equal(t, 7.5, result.TotalScore)
		assert.Equal(t, 10.0, result.MaxPossibleScore)
		assert.InDelta(t, 75.0, result.PercentageScore, 1e-9)
		assert.Equal(t, domain.EvaluationVersion, result.EvaluationVersion)
		assert.Positive(t, result.TokensUsed.Total)
	})

	t.Run("replay makes no provider calls and no state change", func(t *testing.T) {
		f := newFixture(t)
		client := fullClient()
		a := newActivities(f.st, client)
		prepare(t, f, a, "run-1")

		in := EvaluateQuestionInput{ScriptID: f.script.ID, QuestionID: "q1", RunID: "run-1", Expected: 2}
		first, err := a.EvaluateQuestion(ctx, in)
		require.NoError(t, err)
		callsAfterFirst := client.CallCount()

		second, err := a.EvaluateQuestion(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, first.ResultID, second.ResultID)
		assert.Equal(t, callsAfterFirst, client.CallCount(), "replay must not call the provider")

		all, err := f.st.Results.ListByScript(ctx, f.script.ID)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("one malformed question fails alone", func(t *testing.T) {
		f := newFixture(t)
		client := fullClient()
		client.scoring["c3"] = "never json"
		client.scoring["c4"] = "never json"
		a := newActivities(f.st, client)
		prepare(t, f, a, "run-1")

		q1, err := a.EvaluateQuestion(ctx, EvaluateQuestionInput{
			ScriptID: f.script.ID, QuestionID: "q1", RunID: "run-1", Expected: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.EvalComplete, q1.Status)

		q2, err := a.EvaluateQuestion(ctx, EvaluateQuestionInput{
			ScriptID: f.script.ID, QuestionID: "q2", RunID: "run-1", Expected: 2,
		})
		require.NoError(t, err, "a failed question is a persisted outcome, not an activity error")
		assert.Equal(t, domain.EvalFailed, q2.Status)
		assert.True(t, q2.AllDone, "second sibling completes the fan-in")

		// The complete sibling's result is intact.
		intact, err := f.st.Results.Get(ctx, q1.ResultID)
		require.NoError(t, err)
		assert.Equal(t, domain.EvalComplete, intact.Status)
		assert.Equal(t, 7.5, intact.TotalScore)

		failed, err := f.st.Results.Get(ctx, q2.ResultID)
		require.NoError(t, err)
		assert.Equal(t, domain.EvalFailed, failed.Status)
		assert.Equal(t, domain.ReviewRequired, failed.ReviewRecommendation)
	})

	t.Run("superseded run is discarded on write", func(t *testing.T) {
		f := newFixture(t)
		client := fullClient()
		a := newActivities(f.st, client)
		prepare(t, f, a, "run-1")

		// A newer run supersedes before the old completion lands.
		require.NoError(t, f.st.Scripts.SetRunID(ctx, f.script.ID, "run-2"))

		out, err := a.EvaluateQuestion(ctx, EvaluateQuestionInput{
			ScriptID: f.script.ID, QuestionID: "q1", RunID: "run-1", Expected: 2,
		})
		require.NoError(t, err)
		assert.True(t, out.Superseded)

		all, err := f.st.Results.ListByScript(ctx, f.script.ID)
		require.NoError(t, err)
		assert.Empty(t, all, "orphaned completion must not persist")
	})
}

func TestFinalizeScript(t *testing.T) {
	ctx := context.Background()

	finalize := func(t *testing.T, anyFailed, anyFlagged bool) domain.UploadStatus {
		t.Helper()
		f := newFixture(t)
		a := newActivities(f.st, fullClient())
		_, err := a.PrepareRun(ctx, PrepareRunInput{UploadID: f.upload.ID, ScriptID: f.script.ID, RunID: "run-1"})
		require.NoError(t, err)

		require.NoError(t, a.FinalizeScript(ctx, FinalizeScriptInput{
			UploadID: f.upload.ID, ScriptID: f.script.ID, RunID: "run-1",
			AnyFailed: anyFailed, AnyFlagged: anyFlagged,
		}))
		upload, err := f.st.Uploads.Get(ctx, f.upload.ID)
		require.NoError(t, err)
		return upload.UploadStatus
	}

	t.Run("all complete reaches EVALUATED", func(t *testing.T) {
		assert.Equal(t, domain.StatusEvaluated, finalize(t, false, false))
	})

	t.Run("any failed question flags the script", func(t *testing.T) {
		assert.Equal(t, domain.StatusFlagged, finalize(t, true, false))
	})

	t.Run("flagged answers flag the script", func(t *testing.T) {
		assert.Equal(t, domain.StatusFlagged, finalize(t, false, true))
	})
}

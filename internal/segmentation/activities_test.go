package segmentation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amarmakonis/assessment-engine/internal/domain"
	"github.com/amarmakonis/assessment-engine/internal/llm"
	"github.com/amarmakonis/assessment-engine/internal/ocr"
	"github.com/amarmakonis/assessment-engine/internal/store"
	pkgactivity "github.com/amarmakonis/assessment-engine/pkg/activity"
)

func seedOCRComplete(t *testing.T, st *store.Store) *domain.UploadedScript {
	t.Helper()
	ctx := context.Background()

	exam := twoQuestionExam()
	require.NoError(t, st.Exams.Create(ctx, exam))

	upload, err := domain.NewUploadedScript(exam.ID,
		domain.StudentMeta{Name: "Asha Verma", RollNo: "CS-042"},
		"uploads/exam-1/k", "script.pdf", "application/pdf", 512)
	require.NoError(t, err)
	require.NoError(t, st.Uploads.Create(ctx, upload))

	for _, next := range []domain.UploadStatus{domain.StatusProcessing, domain.StatusOCRComplete} {
		from := upload.UploadStatus
		require.NoError(t, upload.Transition(next, ""))
		require.NoError(t, st.Uploads.Transition(ctx, upload.ID, from, next, ""))
	}
	return upload
}

func TestSegmentUpload(t *testing.T) {
	ctx := context.Background()
	aggregate := ocr.PageAggregate{FullText: transcript, AvgConfidence: 0.9, PageCount: 1}

	t.Run("creates the script and advances the upload", func(t *testing.T) {
		st := store.NewMemoryStore()
		upload := seedOCRComplete(t, st)

		client := llm.NewScriptedClient(llm.JSONOutcome(`{
			"answers": [
				{"questionId": "q1", "answerText": "Polymorphism is many forms of one thing."},
				{"questionId": "q2", "answerText": null}
			],
			"unmappedText": "", "segmentationConfidence": 0.85, "notes": "q2 not attempted"
		}`))
		a := NewActivities(pkgactivity.NewBaseActivities(nil), st, NewSegmenter(client, 4096))

		scriptID, err := a.SegmentUpload(ctx, SegmentInput{UploadID: upload.ID, Aggregate: aggregate})
		require.NoError(t, err)

		script, err := st.Scripts.Get(ctx, scriptID)
		require.NoError(t, err)
		assert.Equal(t, 0.85, script.SegmentationConfidence)
		assert.True(t, script.Answers[1].IsFlagged, "null answers are flagged, not dropped")
		assert.Equal(t, []string{"q1"}, script.EvaluableQuestionIDs())

		got, err := st.Uploads.Get(ctx, upload.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusSegmented, got.UploadStatus)
		assert.Equal(t, scriptID, got.ScriptID)
	})

	t.Run("replay returns the existing script without a model call", func(t *testing.T) {
		st := store.NewMemoryStore()
		upload := seedOCRComplete(t, st)

		client := llm.NewScriptedClient(llm.JSONOutcome(`{
			"answers": [
				{"questionId": "q1", "answerText": "Polymorphism is many forms of one thing."},
				{"questionId": "q2", "answerText": null}
			],
			"unmappedText": "", "segmentationConfidence": 0.85, "notes": ""
		}`))
		a := NewActivities(pkgactivity.NewBaseActivities(nil), st, NewSegmenter(client, 4096))

		first, err := a.SegmentUpload(ctx, SegmentInput{UploadID: upload.ID, Aggregate: aggregate})
		require.NoError(t, err)
		callsAfterFirst := client.CallCount()

		second, err := a.SegmentUpload(ctx, SegmentInput{UploadID: upload.ID, Aggregate: aggregate})
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, callsAfterFirst, client.CallCount())
	})

	t.Run("persistent contract violation flags the upload", func(t *testing.T) {
		st := store.NewMemoryStore()
		upload := seedOCRComplete(t, st)

		// Both the initial call and the single repair omit q2.
		client := llm.NewScriptedClient(llm.JSONOutcome(`{
			"answers": [{"questionId": "q1", "answerText": "Polymorphism is many forms of one thing."}],
			"unmappedText": "", "segmentationConfidence": 0.8, "notes": ""
		}`))
		a := NewActivities(pkgactivity.NewBaseActivities(nil), st, NewSegmenter(client, 4096))

		_, err := a.SegmentUpload(ctx, SegmentInput{UploadID: upload.ID, Aggregate: aggregate})
		require.Error(t, err)

		got, err := st.Uploads.Get(ctx, upload.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFlagged, got.UploadStatus)
		assert.Equal(t, domain.KindSegmentationFailed.String(), got.FailureReason)

		_, err = st.Scripts.GetByUpload(ctx, upload.ID)
		assert.ErrorIs(t, err, store.ErrNotFound, "no evaluation input may exist for a flagged upload")
	})
}

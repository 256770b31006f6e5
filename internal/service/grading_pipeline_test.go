package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograde/internal/config"
	"github.com/noah-isme/gema-autograde/internal/models"
	"github.com/noah-isme/gema-autograde/internal/repository"
	"github.com/noah-isme/gema-autograde/pkg/ai"
	"github.com/noah-isme/gema-autograde/pkg/document"
	"github.com/noah-isme/gema-autograde/pkg/storage"
)

type pipelineFixture struct {
	db        *gorm.DB
	completer *stubCompleter
	extractor *stubExtractor
	uploader  *memoryUploader
	events    *recordingPublisher
	pipeline  GradingPipeline
}

func newPipelineFixture(t *testing.T, completer *stubCompleter, cfg PipelineConfig) *pipelineFixture {
	t.Helper()
	db := setupTestDB(t)
	fixture := &pipelineFixture{
		db:        db,
		completer: completer,
		extractor: &stubExtractor{},
		uploader:  &memoryUploader{},
		events:    &recordingPublisher{},
	}
	if cfg.GradingTimeout == 0 {
		cfg.GradingTimeout = time.Second
	}
	fixture.pipeline = NewGradingPipeline(PipelineDependencies{
		Submissions: repository.NewSubmissionRepository(db),
		Corrections: NewCorrectionResolver(repository.NewExerciseRepository(db), nil, time.Minute, testLogger()),
		Extractor:   fixture.extractor,
		Storage:     fixture.uploader,
		Completer:   completer,
		Events:      fixture.events,
	}, cfg, testLogger())
	return fixture
}

func strPtr(value string) *string {
	return &value
}

func TestGradingPipelineStoresParsedOutcome(t *testing.T) {
	completer := &stubCompleter{reply: "Note : 18/20\nFeedback : Réponse correcte."}
	fixture := newPipelineFixture(t, completer, PipelineConfig{AllowResubmission: true})
	exercise := seedExercise(t, fixture.db, strPtr("The answer is 42."))

	submission, err := fixture.pipeline.Run(context.Background(), PipelineInput{
		StudentID:  7,
		ExerciseID: exercise.ID,
		FileName:   "copie.pdf",
		Data:       fakePDF("I believe it is 42."),
	})
	require.NoError(t, err)
	require.NotZero(t, submission.ID)
	require.Equal(t, 18, submission.Grade)
	require.Equal(t, "Réponse correcte.", submission.Feedback)
	require.Equal(t, "1-copie.pdf", submission.FilePath)
	require.False(t, submission.SubmittedAt.IsZero())

	prompt := completer.lastPrompt()
	require.Contains(t, prompt, "I believe it is 42.")
	require.Contains(t, prompt, "The answer is 42.")
	require.EqualValues(t, 1, completer.calls.Load())

	listed, err := repository.NewSubmissionRepository(fixture.db).ListDetailed(context.Background(), repository.SubmissionFilter{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, submission.ID, listed[0].ID)
	require.Equal(t, submission.Grade, listed[0].Grade)
	require.Equal(t, submission.Feedback, listed[0].Feedback)
	require.Equal(t, submission.FilePath, listed[0].FilePath)
	require.Equal(t, "Question de cours", listed[0].ExerciseTitle)

	require.Len(t, fixture.events.events, 1)
	require.Equal(t, submission.ID, fixture.events.events[0].SubmissionID)
	require.Equal(t, "stub", fixture.events.events[0].Provider)
}

func TestGradingPipelineFallsBackOnUnstructuredReply(t *testing.T) {
	completer := &stubCompleter{reply: "I cannot evaluate this."}
	fixture := newPipelineFixture(t, completer, PipelineConfig{AllowResubmission: true})
	exercise := seedExercise(t, fixture.db, nil)

	submission, err := fixture.pipeline.Run(context.Background(), PipelineInput{
		StudentID:  3,
		ExerciseID: exercise.ID,
		FileName:   "copie.pdf",
		Data:       fakePDF("Réponse sans structure"),
	})
	require.NoError(t, err)
	require.Equal(t, ai.FallbackGrade, submission.Grade)
	require.Equal(t, ai.FallbackFeedback, submission.Feedback)
	require.Equal(t, false, submission.Evaluation["grade_matched"])
}

func TestGradingPipelineUnknownExerciseSkipsCompletion(t *testing.T) {
	completer := &stubCompleter{reply: "Note : 10/20\nFeedback : Ok."}
	fixture := newPipelineFixture(t, completer, PipelineConfig{AllowResubmission: true})

	_, err := fixture.pipeline.Run(context.Background(), PipelineInput{
		StudentID:  1,
		ExerciseID: 404,
		FileName:   "copie.pdf",
		Data:       fakePDF("texte"),
	})
	require.ErrorIs(t, err, ErrExerciseNotFound)

	stage, ok := StageOf(err)
	require.True(t, ok)
	require.Equal(t, StageResolveCorrection, stage)
	require.Zero(t, completer.calls.Load())
	require.Zero(t, countSubmissions(t, fixture.db))
}

func TestGradingPipelineUnknownExerciseWinsOverExtractionFailure(t *testing.T) {
	completer := &stubCompleter{reply: "Note : 10/20\nFeedback : Ok."}
	fixture := newPipelineFixture(t, completer, PipelineConfig{AllowResubmission: true})
	fixture.extractor.err = document.ErrMalformed

	for i := 0; i < 50; i++ {
		_, err := fixture.pipeline.Run(context.Background(), PipelineInput{
			StudentID:  1,
			ExerciseID: 999,
			FileName:   "copie.pdf",
			Data:       fakePDF("texte"),
		})
		require.ErrorIs(t, err, ErrExerciseNotFound)
		require.NotErrorIs(t, err, ErrExtraction)

		stage, _ := StageOf(err)
		require.Equal(t, StageResolveCorrection, stage)
	}
	require.Zero(t, completer.calls.Load())
	require.Zero(t, countSubmissions(t, fixture.db))
}

func TestGradingPipelineExtractionFailureSkipsPersistence(t *testing.T) {
	completer := &stubCompleter{reply: "Note : 10/20\nFeedback : Ok."}
	fixture := newPipelineFixture(t, completer, PipelineConfig{AllowResubmission: true})
	fixture.extractor.err = errors.New("broken xref table")
	exercise := seedExercise(t, fixture.db, strPtr("correction"))

	_, err := fixture.pipeline.Run(context.Background(), PipelineInput{
		StudentID:  1,
		ExerciseID: exercise.ID,
		FileName:   "copie.pdf",
		Data:       fakePDF("texte"),
	})
	require.ErrorIs(t, err, ErrExtraction)

	stage, _ := StageOf(err)
	require.Equal(t, StageExtract, stage)
	require.Zero(t, completer.calls.Load())
	require.Zero(t, countSubmissions(t, fixture.db))
	require.Len(t, fixture.uploader.files, 1, "document stays stored as an orphan")
}

func TestGradingPipelineCompletionFailure(t *testing.T) {
	completer := &stubCompleter{err: fmt.Errorf("%w: status 503", ai.ErrCompletionFailed)}
	fixture := newPipelineFixture(t, completer, PipelineConfig{AllowResubmission: true})
	exercise := seedExercise(t, fixture.db, strPtr("correction"))

	_, err := fixture.pipeline.Run(context.Background(), PipelineInput{
		StudentID:  1,
		ExerciseID: exercise.ID,
		FileName:   "copie.pdf",
		Data:       fakePDF("texte"),
	})
	require.ErrorIs(t, err, ErrGradingService)
	require.ErrorIs(t, err, ai.ErrCompletionFailed)
	require.Zero(t, countSubmissions(t, fixture.db))
	require.Empty(t, fixture.events.events)
}

func TestGradingPipelineTimesOutCompletion(t *testing.T) {
	completer := &stubCompleter{block: true}
	fixture := newPipelineFixture(t, completer, PipelineConfig{AllowResubmission: true, GradingTimeout: 50 * time.Millisecond})
	exercise := seedExercise(t, fixture.db, strPtr("correction"))

	started := time.Now()
	_, err := fixture.pipeline.Run(context.Background(), PipelineInput{
		StudentID:  1,
		ExerciseID: exercise.ID,
		FileName:   "copie.pdf",
		Data:       fakePDF("texte"),
	})
	require.ErrorIs(t, err, ErrGradingService)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(started), 5*time.Second)
	require.Zero(t, countSubmissions(t, fixture.db))
}

func TestGradingPipelineIgnoresCallerCancellation(t *testing.T) {
	completer := &stubCompleter{reply: "Note : 11/20\nFeedback : Passable."}
	fixture := newPipelineFixture(t, completer, PipelineConfig{AllowResubmission: true})
	exercise := seedExercise(t, fixture.db, strPtr("correction"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	submission, err := fixture.pipeline.Run(ctx, PipelineInput{
		StudentID:  2,
		ExerciseID: exercise.ID,
		FileName:   "copie.pdf",
		Data:       fakePDF("texte"),
	})
	require.NoError(t, err)
	require.Equal(t, 11, submission.Grade)
}

func TestGradingPipelineGradePolicies(t *testing.T) {
	cases := []struct {
		policy   string
		grade    int
		feedback string
		adjusted bool
	}{
		{policy: config.GradePolicyClamp, grade: 20, feedback: "Excellent.", adjusted: true},
		{policy: config.GradePolicyFallback, grade: 0, feedback: ai.FallbackFeedback, adjusted: true},
		{policy: config.GradePolicyPassthrough, grade: 97, feedback: "Excellent.", adjusted: false},
	}

	for _, tc := range cases {
		t.Run(tc.policy, func(t *testing.T) {
			completer := &stubCompleter{reply: "Note : 97/20\nFeedback : Excellent."}
			fixture := newPipelineFixture(t, completer, PipelineConfig{AllowResubmission: true, GradePolicy: tc.policy})
			exercise := seedExercise(t, fixture.db, strPtr("correction"))

			submission, err := fixture.pipeline.Run(context.Background(), PipelineInput{
				StudentID:  1,
				ExerciseID: exercise.ID,
				FileName:   "copie.pdf",
				Data:       fakePDF("texte"),
			})
			require.NoError(t, err)
			require.Equal(t, tc.grade, submission.Grade)
			require.Equal(t, tc.feedback, submission.Feedback)
			require.Equal(t, tc.adjusted, submission.Evaluation["grade_adjusted"])
			require.Equal(t, 97, submission.Evaluation["raw_grade"])
		})
	}
}

func TestGradingPipelineRejectsDuplicateWhenResubmissionDisabled(t *testing.T) {
	completer := &stubCompleter{reply: "Note : 9/20\nFeedback : Fragile."}
	fixture := newPipelineFixture(t, completer, PipelineConfig{AllowResubmission: false})
	exercise := seedExercise(t, fixture.db, strPtr("correction"))

	input := PipelineInput{StudentID: 4, ExerciseID: exercise.ID, FileName: "copie.pdf", Data: fakePDF("texte")}

	_, err := fixture.pipeline.Run(context.Background(), input)
	require.NoError(t, err)

	_, err = fixture.pipeline.Run(context.Background(), input)
	require.ErrorIs(t, err, ErrDuplicateSubmission)
	require.EqualValues(t, 1, completer.calls.Load())
	require.Len(t, fixture.uploader.files, 1)
	require.EqualValues(t, 1, countSubmissions(t, fixture.db))
}

func TestGradingPipelineAllowsResubmissionByDefault(t *testing.T) {
	completer := &stubCompleter{reply: "Note : 9/20\nFeedback : Fragile."}
	fixture := newPipelineFixture(t, completer, PipelineConfig{AllowResubmission: true})
	exercise := seedExercise(t, fixture.db, strPtr("correction"))

	input := PipelineInput{StudentID: 4, ExerciseID: exercise.ID, FileName: "copie.pdf", Data: fakePDF("texte")}
	first, err := fixture.pipeline.Run(context.Background(), input)
	require.NoError(t, err)
	second, err := fixture.pipeline.Run(context.Background(), input)
	require.NoError(t, err)

	require.NotEqual(t, first.ID, second.ID)
	require.NotEqual(t, first.FilePath, second.FilePath)
	require.EqualValues(t, 2, countSubmissions(t, fixture.db))
}

func TestGradingPipelineValidatesUpload(t *testing.T) {
	completer := &stubCompleter{reply: "Note : 9/20\nFeedback : Fragile."}
	fixture := newPipelineFixture(t, completer, PipelineConfig{AllowResubmission: true, MaxDocumentBytes: 64})
	exercise := seedExercise(t, fixture.db, strPtr("correction"))

	cases := map[string]struct {
		input PipelineInput
		want  error
	}{
		"missing student":  {input: PipelineInput{ExerciseID: exercise.ID, Data: fakePDF("x")}, want: ErrInvalidSubmission},
		"missing document": {input: PipelineInput{StudentID: 1, ExerciseID: exercise.ID}, want: ErrDocumentRequired},
		"too large":        {input: PipelineInput{StudentID: 1, ExerciseID: exercise.ID, Data: fakePDF(string(make([]byte, 128)))}, want: ErrDocumentTooLarge},
		"not a pdf":        {input: PipelineInput{StudentID: 1, ExerciseID: exercise.ID, Data: []byte("plain text answer")}, want: ErrUnsupportedDocument},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := fixture.pipeline.Run(context.Background(), tc.input)
			require.ErrorIs(t, err, tc.want)
			stage, _ := StageOf(err)
			require.Equal(t, StageValidate, stage)
		})
	}

	require.Zero(t, completer.calls.Load())
	require.Empty(t, fixture.uploader.files)
}

func TestGradingPipelineStorageFailure(t *testing.T) {
	completer := &stubCompleter{reply: "Note : 9/20\nFeedback : Fragile."}
	fixture := newPipelineFixture(t, completer, PipelineConfig{AllowResubmission: true})
	fixture.uploader.err = errors.New("disk full")
	exercise := seedExercise(t, fixture.db, strPtr("correction"))

	_, err := fixture.pipeline.Run(context.Background(), PipelineInput{StudentID: 1, ExerciseID: exercise.ID, FileName: "copie.pdf", Data: fakePDF("texte")})
	require.ErrorIs(t, err, ErrStorage)
	require.Zero(t, completer.calls.Load())
}

func TestGradingPipelineStripsMarkupFromFeedback(t *testing.T) {
	completer := &stubCompleter{reply: "Note : 12/20\nFeedback : <b>Bien</b> vu, l'idée est là <script>alert(1)</script>"}
	fixture := newPipelineFixture(t, completer, PipelineConfig{AllowResubmission: true})
	exercise := seedExercise(t, fixture.db, strPtr("correction"))

	submission, err := fixture.pipeline.Run(context.Background(), PipelineInput{StudentID: 1, ExerciseID: exercise.ID, FileName: "copie.pdf", Data: fakePDF("texte")})
	require.NoError(t, err)
	require.Equal(t, "Bien vu, l'idée est là", submission.Feedback)
}

func TestGradingPipelineStripsEntityEncodedMarkup(t *testing.T) {
	cases := map[string]string{
		"encoded":        "Note : 12/20\nFeedback : &lt;script&gt;alert(1)&lt;/script&gt; bien",
		"double encoded": "Note : 12/20\nFeedback : &amp;lt;script&amp;gt;alert(1)&amp;lt;/script&amp;gt; bien",
		"split tag":      "Note : 12/20\nFeedback : <<script>script>alert(1)<</script>/script> bien",
	}

	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			completer := &stubCompleter{reply: reply}
			fixture := newPipelineFixture(t, completer, PipelineConfig{AllowResubmission: true})
			exercise := seedExercise(t, fixture.db, strPtr("correction"))

			submission, err := fixture.pipeline.Run(context.Background(), PipelineInput{StudentID: 1, ExerciseID: exercise.ID, FileName: "copie.pdf", Data: fakePDF("texte")})
			require.NoError(t, err)
			require.NotContains(t, submission.Feedback, "<script")
			require.NotContains(t, submission.Feedback, "</script")
			require.Contains(t, submission.Feedback, "bien")
		})
	}
}

func TestGradingPipelineKeepsPlainPunctuationInFeedback(t *testing.T) {
	completer := &stubCompleter{reply: "Note : 14/20\nFeedback : Q1 & Q2 justes, l'écart x < y est mal justifié."}
	fixture := newPipelineFixture(t, completer, PipelineConfig{AllowResubmission: true})
	exercise := seedExercise(t, fixture.db, strPtr("correction"))

	submission, err := fixture.pipeline.Run(context.Background(), PipelineInput{StudentID: 1, ExerciseID: exercise.ID, FileName: "copie.pdf", Data: fakePDF("texte")})
	require.NoError(t, err)
	require.Equal(t, "Q1 & Q2 justes, l'écart x < y est mal justifié.", submission.Feedback)
}

func TestGradingPipelinePublishFailureDoesNotFailRun(t *testing.T) {
	completer := &stubCompleter{reply: "Note : 12/20\nFeedback : Bien."}
	fixture := newPipelineFixture(t, completer, PipelineConfig{AllowResubmission: true})
	fixture.events.err = errors.New("nats: connection closed")
	exercise := seedExercise(t, fixture.db, strPtr("correction"))

	submission, err := fixture.pipeline.Run(context.Background(), PipelineInput{StudentID: 1, ExerciseID: exercise.ID, FileName: "copie.pdf", Data: fakePDF("texte")})
	require.NoError(t, err)
	require.NotZero(t, submission.ID)
	require.EqualValues(t, 1, countSubmissions(t, fixture.db))
}

func TestGradingPipelineConcurrentRunsStayIsolated(t *testing.T) {
	studentPattern := regexp.MustCompile(`copie-eleve-(\d+)`)
	completer := &stubCompleter{respond: func(prompt string) string {
		match := studentPattern.FindStringSubmatch(prompt)
		if match == nil {
			return "illisible"
		}
		return fmt.Sprintf("Note : %s/20\nFeedback : Copie %s.", match[1], match[1])
	}}
	fixture := newPipelineFixture(t, completer, PipelineConfig{AllowResubmission: true})
	exercise := seedExercise(t, fixture.db, strPtr("correction partagée"))

	store, err := storage.NewLocal(t.TempDir(), testLogger())
	require.NoError(t, err)
	pipeline := NewGradingPipeline(PipelineDependencies{
		Submissions: repository.NewSubmissionRepository(fixture.db),
		Corrections: NewCorrectionResolver(repository.NewExerciseRepository(fixture.db), nil, time.Minute, testLogger()),
		Extractor:   fixture.extractor,
		Storage:     store,
		Completer:   completer,
	}, PipelineConfig{AllowResubmission: true, GradingTimeout: time.Second}, testLogger())

	const students = 12
	results := make([]models.Submission, students)
	errs := make([]error, students)
	var wg sync.WaitGroup
	for i := 1; i <= students; i++ {
		wg.Add(1)
		go func(student int) {
			defer wg.Done()
			results[student-1], errs[student-1] = pipeline.Run(context.Background(), PipelineInput{
				StudentID:  uint(student),
				ExerciseID: exercise.ID,
				FileName:   "copie.pdf",
				Data:       fakePDF(fmt.Sprintf("copie-eleve-%d", student)),
			})
		}(i)
	}
	wg.Wait()

	paths := map[string]struct{}{}
	for i, submission := range results {
		require.NoError(t, errs[i])
		student := i + 1
		require.Equal(t, uint(student), submission.StudentID)
		require.Equal(t, student, submission.Grade)
		require.Equal(t, "Copie "+strconv.Itoa(student)+".", submission.Feedback)
		_, reused := paths[submission.FilePath]
		require.False(t, reused, "file %s reused", submission.FilePath)
		paths[submission.FilePath] = struct{}{}
	}

	var exerciseAfter models.Exercise
	require.NoError(t, fixture.db.First(&exerciseAfter, exercise.ID).Error)
	require.Equal(t, "correction partagée", exerciseAfter.ReferenceCorrection())
}

func TestApplyGradePolicyKeepsInRangeGrades(t *testing.T) {
	for _, policy := range []string{config.GradePolicyClamp, config.GradePolicyFallback, config.GradePolicyPassthrough} {
		outcome, adjusted := applyGradePolicy(policy, ai.Outcome{Grade: 14, Feedback: "Bien."})
		require.False(t, adjusted)
		require.Equal(t, 14, outcome.Grade)
		require.Equal(t, "Bien.", outcome.Feedback)
	}
}

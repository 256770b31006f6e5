package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-autograde/internal/config"
	"github.com/noah-isme/gema-autograde/internal/models"
	"github.com/noah-isme/gema-autograde/internal/observability"
	"github.com/noah-isme/gema-autograde/internal/repository"
	"github.com/noah-isme/gema-autograde/pkg/ai"
	"github.com/noah-isme/gema-autograde/pkg/document"
)

// DocumentExtractor turns an uploaded document into plain text.
type DocumentExtractor interface {
	Extract(ctx context.Context, data []byte) (string, error)
}

// FileUploader stores binary data and returns a reference to it.
type FileUploader interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// PipelineInput is one validated upload awaiting grading.
type PipelineInput struct {
	StudentID     uint
	ExerciseID    uint
	FileName      string
	Data          []byte
	CorrelationID string
}

// PipelineConfig tunes the grading pipeline.
type PipelineConfig struct {
	GradePolicy       string
	GradingTimeout    time.Duration
	MaxDocumentBytes  int64
	MaxInputRunes     int
	AllowResubmission bool
}

// PipelineDependencies are the collaborators a pipeline run calls in order.
type PipelineDependencies struct {
	Submissions repository.SubmissionRepository
	Corrections CorrectionResolver
	Extractor   DocumentExtractor
	Storage     FileUploader
	Completer   ai.Completer
	Events      GradedEventPublisher
}

// GradingPipeline grades an uploaded answer and stores the outcome.
type GradingPipeline interface {
	Run(ctx context.Context, input PipelineInput) (models.Submission, error)
}

type gradingPipeline struct {
	deps      PipelineDependencies
	cfg       PipelineConfig
	sanitizer *bluemonday.Policy
	tracer    trace.Tracer
	logger    zerolog.Logger
	now       func() time.Time
}

// NewGradingPipeline wires the grading stages together.
func NewGradingPipeline(deps PipelineDependencies, cfg PipelineConfig, logger zerolog.Logger) GradingPipeline {
	if cfg.GradingTimeout <= 0 {
		cfg.GradingTimeout = 90 * time.Second
	}
	if cfg.GradePolicy == "" {
		cfg.GradePolicy = config.GradePolicyClamp
	}

	return &gradingPipeline{
		deps:      deps,
		cfg:       cfg,
		sanitizer: bluemonday.StrictPolicy(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-autograde/internal/service/grading_pipeline"),
		logger:    logger.With().Str("component", "grading_pipeline").Logger(),
		now:       time.Now,
	}
}

// Run executes validate, ingest, extract with resolve, prompt, grade, parse and persist.
// The first failing stage stops the run and is reported through a *StageError.
// Caller cancellation is ignored once the run has started; only the grading call has a deadline.
func (p *gradingPipeline) Run(ctx context.Context, input PipelineInput) (submission models.Submission, err error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := p.tracer.Start(ctx, "grading.pipeline", trace.WithAttributes(
		attribute.Int64("submission.student_id", int64(input.StudentID)),
		attribute.Int64("submission.exercise_id", int64(input.ExerciseID)),
		attribute.Int("submission.document_bytes", len(input.Data)),
	))
	defer span.End()

	logger := p.logger.With().
		Str("correlation_id", input.CorrelationID).
		Uint("student_id", input.StudentID).
		Uint("exercise_id", input.ExerciseID).
		Logger()

	var storedPath string
	defer func() {
		if err == nil {
			observability.PipelineRuns().WithLabelValues("graded", "").Inc()
			return
		}

		stage, _ := StageOf(err)
		observability.PipelineRuns().WithLabelValues("failed", string(stage)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(stage))

		event := logger.Error()
		if errors.Is(err, ErrExerciseNotFound) || errors.Is(err, ErrDuplicateSubmission) || stage == StageValidate {
			event = logger.Warn()
		}
		event.Err(err).Str("stage", string(stage)).Msg("grading pipeline failed")

		if storedPath != "" {
			logger.Warn().Str("file_path", storedPath).Str("stage", string(stage)).Msg("uploaded document left without submission")
		}
	}()

	if err := p.validate(ctx, input); err != nil {
		return models.Submission{}, err
	}

	start := time.Now()
	storedPath, err = p.deps.Storage.Upload(ctx, input.FileName, bytes.NewReader(input.Data))
	p.observeStage(span, StageIngest, start)
	if err != nil {
		return models.Submission{}, failAt(StageIngest, fmt.Errorf("%w: %w", ErrStorage, err))
	}

	studentText, correction, err := p.gather(ctx, input)
	if err != nil {
		return models.Submission{}, err
	}
	if studentText == "" {
		logger.Warn().Str("file_path", storedPath).Msg("document contains no extractable text")
	}

	start = time.Now()
	prompt := ai.BuildPrompt(studentText, correction, ai.PromptOptions{MaxInputRunes: p.cfg.MaxInputRunes})
	p.observeStage(span, StageBuildPrompt, start)
	if prompt.Truncated {
		logger.Info().Int("max_input_runes", p.cfg.MaxInputRunes).Msg("prompt inputs truncated")
	}

	start = time.Now()
	reply, err := p.complete(ctx, prompt.Text)
	p.observeStage(span, StageGrade, start)
	if err != nil {
		return models.Submission{}, failAt(StageGrade, fmt.Errorf("%w: %w", ErrGradingService, err))
	}

	start = time.Now()
	parsed := ai.ParseOutcome(reply)
	outcome, adjusted := applyGradePolicy(p.cfg.GradePolicy, parsed)
	outcome.Feedback = p.cleanFeedback(outcome.Feedback)
	p.observeStage(span, StageParse, start)
	p.recordAnomalies(logger, parsed, adjusted)

	submission = models.Submission{
		StudentID:   input.StudentID,
		ExerciseID:  input.ExerciseID,
		FilePath:    storedPath,
		Grade:       outcome.Grade,
		Feedback:    outcome.Feedback,
		SubmittedAt: p.now().UTC(),
		Evaluation: datatypes.JSONMap{
			"provider":         p.deps.Completer.Provider(),
			"model":            p.deps.Completer.Model(),
			"grade_policy":     p.cfg.GradePolicy,
			"raw_grade":        parsed.Grade,
			"grade_matched":    parsed.GradeMatched,
			"feedback_matched": parsed.FeedbackMatched,
			"grade_adjusted":   adjusted,
			"prompt_truncated": prompt.Truncated,
			"reply_chars":      len([]rune(reply)),
		},
	}

	start = time.Now()
	err = p.deps.Submissions.Create(ctx, &submission)
	p.observeStage(span, StagePersist, start)
	if err != nil {
		return models.Submission{}, failAt(StagePersist, fmt.Errorf("%w: %w", ErrPersistence, err))
	}
	storedPath = ""

	observability.GradesAssigned().Observe(float64(submission.Grade))
	span.SetAttributes(
		attribute.Int64("submission.id", int64(submission.ID)),
		attribute.Int("submission.grade", submission.Grade),
	)
	logger.Info().Uint("submission_id", submission.ID).Int("grade", submission.Grade).Msg("submission graded")

	p.publish(ctx, logger, submission)

	return submission, nil
}

func (p *gradingPipeline) validate(ctx context.Context, input PipelineInput) error {
	switch {
	case input.StudentID == 0 || input.ExerciseID == 0:
		return failAt(StageValidate, ErrInvalidSubmission)
	case len(input.Data) == 0:
		return failAt(StageValidate, ErrDocumentRequired)
	case p.cfg.MaxDocumentBytes > 0 && int64(len(input.Data)) > p.cfg.MaxDocumentBytes:
		return failAt(StageValidate, ErrDocumentTooLarge)
	case !document.IsPDF(input.Data):
		return failAt(StageValidate, ErrUnsupportedDocument)
	}

	if p.cfg.AllowResubmission {
		return nil
	}

	count, err := p.deps.Submissions.CountByStudentAndExercise(ctx, input.StudentID, input.ExerciseID)
	if err != nil {
		return failAt(StageValidate, fmt.Errorf("%w: %w", ErrPersistence, err))
	}
	if count > 0 {
		return failAt(StageValidate, ErrDuplicateSubmission)
	}

	return nil
}

// gather runs extraction and the correction lookup side by side.
// A missing exercise cancels extraction so no completion call is spent on it.
// The lookup always runs to completion and its error takes precedence, so an
// unknown exercise reports as such even when the document is also unreadable.
func (p *gradingPipeline) gather(ctx context.Context, input PipelineInput) (string, string, error) {
	var (
		studentText, correction string
		extractErr, resolveErr  error
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer observeSince(StageExtract, time.Now())

		text, err := p.deps.Extractor.Extract(groupCtx, input.Data)
		if err != nil {
			extractErr = failAt(StageExtract, fmt.Errorf("%w: %w", ErrExtraction, err))
			return extractErr
		}
		studentText = text
		return nil
	})

	group.Go(func() error {
		defer observeSince(StageResolveCorrection, time.Now())

		text, err := p.deps.Corrections.Resolve(ctx, input.ExerciseID)
		if err != nil {
			resolveErr = failAt(StageResolveCorrection, err)
			return resolveErr
		}
		correction = text
		return nil
	})

	_ = group.Wait()

	if resolveErr != nil {
		return "", "", resolveErr
	}
	if extractErr != nil {
		return "", "", extractErr
	}

	return studentText, correction, nil
}

func (p *gradingPipeline) complete(ctx context.Context, prompt string) (string, error) {
	gradeCtx, cancel := context.WithTimeout(ctx, p.cfg.GradingTimeout)
	defer cancel()

	return p.deps.Completer.Complete(gradeCtx, prompt)
}

// maxSanitizePasses bounds how many layers of entity encoding are peeled off feedback.
const maxSanitizePasses = 4

// cleanFeedback strips any markup the model produced before it is shown to students.
// Entity-encoded markup is decoded and stripped again until the text stops changing.
// Text that still carries markup after maxSanitizePasses is kept in escaped form.
func (p *gradingPipeline) cleanFeedback(feedback string) string {
	cleaned := feedback
	settled := false
	for i := 0; i < maxSanitizePasses; i++ {
		next := html.UnescapeString(p.sanitizer.Sanitize(cleaned))
		if next == cleaned {
			settled = true
			break
		}
		cleaned = next
	}
	if !settled {
		cleaned = p.sanitizer.Sanitize(cleaned)
	}

	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return ai.FallbackFeedback
	}
	return cleaned
}

func (p *gradingPipeline) recordAnomalies(logger zerolog.Logger, parsed ai.Outcome, adjusted bool) {
	if !parsed.GradeMatched {
		observability.ParseAnomalies().WithLabelValues("grade_fallback").Inc()
		logger.Warn().Msg("completion reply has no score line, using fallback grade")
	}
	if !parsed.FeedbackMatched {
		observability.ParseAnomalies().WithLabelValues("feedback_fallback").Inc()
	}
	if adjusted {
		observability.ParseAnomalies().WithLabelValues("grade_out_of_range").Inc()
		logger.Warn().Int("raw_grade", parsed.Grade).Str("policy", p.cfg.GradePolicy).Msg("grade outside scale adjusted")
	}
}

func (p *gradingPipeline) publish(ctx context.Context, logger zerolog.Logger, submission models.Submission) {
	if p.deps.Events == nil {
		return
	}

	event := newGradedEvent(submission, p.deps.Completer.Provider(), p.deps.Completer.Model())
	if err := p.deps.Events.PublishGraded(ctx, event); err != nil {
		observability.GradedEvents().WithLabelValues("error").Inc()
		logger.Warn().Err(err).Uint("submission_id", submission.ID).Msg("failed to publish graded event")
		return
	}
	observability.GradedEvents().WithLabelValues("published").Inc()
}

func observeSince(stage Stage, start time.Time) {
	observability.PipelineStageLatency().WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
}

func (p *gradingPipeline) observeStage(span trace.Span, stage Stage, start time.Time) {
	elapsed := time.Since(start)
	observability.PipelineStageLatency().WithLabelValues(string(stage)).Observe(elapsed.Seconds())
	span.AddEvent(string(stage), trace.WithAttributes(attribute.Int64("stage.duration_ms", elapsed.Milliseconds())))
}

// applyGradePolicy brings a parsed grade onto the 0..20 scale according to policy.
// The second result reports whether the grade was changed.
func applyGradePolicy(policy string, outcome ai.Outcome) (ai.Outcome, bool) {
	if ai.InRange(outcome.Grade) {
		return outcome, false
	}

	switch policy {
	case config.GradePolicyPassthrough:
		return outcome, false
	case config.GradePolicyFallback:
		outcome.Grade = ai.FallbackGrade
		outcome.Feedback = ai.FallbackFeedback
		return outcome, true
	default:
		if outcome.Grade > ai.MaxGrade {
			outcome.Grade = ai.MaxGrade
		} else {
			outcome.Grade = 0
		}
		return outcome, true
	}
}

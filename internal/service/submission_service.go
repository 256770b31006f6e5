package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograde/internal/dto"
	"github.com/noah-isme/gema-autograde/internal/middleware"
	"github.com/noah-isme/gema-autograde/internal/repository"
)

// SubmissionService orchestrates submission workflows.
type SubmissionService interface {
	Submit(ctx context.Context, payload dto.SubmissionCreateRequest, file *multipart.FileHeader) (dto.SubmissionResponse, error)
	List(ctx context.Context, filter dto.SubmissionFilter) ([]dto.SubmissionListItem, error)
	Override(ctx context.Context, id uint, payload dto.SubmissionOverrideRequest) (dto.SubmissionResponse, error)
}

type submissionService struct {
	submissions repository.SubmissionRepository
	pipeline    GradingPipeline
	validator   *validator.Validate
	maxBytes    int64
	logger      zerolog.Logger
}

// NewSubmissionService constructs a SubmissionService instance.
func NewSubmissionService(subRepo repository.SubmissionRepository, pipeline GradingPipeline, validate *validator.Validate, maxBytes int64, logger zerolog.Logger) SubmissionService {
	return &submissionService{
		submissions: subRepo,
		pipeline:    pipeline,
		validator:   validate,
		maxBytes:    maxBytes,
		logger:      logger.With().Str("component", "submission_service").Logger(),
	}
}

func (s *submissionService) Submit(ctx context.Context, payload dto.SubmissionCreateRequest, file *multipart.FileHeader) (dto.SubmissionResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.SubmissionResponse{}, err
	}

	if file == nil {
		return dto.SubmissionResponse{}, failAt(StageValidate, ErrDocumentRequired)
	}
	if s.maxBytes > 0 && file.Size > s.maxBytes {
		return dto.SubmissionResponse{}, failAt(StageValidate, ErrDocumentTooLarge)
	}

	data, err := s.readDocument(file)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}

	submission, err := s.pipeline.Run(ctx, PipelineInput{
		StudentID:     payload.StudentID,
		ExerciseID:    payload.ExerciseID,
		FileName:      file.Filename,
		Data:          data,
		CorrelationID: middleware.CorrelationIDFromContext(ctx),
	})
	if err != nil {
		return dto.SubmissionResponse{}, err
	}

	return dto.NewSubmissionResponse(submission), nil
}

func (s *submissionService) readDocument(file *multipart.FileHeader) ([]byte, error) {
	reader, err := file.Open()
	if err != nil {
		return nil, failAt(StageValidate, fmt.Errorf("failed to open file: %w", err))
	}
	defer reader.Close()

	var source io.Reader = reader
	if s.maxBytes > 0 {
		source = io.LimitReader(reader, s.maxBytes+1)
	}

	data, err := io.ReadAll(source)
	if err != nil {
		return nil, failAt(StageValidate, fmt.Errorf("failed to read file: %w", err))
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, failAt(StageValidate, ErrDocumentTooLarge)
	}

	return data, nil
}

func (s *submissionService) List(ctx context.Context, filter dto.SubmissionFilter) ([]dto.SubmissionListItem, error) {
	if err := s.validator.Struct(filter); err != nil {
		return nil, err
	}

	details, err := s.submissions.ListDetailed(ctx, repository.SubmissionFilter{
		StudentID:  filter.StudentID,
		ExerciseID: filter.ExerciseID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	return dto.NewSubmissionListItems(details), nil
}

// Override replaces the grade and feedback of a stored submission. The last write wins.
func (s *submissionService) Override(ctx context.Context, id uint, payload dto.SubmissionOverrideRequest) (dto.SubmissionResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.SubmissionResponse{}, err
	}

	if err := s.submissions.UpdateOutcome(ctx, id, *payload.Grade, *payload.Feedback); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.SubmissionResponse{}, ErrSubmissionNotFound
		}
		return dto.SubmissionResponse{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	updated, err := s.submissions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.SubmissionResponse{}, ErrSubmissionNotFound
		}
		return dto.SubmissionResponse{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	s.logger.Info().Uint("submission_id", id).Int("grade", updated.Grade).Msg("submission outcome overridden")

	return dto.NewSubmissionResponse(updated), nil
}

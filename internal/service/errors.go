package service

import (
	"errors"
	"fmt"
)

var (
	// ErrExerciseNotFound indicates the referenced exercise does not exist.
	ErrExerciseNotFound = errors.New("exercise not found")
	// ErrSubmissionNotFound indicates a submission could not be found.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrInvalidSubmission indicates the upload did not name a student and an exercise.
	ErrInvalidSubmission = errors.New("student and exercise are required")
	// ErrDocumentRequired indicates the upload carried no document.
	ErrDocumentRequired = errors.New("document is required")
	// ErrDocumentTooLarge indicates the upload exceeded the configured size cap.
	ErrDocumentTooLarge = errors.New("document exceeds the upload size limit")
	// ErrUnsupportedDocument indicates the upload is not a PDF document.
	ErrUnsupportedDocument = errors.New("only PDF documents are accepted")
	// ErrDuplicateSubmission indicates the student already submitted this exercise.
	ErrDuplicateSubmission = errors.New("submission already exists for this exercise")
	// ErrStorage indicates the document could not be stored.
	ErrStorage = errors.New("failed to store document")
	// ErrExtraction indicates no text could be read from the document.
	ErrExtraction = errors.New("failed to extract document text")
	// ErrGradingService indicates the completion service failed or timed out.
	ErrGradingService = errors.New("grading service unavailable")
	// ErrPersistence indicates the graded submission could not be saved or read.
	ErrPersistence = errors.New("failed to persist submission")
)

// Stage names a step of the grading pipeline.
type Stage string

// Pipeline stages in execution order.
const (
	StageValidate          Stage = "validate"
	StageIngest            Stage = "ingest"
	StageExtract           Stage = "extract"
	StageResolveCorrection Stage = "resolve_correction"
	StageBuildPrompt       Stage = "build_prompt"
	StageGrade             Stage = "grade"
	StageParse             Stage = "parse"
	StagePersist           Stage = "persist"
)

// StageError reports the stage at which a pipeline run stopped.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the failing stage carried by err, if any.
func StageOf(err error) (Stage, bool) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage, true
	}
	return "", false
}

func failAt(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

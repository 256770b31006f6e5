package dto

import (
	"time"

	"github.com/noah-isme/gema-autograde/internal/models"
)

// SubmissionCreateRequest describes the multipart fields of a submission upload.
type SubmissionCreateRequest struct {
	StudentID  uint `form:"student_id" validate:"required,gt=0"`
	ExerciseID uint `form:"exercise_id" validate:"required,gt=0"`
}

// SubmissionOverrideRequest carries a teacher's manual grade and feedback.
// Both fields are pointers so an omitted field can be told apart from a zero value.
type SubmissionOverrideRequest struct {
	Grade    *int    `json:"grade" validate:"required,gte=0,lte=20"`
	Feedback *string `json:"feedback" validate:"required,min=1"`
}

// SubmissionFilter describes query string filters for listing submissions.
type SubmissionFilter struct {
	StudentID  *uint `query:"student_id" validate:"omitempty,gt=0"`
	ExerciseID *uint `query:"exercise_id" validate:"omitempty,gt=0"`
}

// SubmissionResponse is returned after a submission has been graded.
type SubmissionResponse struct {
	ID          uint      `json:"id"`
	StudentID   uint      `json:"student_id"`
	ExerciseID  uint      `json:"exercise_id"`
	FilePath    string    `json:"file_path"`
	Grade       int       `json:"grade"`
	Feedback    string    `json:"feedback"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// SubmissionListItem is one row of the joined submission listing.
type SubmissionListItem struct {
	SubmissionResponse
	StudentEmail  string `json:"student_email"`
	ExerciseTitle string `json:"exercise_title"`
}

// NewSubmissionResponse converts a Submission model into a DTO.
func NewSubmissionResponse(model models.Submission) SubmissionResponse {
	return SubmissionResponse{
		ID:          model.ID,
		StudentID:   model.StudentID,
		ExerciseID:  model.ExerciseID,
		FilePath:    model.FilePath,
		Grade:       model.Grade,
		Feedback:    model.Feedback,
		SubmittedAt: model.SubmittedAt,
	}
}

// NewSubmissionListItems converts joined rows into DTOs.
func NewSubmissionListItems(details []models.SubmissionDetail) []SubmissionListItem {
	items := make([]SubmissionListItem, 0, len(details))
	for _, detail := range details {
		items = append(items, SubmissionListItem{
			SubmissionResponse: SubmissionResponse{
				ID:          detail.ID,
				StudentID:   detail.StudentID,
				ExerciseID:  detail.ExerciseID,
				FilePath:    detail.FilePath,
				Grade:       detail.Grade,
				Feedback:    detail.Feedback,
				SubmittedAt: detail.SubmittedAt,
			},
			StudentEmail:  detail.StudentEmail,
			ExerciseTitle: detail.ExerciseTitle,
		})
	}

	return items
}

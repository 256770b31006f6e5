package models

import (
	"time"

	"gorm.io/datatypes"
)

// Submission is one student's graded answer to one exercise.
// Rows are written once by the grading pipeline; only grade and feedback may change afterwards.
type Submission struct {
	ID          uint              `gorm:"primaryKey" json:"id"`
	StudentID   uint              `gorm:"not null;index" json:"student_id"`
	ExerciseID  uint              `gorm:"not null;index" json:"exercise_id"`
	FilePath    string            `gorm:"size:512;not null" json:"file_path"`
	Grade       int               `gorm:"not null" json:"grade"`
	Feedback    string            `gorm:"type:text" json:"feedback"`
	SubmittedAt time.Time         `gorm:"not null" json:"submitted_at"`
	Evaluation  datatypes.JSONMap `json:"evaluation,omitempty"`
}

// SubmissionDetail is a submission joined with the student email and the exercise title.
type SubmissionDetail struct {
	ID            uint      `json:"id"`
	StudentID     uint      `json:"student_id"`
	ExerciseID    uint      `json:"exercise_id"`
	FilePath      string    `json:"file_path"`
	Grade         int       `json:"grade"`
	Feedback      string    `json:"feedback"`
	SubmittedAt   time.Time `json:"submitted_at"`
	StudentEmail  string    `json:"student_email"`
	ExerciseTitle string    `json:"exercise_title"`
}

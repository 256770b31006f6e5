package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograde/internal/models"
)

// SubmissionFilter allows narrowing submission queries.
type SubmissionFilter struct {
	StudentID  *uint
	ExerciseID *uint
}

// SubmissionRepository defines data operations for submissions.
type SubmissionRepository interface {
	Create(ctx context.Context, submission *models.Submission) error
	GetByID(ctx context.Context, id uint) (models.Submission, error)
	ListDetailed(ctx context.Context, filter SubmissionFilter) ([]models.SubmissionDetail, error)
	UpdateOutcome(ctx context.Context, id uint, grade int, feedback string) error
	CountByStudentAndExercise(ctx context.Context, studentID, exerciseID uint) (int64, error)
}

type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository creates a GORM-backed submission repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

func (r *submissionRepository) Create(ctx context.Context, submission *models.Submission) error {
	return r.db.WithContext(ctx).Create(submission).Error
}

func (r *submissionRepository) GetByID(ctx context.Context, id uint) (models.Submission, error) {
	var submission models.Submission
	if err := r.db.WithContext(ctx).First(&submission, id).Error; err != nil {
		return models.Submission{}, err
	}

	return submission, nil
}

// ListDetailed returns submissions newest first. Rows whose student or exercise
// has been removed are kept with an empty email or title.
func (r *submissionRepository) ListDetailed(ctx context.Context, filter SubmissionFilter) ([]models.SubmissionDetail, error) {
	query := r.db.WithContext(ctx).
		Table("submissions AS s").
		Select(`s.id, s.student_id, s.exercise_id, s.file_path, s.grade, s.feedback, s.submitted_at,
			COALESCE(u.email, '') AS student_email,
			COALESCE(e.title, '') AS exercise_title`).
		Joins("LEFT JOIN users u ON u.id = s.student_id").
		Joins("LEFT JOIN exercises e ON e.id = s.exercise_id")

	if filter.StudentID != nil {
		query = query.Where("s.student_id = ?", *filter.StudentID)
	}
	if filter.ExerciseID != nil {
		query = query.Where("s.exercise_id = ?", *filter.ExerciseID)
	}

	details := make([]models.SubmissionDetail, 0)
	if err := query.Order("s.submitted_at DESC").Order("s.id DESC").Scan(&details).Error; err != nil {
		return nil, err
	}

	return details, nil
}

func (r *submissionRepository) UpdateOutcome(ctx context.Context, id uint, grade int, feedback string) error {
	result := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"grade": grade, "feedback": feedback})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}

	return nil
}

func (r *submissionRepository) CountByStudentAndExercise(ctx context.Context, studentID, exerciseID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("student_id = ? AND exercise_id = ?", studentID, exerciseID).
		Count(&count).Error

	return count, err
}

package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograde/internal/models"
)

// ExerciseRepository exposes the read-only exercise lookups the grading core needs.
type ExerciseRepository interface {
	GetByID(ctx context.Context, id uint) (models.Exercise, error)
}

type exerciseRepository struct {
	db *gorm.DB
}

// NewExerciseRepository instantiates a GORM-backed repository.
func NewExerciseRepository(db *gorm.DB) ExerciseRepository {
	return &exerciseRepository{db: db}
}

func (r *exerciseRepository) GetByID(ctx context.Context, id uint) (models.Exercise, error) {
	var exercise models.Exercise
	if err := r.db.WithContext(ctx).First(&exercise, id).Error; err != nil {
		return models.Exercise{}, err
	}

	return exercise, nil
}

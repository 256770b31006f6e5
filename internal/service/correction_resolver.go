package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograde/internal/observability"
	"github.com/noah-isme/gema-autograde/internal/repository"
)

// CorrectionResolver returns the reference correction of an exercise.
type CorrectionResolver interface {
	Resolve(ctx context.Context, exerciseID uint) (string, error)
}

type correctionResolver struct {
	exercises repository.ExerciseRepository
	cache     *redis.Client
	ttl       time.Duration
	logger    zerolog.Logger
}

// NewCorrectionResolver builds a resolver reading through an optional Redis cache.
// A nil cache disables caching.
func NewCorrectionResolver(exercises repository.ExerciseRepository, cache *redis.Client, ttl time.Duration, logger zerolog.Logger) CorrectionResolver {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &correctionResolver{
		exercises: exercises,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With().Str("component", "correction_resolver").Logger(),
	}
}

// Resolve returns the correction text, empty when the exercise has none.
// ErrExerciseNotFound is returned when the exercise does not exist.
func (r *correctionResolver) Resolve(ctx context.Context, exerciseID uint) (string, error) {
	key := correctionCacheKey(exerciseID)

	if r.cache != nil {
		cached, err := r.cache.Get(ctx, key).Result()
		switch {
		case err == nil:
			observability.CorrectionCache().WithLabelValues("hit").Inc()
			return cached, nil
		case !errors.Is(err, redis.Nil):
			r.logger.Warn().Err(err).Uint("exercise_id", exerciseID).Msg("failed to read correction cache")
		}
	}

	exercise, err := r.exercises.GetByID(ctx, exerciseID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrExerciseNotFound
		}
		return "", fmt.Errorf("%w: load exercise %d: %w", ErrPersistence, exerciseID, err)
	}

	correction := exercise.ReferenceCorrection()

	if r.cache != nil {
		observability.CorrectionCache().WithLabelValues("miss").Inc()
		if err := r.cache.Set(ctx, key, correction, r.ttl).Err(); err != nil {
			r.logger.Warn().Err(err).Uint("exercise_id", exerciseID).Msg("failed to store correction cache")
		}
	}

	return correction, nil
}

func correctionCacheKey(exerciseID uint) string {
	return fmt.Sprintf("exercise:correction:v1:%d", exerciseID)
}

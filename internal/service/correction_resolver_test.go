package service

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-autograde/internal/models"
	"github.com/noah-isme/gema-autograde/internal/repository"
)

type countingExerciseRepo struct {
	repository.ExerciseRepository
	calls int
}

func (c *countingExerciseRepo) GetByID(ctx context.Context, id uint) (models.Exercise, error) {
	c.calls++
	return c.ExerciseRepository.GetByID(ctx, id)
}

func TestCorrectionResolverReadsThroughCache(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	db := setupTestDB(t)
	exercise := seedExercise(t, db, strPtr("La dérivée de x² est 2x."))
	repo := &countingExerciseRepo{ExerciseRepository: repository.NewExerciseRepository(db)}
	resolver := NewCorrectionResolver(repo, client, time.Minute, testLogger())

	first, err := resolver.Resolve(context.Background(), exercise.ID)
	require.NoError(t, err)
	second, err := resolver.Resolve(context.Background(), exercise.ID)
	require.NoError(t, err)

	require.Equal(t, "La dérivée de x² est 2x.", first)
	require.Equal(t, first, second)
	require.Equal(t, 1, repo.calls)
	require.True(t, server.Exists(correctionCacheKey(exercise.ID)))

	server.FastForward(2 * time.Minute)
	_, err = resolver.Resolve(context.Background(), exercise.ID)
	require.NoError(t, err)
	require.Equal(t, 2, repo.calls)
}

func TestCorrectionResolverCachesEmptyCorrection(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	db := setupTestDB(t)
	exercise := seedExercise(t, db, nil)
	repo := &countingExerciseRepo{ExerciseRepository: repository.NewExerciseRepository(db)}
	resolver := NewCorrectionResolver(repo, client, time.Minute, testLogger())

	for i := 0; i < 2; i++ {
		correction, err := resolver.Resolve(context.Background(), exercise.ID)
		require.NoError(t, err)
		require.Empty(t, correction)
	}
	require.Equal(t, 1, repo.calls)
}

func TestCorrectionResolverNotFound(t *testing.T) {
	db := setupTestDB(t)
	resolver := NewCorrectionResolver(repository.NewExerciseRepository(db), nil, 0, testLogger())

	_, err := resolver.Resolve(context.Background(), 12345)
	require.ErrorIs(t, err, ErrExerciseNotFound)
}

func TestCorrectionResolverFallsBackWhenCacheUnavailable(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	defer client.Close()
	server.Close()

	db := setupTestDB(t)
	exercise := seedExercise(t, db, strPtr("correction"))
	resolver := NewCorrectionResolver(repository.NewExerciseRepository(db), client, time.Minute, testLogger())

	correction, err := resolver.Resolve(context.Background(), exercise.ID)
	require.NoError(t, err)
	require.Equal(t, "correction", correction)
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/gema-autograde/internal/models"
)

// GradedEvent is broadcast once a submission has been graded and stored.
type GradedEvent struct {
	SubmissionID uint      `json:"submission_id"`
	StudentID    uint      `json:"student_id"`
	ExerciseID   uint      `json:"exercise_id"`
	Grade        int       `json:"grade"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	GradedAt     time.Time `json:"graded_at"`
}

// GradedEventPublisher fans graded events out to downstream consumers.
type GradedEventPublisher interface {
	PublishGraded(ctx context.Context, event GradedEvent) error
}

// subjectPublisher is the part of *nats.Conn used for graded events.
type subjectPublisher interface {
	Publish(subject string, data []byte) error
}

type brokerPublisher struct {
	nats         subjectPublisher
	natsSubject  string
	redis        *redis.Client
	redisChannel string
}

// NewGradedEventPublisher publishes on whichever of NATS and Redis pub/sub is configured.
// With neither configured, events are dropped.
func NewGradedEventPublisher(natsConn *nats.Conn, natsSubject string, redisClient *redis.Client, redisChannel string) GradedEventPublisher {
	publisher := &brokerPublisher{
		natsSubject:  natsSubject,
		redis:        redisClient,
		redisChannel: redisChannel,
	}
	if natsConn != nil {
		publisher.nats = natsConn
	}
	return publisher
}

// PublishGraded attempts every configured broker; one failing broker does not stop the others.
func (p *brokerPublisher) PublishGraded(ctx context.Context, event GradedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var errs []error
	if p.redis != nil && p.redisChannel != "" {
		if err := p.redis.Publish(ctx, p.redisChannel, payload).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis publish: %w", err))
		}
	}

	if p.nats != nil && p.natsSubject != "" {
		if err := p.nats.Publish(p.natsSubject, payload); err != nil {
			errs = append(errs, fmt.Errorf("nats publish: %w", err))
		}
	}

	return errors.Join(errs...)
}

func newGradedEvent(submission models.Submission, provider, model string) GradedEvent {
	return GradedEvent{
		SubmissionID: submission.ID,
		StudentID:    submission.StudentID,
		ExerciseID:   submission.ExerciseID,
		Grade:        submission.Grade,
		Provider:     provider,
		Model:        model,
		GradedAt:     submission.SubmittedAt,
	}
}

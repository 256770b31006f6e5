package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograde/internal/models"
)

const pdfHeader = "%PDF-1.4\n"

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Exercise{}, &models.Submission{}))
	return db
}

func seedExercise(t *testing.T, db *gorm.DB, correction *string) models.Exercise {
	t.Helper()
	exercise := models.Exercise{TeacherID: 1, Title: "Question de cours", Correction: correction}
	require.NoError(t, db.Create(&exercise).Error)
	return exercise
}

func countSubmissions(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&models.Submission{}).Count(&count).Error)
	return count
}

// fakePDF carries plain text behind a PDF signature so type sniffing accepts it.
func fakePDF(text string) []byte {
	return []byte(pdfHeader + text)
}

type stubExtractor struct {
	err error
}

func (s *stubExtractor) Extract(ctx context.Context, data []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return strings.TrimPrefix(string(data), pdfHeader), nil
}

type memoryUploader struct {
	mu    sync.Mutex
	files map[string][]byte
	seq   int
	err   error
}

func (m *memoryUploader) Upload(ctx context.Context, name string, reader io.Reader) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = map[string][]byte{}
	}
	m.seq++
	stored := fmt.Sprintf("%d-%s", m.seq, name)
	m.files[stored] = data
	return stored, nil
}

type stubCompleter struct {
	calls   atomic.Int32
	reply   string
	err     error
	block   bool
	respond func(prompt string) string

	mu      sync.Mutex
	prompts []string
}

func (s *stubCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if s.err != nil {
		return "", s.err
	}
	if s.respond != nil {
		return s.respond(prompt), nil
	}
	return s.reply, nil
}

func (s *stubCompleter) Provider() string { return "stub" }

func (s *stubCompleter) Model() string { return "stub-model" }

func (s *stubCompleter) lastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.prompts) == 0 {
		return ""
	}
	return s.prompts[len(s.prompts)-1]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []GradedEvent
	err    error
}

func (r *recordingPublisher) PublishGraded(ctx context.Context, event GradedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

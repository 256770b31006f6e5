package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// LocalStorage keeps uploaded documents on the local filesystem.
type LocalStorage struct {
	dir    string
	logger zerolog.Logger
	now    func() time.Time
}

// NewLocal prepares the upload directory and returns a filesystem store.
func NewLocal(dir string, logger zerolog.Logger) (*LocalStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("upload directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}

	return &LocalStorage{
		dir:    dir,
		logger: logger.With().Str("component", "local_storage").Logger(),
		now:    time.Now,
	}, nil
}

// Upload writes the reader to a new file and returns its stored name.
// Files are created exclusively, an existing name is never overwritten.
func (s *LocalStorage) Upload(ctx context.Context, name string, reader io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	stored := UniqueName(name, s.now())
	path := filepath.Join(s.dir, stored)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}

	if _, err := io.Copy(file, reader); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write upload file: %w", err)
	}

	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close upload file: %w", err)
	}

	s.logger.Debug().Str("file_path", stored).Msg("document stored")
	return stored, nil
}

// Path resolves a stored name to its location on disk.
func (s *LocalStorage) Path(stored string) string {
	return filepath.Join(s.dir, filepath.Base(stored))
}

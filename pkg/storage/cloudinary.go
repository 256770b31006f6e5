package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog"
)

// CloudinaryConfig contains credentials required to talk to Cloudinary.
type CloudinaryConfig struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// CloudinaryStorage stores uploaded documents as raw Cloudinary assets.
type CloudinaryStorage struct {
	client *cloudinary.Cloudinary
	folder string
	logger zerolog.Logger
	now    func() time.Time
}

// NewCloudinary constructs a Cloudinary backed store.
func NewCloudinary(cfg CloudinaryConfig, logger zerolog.Logger) (*CloudinaryStorage, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	return &CloudinaryStorage{
		client: cld,
		folder: strings.Trim(cfg.Folder, "/"),
		logger: logger.With().Str("component", "cloudinary_storage").Logger(),
		now:    time.Now,
	}, nil
}

// Upload sends the document to Cloudinary and returns its secure URL.
func (s *CloudinaryStorage) Upload(ctx context.Context, name string, reader io.Reader) (string, error) {
	stored := UniqueName(name, s.now())

	overwrite := false
	params := uploader.UploadParams{
		Folder:       s.folder,
		PublicID:     strings.TrimSuffix(stored, filepath.Ext(stored)),
		ResourceType: "raw",
		Overwrite:    &overwrite,
	}

	result, err := s.client.Upload.Upload(ctx, reader, params)
	if err != nil {
		return "", fmt.Errorf("failed to upload document: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("cloudinary rejected upload: %s", result.Error.Message)
	}

	s.logger.Info().Str("public_id", result.PublicID).Msg("document uploaded to cloudinary")

	return result.SecureURL, nil
}

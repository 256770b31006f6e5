package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograde/internal/config"
	"github.com/noah-isme/gema-autograde/internal/database"
	"github.com/noah-isme/gema-autograde/internal/handler"
	"github.com/noah-isme/gema-autograde/internal/middleware"
	"github.com/noah-isme/gema-autograde/internal/repository"
	"github.com/noah-isme/gema-autograde/internal/router"
	"github.com/noah-isme/gema-autograde/internal/service"
	"github.com/noah-isme/gema-autograde/internal/utils"
	"github.com/noah-isme/gema-autograde/pkg/ai"
	"github.com/noah-isme/gema-autograde/pkg/document"
	"github.com/noah-isme/gema-autograde/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := newLogger(cfg)

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisClient, err = database.ConnectRedis(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
	} else {
		logger.Info().Msg("redis not configured, correction cache disabled")
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer natsConn.Drain()
	}

	uploader, err := newUploader(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise document storage")
	}

	completer, err := newCompleter(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise grading client")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	submissionRepo := repository.NewSubmissionRepository(db)
	exerciseRepo := repository.NewExerciseRepository(db)

	pipeline := service.NewGradingPipeline(service.PipelineDependencies{
		Submissions: submissionRepo,
		Corrections: service.NewCorrectionResolver(exerciseRepo, redisClient, cfg.CorrectionCacheTTL, logger),
		Extractor:   document.NewPDFExtractor(),
		Storage:     uploader,
		Completer:   completer,
		Events:      service.NewGradedEventPublisher(natsConn, cfg.NATSSubject, redisClient, cfg.RedisEventsChannel),
	}, service.PipelineConfig{
		GradePolicy:       cfg.GradingGradePolicy,
		GradingTimeout:    cfg.GradingTimeout,
		MaxDocumentBytes:  cfg.UploadMaxBytes(),
		MaxInputRunes:     cfg.GradingMaxInputRunes,
		AllowResubmission: cfg.AllowResubmission,
	}, logger)

	submissionService := service.NewSubmissionService(submissionRepo, pipeline, validate, cfg.UploadMaxBytes(), logger)
	submissionHandler := handler.NewSubmissionHandler(submissionService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    int(cfg.UploadMaxBytes()) + 1024*1024,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.GradingTimeout + 30*time.Second,
		ErrorHandler: utils.ErrorHandler,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSAllowOrigins})
	router.Register(app, cfg, router.Dependencies{
		SubmissionHandler: submissionHandler,
		HealthProbes:      healthProbes(db, redisClient, natsConn),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	logger.Info().
		Str("address", cfg.HTTPAddress()).
		Str("grading_provider", completer.Provider()).
		Str("grading_model", completer.Model()).
		Msg("autograde api started")

	waitForShutdown(app, logger)
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.AppName).
		Str("env", cfg.AppEnv).
		Logger()
}

func newUploader(cfg config.Config, logger zerolog.Logger) (service.FileUploader, error) {
	if cfg.StorageDriver == "cloudinary" {
		return storage.NewCloudinary(storage.CloudinaryConfig{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
	}
	return storage.NewLocal(cfg.StorageDir, logger)
}

func newCompleter(cfg config.Config, logger zerolog.Logger) (ai.Completer, error) {
	if cfg.GradingProvider == "openai" {
		return ai.NewOpenAIClient(ai.OpenAIConfig{
			APIKey:  cfg.GradingAPIKey,
			BaseURL: cfg.GradingBaseURL,
			Model:   cfg.GradingModel,
			Logger:  logger,
		})
	}
	return ai.NewOllamaClient(ai.OllamaConfig{
		BaseURL: cfg.GradingBaseURL,
		Model:   cfg.GradingModel,
		APIKey:  cfg.GradingAPIKey,
		Timeout: cfg.GradingTimeout,
		Logger:  logger,
	})
}

func healthProbes(db *gorm.DB, redisClient *redis.Client, natsConn *nats.Conn) map[string]handler.HealthProbe {
	probes := map[string]handler.HealthProbe{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if redisClient != nil {
		probes["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	if natsConn != nil {
		probes["nats"] = func(context.Context) error {
			if !natsConn.IsConnected() {
				return errors.New(natsConn.Status().String())
			}
			return nil
		}
	}
	return probes
}

func waitForShutdown(app *fiber.App, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}

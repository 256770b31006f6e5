package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Grade policies applied to grades outside the 0..20 scale.
const (
	GradePolicyClamp       = "clamp"
	GradePolicyFallback    = "fallback"
	GradePolicyPassthrough = "passthrough"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName                  string
	AppEnv                   string
	AppPort                  string
	LogLevel                 string
	CORSAllowOrigins         string
	DatabaseURL              string
	RedisURL                 string
	NATSURL                  string
	NATSSubject              string
	RedisEventsChannel       string
	JWTSecret                string
	StorageDriver            string
	StorageDir               string
	CloudinaryCloudName      string
	CloudinaryAPIKey         string
	CloudinaryAPISecret      string
	CloudinaryUploadFolder   string
	UploadMaxMB              int
	GradingProvider          string
	GradingBaseURL           string
	GradingModel             string
	GradingAPIKey            string
	GradingTimeout           time.Duration
	GradingGradePolicy       string
	GradingMaxInputRunes     int
	CorrectionCacheTTL       time.Duration
	AllowResubmission        bool
	SubmissionRateLimitMax   int
	SubmissionRateLimitEvery time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// UploadMaxBytes converts the upload cap to bytes.
func (c Config) UploadMaxBytes() int64 {
	return int64(c.UploadMaxMB) * 1024 * 1024
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("AUTOGRADE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Autograde API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "5000")
	v.SetDefault("log.level", "info")
	v.SetDefault("cors.allow_origins", "*")
	v.SetDefault("nats.subject", "autograde.submissions.graded")
	v.SetDefault("events.redis_channel", "autograde:submissions:graded")
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.dir", "uploads")
	v.SetDefault("cloudinary.folder", "autograde/submissions")
	v.SetDefault("upload.max_mb", 10)
	v.SetDefault("grading.provider", "ollama")
	v.SetDefault("grading.base_url", "http://localhost:11434")
	v.SetDefault("grading.model", "mistral")
	v.SetDefault("grading.timeout", "90s")
	v.SetDefault("grading.grade_policy", GradePolicyClamp)
	v.SetDefault("grading.max_input_runes", 0)
	v.SetDefault("correction.cache_ttl", "10m")
	v.SetDefault("submissions.allow_resubmission", true)
	v.SetDefault("ratelimit.max", 30)
	v.SetDefault("ratelimit.window", "1m")

	gradingTimeout, err := parseDuration(v, "grading.timeout")
	if err != nil {
		return Config{}, err
	}

	cacheTTL, err := parseDuration(v, "correction.cache_ttl")
	if err != nil {
		return Config{}, err
	}

	rateWindow, err := parseDuration(v, "ratelimit.window")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:                  v.GetString("app.name"),
		AppEnv:                   v.GetString("app.env"),
		AppPort:                  v.GetString("app.port"),
		LogLevel:                 strings.ToLower(v.GetString("log.level")),
		CORSAllowOrigins:         v.GetString("cors.allow_origins"),
		DatabaseURL:              v.GetString("database.url"),
		RedisURL:                 v.GetString("redis.url"),
		NATSURL:                  v.GetString("nats.url"),
		NATSSubject:              v.GetString("nats.subject"),
		RedisEventsChannel:       v.GetString("events.redis_channel"),
		JWTSecret:                v.GetString("jwt.secret"),
		StorageDriver:            strings.ToLower(v.GetString("storage.driver")),
		StorageDir:               v.GetString("storage.dir"),
		CloudinaryCloudName:      v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:         v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:      v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder:   v.GetString("cloudinary.folder"),
		UploadMaxMB:              v.GetInt("upload.max_mb"),
		GradingProvider:          strings.ToLower(v.GetString("grading.provider")),
		GradingBaseURL:           v.GetString("grading.base_url"),
		GradingModel:             v.GetString("grading.model"),
		GradingAPIKey:            v.GetString("grading.api_key"),
		GradingTimeout:           gradingTimeout,
		GradingGradePolicy:       strings.ToLower(v.GetString("grading.grade_policy")),
		GradingMaxInputRunes:     v.GetInt("grading.max_input_runes"),
		CorrectionCacheTTL:       cacheTTL,
		AllowResubmission:        v.GetBool("submissions.allow_resubmission"),
		SubmissionRateLimitMax:   v.GetInt("ratelimit.max"),
		SubmissionRateLimitEvery: rateWindow,
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("database url must be provided")
	}

	if cfg.UploadMaxMB <= 0 {
		cfg.UploadMaxMB = 10
	}

	if cfg.GradingTimeout <= 0 {
		return Config{}, fmt.Errorf("grading timeout must be positive")
	}

	switch cfg.GradingProvider {
	case "ollama":
	case "openai":
		if cfg.GradingAPIKey == "" {
			return Config{}, fmt.Errorf("grading api key is required for the openai provider")
		}
	default:
		return Config{}, fmt.Errorf("unsupported grading provider %q", cfg.GradingProvider)
	}

	switch cfg.GradingGradePolicy {
	case GradePolicyClamp, GradePolicyFallback, GradePolicyPassthrough:
	default:
		return Config{}, fmt.Errorf("unsupported grade policy %q", cfg.GradingGradePolicy)
	}

	switch cfg.StorageDriver {
	case "local", "cloudinary":
	default:
		return Config{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	value := v.GetString(key)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return duration, nil
}

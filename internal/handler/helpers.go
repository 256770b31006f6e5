package handler

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-autograde/internal/middleware"
)

func parseUintParam(c *fiber.Ctx, key string) (uint, error) {
	value := strings.TrimSpace(c.Params(key))
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil || parsed == 0 {
		return 0, errors.New("invalid " + key)
	}
	return uint(parsed), nil
}

func parseQueryUint(c *fiber.Ctx, key string) (*uint, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return nil, errors.New("invalid " + key)
	}
	result := uint(parsed)
	return &result, nil
}

// parseFormUint returns zero for a missing field so the validator reports it.
func parseFormUint(c *fiber.Ctx, key string) (uint, error) {
	value := strings.TrimSpace(c.FormValue(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, errors.New("invalid " + key)
	}
	return uint(parsed), nil
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if correlation := middleware.GetCorrelationID(c); correlation != "" {
		logger = base.With().Str("correlation_id", correlation).Logger()
	}
	return &logger
}

package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-autograde/internal/config"
	"github.com/noah-isme/gema-autograde/internal/handler"
)

type healthEnvelope struct {
	Success bool                   `json:"success"`
	Data    handler.HealthResponse `json:"data"`
}

func TestHealthCheck(t *testing.T) {
	cfg := config.Config{
		AppName:         "Autograde API",
		AppEnv:          "test",
		GradingProvider: "ollama",
		GradingModel:    "mistral",
	}

	app := fiber.New()
	app.Get("/api/health", handler.HealthCheck(cfg, map[string]handler.HealthProbe{
		"database": func(context.Context) error { return nil },
	}))

	resp, err := app.Test(httptest.NewRequest("GET", "/api/health", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var payload healthEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.True(t, payload.Success)
	assert.Equal(t, "ok", payload.Data.Status)
	assert.Equal(t, cfg.AppName, payload.Data.Service)
	assert.Equal(t, cfg.AppEnv, payload.Data.Environment)
	assert.Equal(t, "ollama/mistral", payload.Data.GradingModel)
	assert.Equal(t, "ok", payload.Data.Checks["database"])
	assert.WithinDuration(t, time.Now().UTC(), payload.Data.Timestamp, 2*time.Second)
}

func TestHealthCheckReportsFailingProbe(t *testing.T) {
	app := fiber.New()
	app.Get("/api/health", handler.HealthCheck(config.Config{AppName: "Autograde API"}, map[string]handler.HealthProbe{
		"redis": func(context.Context) error { return errors.New("dial tcp: connection refused") },
	}))

	resp, err := app.Test(httptest.NewRequest("GET", "/api/health", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	var payload healthEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.False(t, payload.Success)
	assert.Equal(t, "degraded", payload.Data.Status)
	assert.Contains(t, payload.Data.Checks["redis"], "connection refused")
}

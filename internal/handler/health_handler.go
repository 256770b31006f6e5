package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-autograde/internal/config"
	"github.com/noah-isme/gema-autograde/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status       string            `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
	Service      string            `json:"service"`
	Environment  string            `json:"environment"`
	GradingModel string            `json:"grading_model"`
	Checks       map[string]string `json:"checks,omitempty"`
}

// HealthProbe reports whether a backing dependency is reachable.
type HealthProbe func(ctx context.Context) error

// HealthCheck returns a handler that reports application health and the state of each probe.
// Any failing probe turns the response into a 503.
func HealthCheck(cfg config.Config, probes map[string]HealthProbe) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		payload := HealthResponse{
			Status:       "ok",
			Timestamp:    time.Now().UTC(),
			Service:      cfg.AppName,
			Environment:  cfg.AppEnv,
			GradingModel: cfg.GradingProvider + "/" + cfg.GradingModel,
		}

		if len(probes) > 0 {
			payload.Checks = make(map[string]string, len(probes))
			for name, probe := range probes {
				if err := probe(ctx); err != nil {
					payload.Checks[name] = err.Error()
					payload.Status = "degraded"
					continue
				}
				payload.Checks[name] = "ok"
			}
		}

		if payload.Status != "ok" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(utils.APIResponse{Success: false, Data: payload, Message: "service degraded"})
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}

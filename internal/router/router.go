package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-autograde/internal/config"
	"github.com/noah-isme/gema-autograde/internal/handler"
	"github.com/noah-isme/gema-autograde/internal/middleware"
	"github.com/noah-isme/gema-autograde/internal/models"
	"github.com/noah-isme/gema-autograde/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	SubmissionHandler *handler.SubmissionHandler
	HealthProbes      map[string]handler.HealthProbe
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes))

	if deps.SubmissionHandler != nil {
		createGuards := []fiber.Handler{
			middleware.RateLimit("submissions", cfg.SubmissionRateLimitMax, cfg.SubmissionRateLimitEvery),
		}
		overrideGuards := middleware.Guard(cfg.JWTSecret, models.RoleTeacher)

		deps.SubmissionHandler.Register(api.Group("/submissions"), createGuards, overrideGuards)
	}
}

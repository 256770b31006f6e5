package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/gema-autograde/internal/utils"
)

// RateLimit limits requests per caller, keyed by authenticated user id or client IP.
func RateLimit(identifier string, max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Second
	}

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			caller := c.IP()
			if id, ok := c.Locals("user_id").(uint); ok && id != 0 {
				caller = fmt.Sprintf("user:%d", id)
			}
			return fmt.Sprintf("%s:%s", identifier, caller)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return utils.SendError(c, fiber.StatusTooManyRequests, "too many submissions, retry later")
		},
	})
}

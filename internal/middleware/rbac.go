package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-autograde/internal/utils"
)

// RequireRole ensures that the authenticated caller holds one of the allowed roles.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		if normalized := strings.ToLower(strings.TrimSpace(role)); normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}

	return func(c *fiber.Ctx) error {
		role, _ := c.Locals("user_role").(string)
		if _, ok := allowed[role]; !ok {
			return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
		}
		return c.Next()
	}
}

// Guard authenticates the caller and checks the role. With an empty secret no check is made.
func Guard(secret string, roles ...string) []fiber.Handler {
	if strings.TrimSpace(secret) == "" {
		return nil
	}
	return []fiber.Handler{Authenticate(secret), RequireRole(roles...)}
}

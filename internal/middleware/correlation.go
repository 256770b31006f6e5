package middleware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// HeaderCorrelationID carries the request correlation id in and out of the API.
const HeaderCorrelationID = "X-Correlation-ID"

type correlationIDKey struct{}

// CorrelationID makes sure every request carries a correlation id, reusing the caller's when present.
// The id is echoed in the response and attached to the request's user context.
func CorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := strings.TrimSpace(c.Get(HeaderCorrelationID))
		if id == "" {
			id = strings.TrimSpace(c.Get(fiber.HeaderXRequestID))
		}
		if id == "" {
			id = uuid.NewString()
		}

		c.Locals("correlation_id", id)
		c.Set(HeaderCorrelationID, id)
		c.SetUserContext(ContextWithCorrelation(c.UserContext(), id))

		return c.Next()
	}
}

// ContextWithCorrelation attaches the correlation id to ctx.
func ContextWithCorrelation(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if id = strings.TrimSpace(id); id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFromContext extracts the correlation id from ctx, if present.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// GetCorrelationID returns the correlation id bound to the active request.
func GetCorrelationID(c *fiber.Ctx) string {
	if c == nil {
		return ""
	}
	if id, ok := c.Locals("correlation_id").(string); ok {
		return id
	}
	return CorrelationIDFromContext(c.UserContext())
}

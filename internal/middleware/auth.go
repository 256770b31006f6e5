package middleware

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-autograde/internal/utils"
)

// AccessClaims is the token payload issued by the authentication service.
type AccessClaims struct {
	Role   string `json:"role"`
	UserID uint   `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// CallerID returns the numeric user id from user_id, falling back to the subject.
func (c AccessClaims) CallerID() (uint, bool) {
	if c.UserID != 0 {
		return c.UserID, true
	}
	parsed, err := strconv.ParseUint(strings.TrimSpace(c.Subject), 10, 64)
	if err != nil || parsed == 0 {
		return 0, false
	}
	return uint(parsed), true
}

// Authenticate validates HMAC signed bearer tokens and stores the caller id and role in Locals.
func Authenticate(secret string) fiber.Handler {
	key := []byte(secret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))

	return func(c *fiber.Ctx) error {
		tokenString, ok := bearerToken(c.Get(fiber.HeaderAuthorization))
		if !ok {
			return utils.SendError(c, fiber.StatusUnauthorized, "authorization header missing or malformed")
		}

		claims := &AccessClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err != nil || !token.Valid {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		if id, ok := claims.CallerID(); ok {
			c.Locals("user_id", id)
		}
		if role := strings.ToLower(strings.TrimSpace(claims.Role)); role != "" {
			c.Locals("user_role", role)
		}

		return c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

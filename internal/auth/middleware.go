package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"crudforge/internal/apperr"
	"crudforge/internal/logger"
	"crudforge/internal/metadata"
)

// UserLocal is the fiber Locals key holding the *metadata.UserContext.
const UserLocal = "user"

// AuthMiddleware validates bearer tokens and attaches the caller to the
// request. Requests without an Authorization header pass through
// anonymously; resource policies decide what they may do. An empty secret
// disables authentication altogether.
func AuthMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return c.Next()
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return apperr.Unauthorized("Invalid auth header format")
		}

		claims, err := ParseAccessToken(parts[1], secret)
		if err != nil {
			return apperr.Unauthorized("Invalid or expired token")
		}

		user := &metadata.UserContext{ID: claims.Subject, Roles: claims.Roles}
		c.Locals(UserLocal, user)
		ctx := metadata.WithUser(c.UserContext(), user)
		c.SetUserContext(logger.ContextWithIdentity(ctx, user.ID))
		return c.Next()
	}
}

// RequireAuth rejects anonymous requests.
func RequireAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if GetUser(c) == nil {
			return apperr.Unauthorized("Missing auth token")
		}
		return c.Next()
	}
}

// GetUser extracts the UserContext from a Fiber context.
func GetUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals(UserLocal).(*metadata.UserContext)
	return user
}

// RequireAdmin is a Fiber middleware that checks the authenticated user has the admin role.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := GetUser(c)
		if user == nil {
			return apperr.Unauthorized("Missing auth token")
		}
		if !user.IsAdmin() {
			return apperr.Forbidden("Admin access required")
		}
		return c.Next()
	}
}

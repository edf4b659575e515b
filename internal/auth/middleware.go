package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"prism-backend/internal/api"
	"prism-backend/internal/metadata"
)

// AuthMiddleware returns a Fiber middleware that validates JWT tokens
// and sets the account identity on the request.
func AuthMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return api.UnauthorizedError("Missing auth token")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return api.UnauthorizedError("Invalid auth header format")
		}

		claims, err := ParseAccessToken(parts[1], secret)
		if err != nil {
			return api.UnauthorizedError("Invalid or expired token")
		}

		acct := claims.Account()
		c.Locals("account", &acct)

		return c.Next()
	}
}

// RequireAdmin is a Fiber middleware that checks the authenticated
// account belongs to an admin group.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		acct, ok := c.Locals("account").(*metadata.Account)
		if !ok || acct == nil {
			return api.UnauthorizedError("Missing auth token")
		}
		if !acct.Admin {
			return api.ForbiddenError("Admin access required")
		}
		return c.Next()
	}
}

// GetAccount extracts the authenticated account from a Fiber context.
// Requests that somehow reach a handler without one are treated as the
// public group.
func GetAccount(c *fiber.Ctx) metadata.Account {
	if acct, ok := c.Locals("account").(*metadata.Account); ok && acct != nil {
		return *acct
	}
	return metadata.Account{GroupID: metadata.PublicGroupID}
}

package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/krishimitra/signalbridge/internal/security"
)

// AuthMiddleware rejects requests without the configured bearer token.
// token is read per request so a reloaded config applies immediately.
func AuthMiddleware(token func() string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !security.Authorized(c.Get(fiber.HeaderAuthorization), "", token()) {
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
				Error:   "unauthorized",
				Message: "A valid bearer token is required",
			})
		}
		return c.Next()
	}
}

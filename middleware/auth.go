package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// Protected guards the admin API with a static bearer token. Subscriber
// identity and login live in the surrounding platform; this service only
// needs to keep its management surface off the open internet.
func Protected(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authorization required",
			})
		}

		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid authorization format",
			})
		}

		if subtle.ConstantTimeCompare([]byte(tokenParts[1]), []byte(token)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid token",
			})
		}

		return c.Next()
	}
}

// WebhookAuth validates the shared secret the email provider sends with
// event notifications, either as a header or a query parameter.
func WebhookAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		provided := c.Get("X-Webhook-Secret")
		if provided == "" {
			provided = c.Query("secret")
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid webhook secret",
			})
		}
		return c.Next()
	}
}

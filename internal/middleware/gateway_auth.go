package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/videofoundry/api/internal/auth"
	"github.com/videofoundry/api/pkg/response"
)

// GatewayAuth trusts the X-User-* headers set by the gateway's ForwardAuth.
func GatewayAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		setIdentity(c, &auth.Identity{
			UserID: userID,
			Email:  c.Get("X-User-Email"),
			Name:   c.Get("X-User-Name"),
		})
		return c.Next()
	}
}

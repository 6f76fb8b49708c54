package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/videofoundry/api/internal/auth"
	"github.com/videofoundry/api/internal/middleware"
)

// AuthHandler answers the gateway's ForwardAuth checks.
type AuthHandler struct {
	auth *auth.Authenticator
}

func NewAuthHandler(a *auth.Authenticator) *AuthHandler {
	return &AuthHandler{auth: a}
}

// Verify handles GET /auth/verify. It returns 200 with X-User-* headers for
// a valid bearer token and 401 otherwise.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	tokenString, ok := middleware.BearerToken(c)
	if !ok {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	id, err := h.auth.Authenticate(tokenString)
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	c.Set("X-User-Id", id.UserID)
	c.Set("X-User-Email", id.Email)
	if id.Name != "" {
		c.Set("X-User-Name", id.Name)
	}
	return c.SendStatus(fiber.StatusOK)
}

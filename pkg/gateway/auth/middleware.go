package auth

import (
	"strings"

	"github.com/Abraxas-365/portero/pkg/kernel"
	"github.com/gofiber/fiber/v2"
)

// TokenMiddleware authenticates platform users from JWTs.
type TokenMiddleware struct {
	tokenService TokenService
}

func NewTokenMiddleware(tokenService TokenService) *TokenMiddleware {
	return &TokenMiddleware{tokenService: tokenService}
}

// Authenticate validates the bearer JWT (falling back to the access_token
// cookie) and stores the claims in the request locals.
func (am *TokenMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var token string

		if authHeader := c.Get("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" && parts[1] != "" {
				token = parts[1]
			}
		}
		if token == "" {
			token = c.Cookies("access_token")
		}
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": ErrUnauthorized().Error(),
			})
		}

		claims, err := am.tokenService.ValidateAccessToken(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		c.Locals(string(kernel.UserContextKey), claims)
		return c.Next()
	}
}

// UserFromContext returns the authenticated user's claims, or nil when the
// request did not pass Authenticate.
func UserFromContext(c *fiber.Ctx) *Claims {
	claims, _ := c.Locals(string(kernel.UserContextKey)).(*Claims)
	return claims
}

package auth

import (
	"net/http"

	"github.com/Abraxas-365/portero/pkg/errx"
	"github.com/Abraxas-365/portero/pkg/kernel"
)

// Claims is the validated platform-user identity.
type Claims struct {
	UserID kernel.UserID `json:"user_id"`
	Email  string        `json:"email"`
	Name   string        `json:"name"`
}

// TokenService validates and issues platform user tokens.
type TokenService interface {
	GenerateAccessToken(userID kernel.UserID, claims map[string]any) (string, error)
	ValidateAccessToken(token string) (*Claims, error)
}

var authErrors = errx.NewRegistry("AUTH")

var (
	ErrCodeUnauthorized = authErrors.Register("UNAUTHORIZED", errx.TypeAuthorization, http.StatusUnauthorized, "Authentication required")
	ErrCodeInvalidToken = authErrors.Register("INVALID_TOKEN", errx.TypeAuthorization, http.StatusUnauthorized, "Invalid or expired token")
)

func ErrUnauthorized() *errx.Error {
	return authErrors.New(ErrCodeUnauthorized)
}

func ErrInvalidToken() *errx.Error {
	return authErrors.New(ErrCodeInvalidToken)
}

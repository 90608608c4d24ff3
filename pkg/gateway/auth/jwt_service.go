package auth

import (
	"time"

	"github.com/Abraxas-365/portero/pkg/kernel"
	"github.com/golang-jwt/jwt/v5"
)

// JWTService implements TokenService with HMAC-signed JWTs.
type JWTService struct {
	secretKey []byte
	ttl       time.Duration
	issuer    string
}

func NewJWTService(secretKey string, ttl time.Duration, issuer string) *JWTService {
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	if issuer == "" {
		issuer = "portero"
	}
	return &JWTService{
		secretKey: []byte(secretKey),
		ttl:       ttl,
		issuer:    issuer,
	}
}

type jwtClaims struct {
	UserID kernel.UserID `json:"user_id"`
	Email  string        `json:"email"`
	Name   string        `json:"name"`
	jwt.RegisteredClaims
}

func (j *JWTService) GenerateAccessToken(userID kernel.UserID, extra map[string]any) (string, error) {
	now := time.Now()
	email, _ := extra["email"].(string)
	name, _ := extra["name"].(string)

	claims := jwtClaims{
		UserID: userID,
		Email:  email,
		Name:   name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secretKey)
	if err != nil {
		return "", ErrInvalidToken().WithCause(err)
	}
	return signed, nil
}

func (j *JWTService) ValidateAccessToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &jwtClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken().WithDetail("alg", t.Header["alg"])
		}
		return j.secretKey, nil
	}, jwt.WithIssuer(j.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidToken().WithCause(err)
	}

	claims, ok := token.Claims.(*jwtClaims)
	if !ok || !token.Valid || claims.UserID.IsEmpty() {
		return nil, ErrInvalidToken()
	}

	return &Claims{
		UserID: claims.UserID,
		Email:  claims.Email,
		Name:   claims.Name,
	}, nil
}

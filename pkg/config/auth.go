package config

import "time"

// AuthConfig configures validation of the platform access tokens that
// identify the requesting user ahead of instance resolution.
type AuthConfig struct {
	JWT JWTConfig
}

// JWTConfig configures JWT validation.
type JWTConfig struct {
	Secret         string
	Issuer         string
	AccessTokenTTL time.Duration
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWT: JWTConfig{
			Secret:         getEnv("JWT_SECRET", ""),
			Issuer:         getEnv("JWT_ISSUER", "portero"),
			AccessTokenTTL: getEnvDuration("JWT_ACCESS_TOKEN_TTL", 15*time.Minute),
		},
	}
}

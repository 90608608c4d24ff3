package config

import "time"

// OAuthConfig configures outbound token acquisition.
type OAuthConfig struct {
	// ServiceURL is the internal OAuth helper endpoint. Empty forces direct
	// calls against the provider token endpoint.
	ServiceURL string

	// Timeout is the per-attempt timeout for one token exchange.
	Timeout time.Duration

	// SingleflightTimeout is the maximum time a caller waits on an in-flight
	// refresh owned by another request.
	SingleflightTimeout time.Duration

	// StateTTL is how long OAuth CSRF state survives in the state manager.
	StateTTL time.Duration

	// RefreshSkew is how close to expiry a stored token is still served
	// without refreshing first.
	RefreshSkew time.Duration

	// RedirectURI is this deployment's provider callback endpoint.
	RedirectURI string
}

func loadOAuthConfig() OAuthConfig {
	timeout := getEnvDuration("OAUTH_TIMEOUT", 10*time.Second)
	return OAuthConfig{
		ServiceURL:          getEnv("OAUTH_SERVICE_URL", ""),
		Timeout:             timeout,
		SingleflightTimeout: getEnvDuration("OAUTH_SINGLEFLIGHT_TIMEOUT", timeout+5*time.Second),
		StateTTL:            getEnvDuration("OAUTH_STATE_TTL", 10*time.Minute),
		RefreshSkew:         getEnvDuration("OAUTH_REFRESH_SKEW", 30*time.Second),
		RedirectURI:         getEnv("OAUTH_REDIRECT_URI", "http://localhost:8080/oauth/callback"),
	}
}

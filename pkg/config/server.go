package config

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int
	CORSOrigins string

	// SecretSealKey is the hex-encoded 32-byte key used to seal credential
	// secrets at rest. Empty disables sealing (plaintext columns).
	SecretSealKey string
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Port:          getEnvInt("PORT", 8080),
		CORSOrigins:   getEnv("CORS_ORIGINS", "*"),
		SecretSealKey: getEnv("SECRET_SEAL_KEY", ""),
	}
}

package config

// AuditConfig configures token-operation audit logging.
type AuditConfig struct {
	// RetentionDays is how long audit entries are kept before the
	// maintenance loop deletes them.
	RetentionDays int
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		RetentionDays: getEnvInt("AUDIT_RETENTION_DAYS", 90),
	}
}

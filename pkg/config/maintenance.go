package config

import "time"

// MaintenanceConfig configures the background maintenance sweeps.
type MaintenanceConfig struct {
	// Interval between maintenance ticks.
	Interval time.Duration

	// PendingTTL is how long an instance may sit in oauth_status=pending
	// before being reaped as failed.
	PendingTTL time.Duration

	// BatchSize bounds how many rows one tick may touch per task.
	BatchSize int
}

func loadMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Interval:   getEnvDuration("MAINTENANCE_INTERVAL", 5*time.Minute),
		PendingTTL: getEnvDuration("MAINTENANCE_PENDING_TTL", 5*time.Minute),
		BatchSize:  getEnvInt("MAINTENANCE_BATCH_SIZE", 500),
	}
}

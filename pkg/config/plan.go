package config

// PlanConfig configures plan quotas.
type PlanConfig struct {
	// FreeMaxActive is the maximum number of concurrently active, completed
	// instances a free-plan user may hold.
	FreeMaxActive int
}

func loadPlanConfig() PlanConfig {
	return PlanConfig{
		FreeMaxActive: getEnvInt("PLAN_FREE_MAX_ACTIVE", 1),
	}
}

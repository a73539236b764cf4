// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the control-plane service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	DBPath      string // sqlite database path; empty runs fully in memory
	EventSource string // CloudEvents source URI for lifecycle events

	// Per-user admission limits. Zero means unlimited.
	MaxActiveJobsPerUser int
	MaxUserMemoryMB      int
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:                 GetEnv("PORT", "8080"),
		MetricsPort:          GetEnv("METRICS_PORT", "9090"),
		APIKey:               GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait:    GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		DBPath:               GetEnv("DB_PATH", "jobplane.db"),
		EventSource:          GetEnv("EVENT_SOURCE", "https://jobplane.example.net"),
		MaxActiveJobsPerUser: GetIntEnv("MAX_ACTIVE_JOBS_PER_USER", 0),
		MaxUserMemoryMB:      GetIntEnv("MAX_USER_MEMORY_MB", 0),
	}
}

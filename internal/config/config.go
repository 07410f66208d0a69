// Package config provides configuration loading for ingest services.
package config

import (
	"os"
	"strconv"
	"time"
)

// ServerConfig holds ingest server configuration.
type ServerConfig struct {
	// Server settings
	Port int
	Host string

	// Source catalog file (YAML). Empty means no sources at startup.
	CatalogPath string

	// Postgres connection string. Empty selects the in-memory stores.
	DatabaseURL string

	// Committer settings
	CommitWorkers int
	CommitQueue   int

	// Reconciliation settings
	BackfillWorkers  int
	BackfillQueue    int
	MaxEscalations   int
	TicketDeadline   time.Duration
	EscalateInterval time.Duration
	SweepInterval    time.Duration
	SweepWindow      time.Duration
	SweepGrace       time.Duration

	// Raw landing settings
	LandingBucket string
	LandingPrefix string
}

// LoadServerConfig loads configuration from environment.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:             getEnvInt("INGEST_PORT", 8080),
		Host:             getEnv("INGEST_HOST", "0.0.0.0"),
		CatalogPath:      getEnv("INGEST_CATALOG_PATH", ""),
		DatabaseURL:      getEnv("INGEST_DATABASE_URL", os.Getenv("DATABASE_URL")),
		CommitWorkers:    getEnvInt("INGEST_COMMIT_WORKERS", 4),
		CommitQueue:      getEnvInt("INGEST_COMMIT_QUEUE", 1024),
		BackfillWorkers:  getEnvInt("INGEST_BACKFILL_WORKERS", 2),
		BackfillQueue:    getEnvInt("INGEST_BACKFILL_QUEUE", 256),
		MaxEscalations:   getEnvInt("INGEST_MAX_ESCALATIONS", 3),
		TicketDeadline:   getEnvDuration("INGEST_TICKET_DEADLINE", 15*time.Minute),
		EscalateInterval: getEnvDuration("INGEST_ESCALATE_INTERVAL", time.Minute),
		SweepInterval:    getEnvDuration("INGEST_SWEEP_INTERVAL", time.Hour),
		SweepWindow:      getEnvDuration("INGEST_SWEEP_WINDOW", 24*time.Hour),
		SweepGrace:       getEnvDuration("INGEST_SWEEP_GRACE", 10*time.Minute),
		LandingBucket:    getEnv("INGEST_LANDING_BUCKET", "ingest-landing"),
		LandingPrefix:    getEnv("INGEST_LANDING_PREFIX", "raw"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

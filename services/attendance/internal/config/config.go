// Package config loads the attendance service configuration from the
// environment and validates it before anything starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type HTTPConfig struct {
	Addr           string
	RequestTimeout time.Duration
}

type DatabaseConfig struct {
	DSN string
}

type BackendConfig struct {
	BaseURL       string
	Role          string
	Token         string
	CommitTimeout time.Duration
	QueryTimeout  time.Duration
}

type NATSConfig struct {
	URL     string
	Enabled bool
}

type VaultConfig struct {
	Bucket string
	AgeKey string
}

type GeofenceConfig struct {
	RegionsFile string
}

type FaceConfig struct {
	MismatchThreshold float64
	MaxRetries        int
}

type ShiftConfig struct {
	WarningAfter time.Duration
	LimitAfter   time.Duration
	Cooldown     time.Duration
	PollInterval time.Duration
}

type Config struct {
	ServiceName string
	HTTP        HTTPConfig
	Database    DatabaseConfig
	Backend     BackendConfig
	NATS        NATSConfig
	Vault       VaultConfig
	Geofence    GeofenceConfig
	Face        FaceConfig
	Shift       ShiftConfig
}

func Load() (Config, error) {
	cfg := Config{}

	cfg.ServiceName = getEnv("SHIFTD_SERVICE_NAME", "attendanced")

	cfg.HTTP.Addr = getEnv("SHIFTD_HTTP_ADDR", ":8086")
	cfg.HTTP.RequestTimeout = time.Duration(getEnvInt("SHIFTD_HTTP_TIMEOUT_SECONDS", 60)) * time.Second

	cfg.Database.DSN = os.Getenv("SHIFTD_DB_DSN")
	if cfg.Database.DSN == "" {
		return Config{}, fmt.Errorf("SHIFTD_DB_DSN is required")
	}

	cfg.Backend.BaseURL = os.Getenv("SHIFTD_BACKEND_URL")
	if cfg.Backend.BaseURL == "" {
		return Config{}, fmt.Errorf("SHIFTD_BACKEND_URL is required")
	}
	cfg.Backend.Role = getEnv("SHIFTD_BACKEND_ROLE", "employee")
	cfg.Backend.Token = os.Getenv("SHIFTD_BACKEND_TOKEN")
	if cfg.Backend.Token == "" {
		return Config{}, fmt.Errorf("SHIFTD_BACKEND_TOKEN is required")
	}
	cfg.Backend.CommitTimeout = time.Duration(getEnvInt("SHIFTD_BACKEND_COMMIT_TIMEOUT_SECONDS", 12)) * time.Second
	cfg.Backend.QueryTimeout = time.Duration(getEnvInt("SHIFTD_BACKEND_QUERY_TIMEOUT_SECONDS", 8)) * time.Second
	if cfg.Backend.CommitTimeout < 8*time.Second || cfg.Backend.CommitTimeout > 15*time.Second {
		return Config{}, fmt.Errorf("SHIFTD_BACKEND_COMMIT_TIMEOUT_SECONDS must be between 8 and 15")
	}

	cfg.NATS.URL = os.Getenv("SHIFTD_NATS_URL")
	cfg.NATS.Enabled = cfg.NATS.URL != ""

	cfg.Vault.Bucket = getEnv("SHIFTD_S3_BUCKET", "shiftd-faces")
	cfg.Vault.AgeKey = os.Getenv("SHIFTD_AGE_KEY")

	cfg.Geofence.RegionsFile = getEnv("SHIFTD_REGIONS_FILE", "/etc/shiftd/regions.yaml")

	threshold := getEnvFloat("SHIFTD_FACE_MISMATCH_THRESHOLD", 0.5)
	if threshold <= 0 || threshold >= 1 {
		return Config{}, fmt.Errorf("SHIFTD_FACE_MISMATCH_THRESHOLD must be between 0 and 1 exclusive")
	}
	cfg.Face.MismatchThreshold = threshold
	cfg.Face.MaxRetries = getEnvInt("SHIFTD_FACE_MAX_RETRIES", 3)
	if cfg.Face.MaxRetries < 1 {
		return Config{}, fmt.Errorf("SHIFTD_FACE_MAX_RETRIES must be at least 1")
	}

	cfg.Shift.WarningAfter = time.Duration(getEnvInt("SHIFTD_SHIFT_WARNING_MINUTES", 535)) * time.Minute
	cfg.Shift.LimitAfter = time.Duration(getEnvInt("SHIFTD_SHIFT_LIMIT_MINUTES", 540)) * time.Minute
	if cfg.Shift.WarningAfter >= cfg.Shift.LimitAfter {
		return Config{}, fmt.Errorf("SHIFTD_SHIFT_WARNING_MINUTES must be below SHIFTD_SHIFT_LIMIT_MINUTES")
	}
	cfg.Shift.Cooldown = time.Duration(getEnvInt("SHIFTD_COOLDOWN_SECONDS", 30)) * time.Second
	cfg.Shift.PollInterval = time.Duration(getEnvInt("SHIFTD_POLL_SECONDS", 60)) * time.Second
	if cfg.Shift.PollInterval > time.Minute {
		return Config{}, fmt.Errorf("SHIFTD_POLL_SECONDS must not exceed 60")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// Package config loads the operational settings from the environment.
// Everything that governs trading decisions lives in the Constitution
// document; this package only covers process plumbing: paths, ports,
// credentials and feed endpoints.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the process configuration.
type Config struct {
	DataDir          string // base directory for databases and backups
	BackupDir        string
	ConstitutionPath string
	Port             int
	LogLevel         string
	// DevMode swaps the live broker and feeds for the in-process paper
	// broker. No real orders leave the process.
	DevMode bool

	BrokerAPIKey    string
	BrokerAPISecret string
	BrokerWSURL     string

	FeedWSURL         string
	FeedBarsURL       string
	BackupFeedWSURL   string
	BackupFeedBarsURL string

	BackupRetentionDays int
	RiskFreeRate        float64
	// InitialCapital seeds the root sleeve accounts on an empty database.
	// Zero skips bootstrapping.
	InitialCapital float64
}

// Load reads configuration from the environment, with .env as a fallback.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("WARDEN_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data directory: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:             absDataDir,
		BackupDir:           getEnv("WARDEN_BACKUP_DIR", filepath.Join(absDataDir, "backups")),
		ConstitutionPath:    getEnv("WARDEN_CONSTITUTION", "./configs/constitution.yaml"),
		Port:                getEnvAsInt("WARDEN_PORT", 8090),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DevMode:             getEnvAsBool("WARDEN_DEV_MODE", false),
		BrokerAPIKey:        getEnv("WARDEN_BROKER_API_KEY", ""),
		BrokerAPISecret:     getEnv("WARDEN_BROKER_API_SECRET", ""),
		BrokerWSURL:         getEnv("WARDEN_BROKER_WS_URL", ""),
		FeedWSURL:           getEnv("WARDEN_FEED_WS_URL", ""),
		FeedBarsURL:         getEnv("WARDEN_FEED_BARS_URL", ""),
		BackupFeedWSURL:     getEnv("WARDEN_BACKUP_FEED_WS_URL", ""),
		BackupFeedBarsURL:   getEnv("WARDEN_BACKUP_FEED_BARS_URL", ""),
		BackupRetentionDays: getEnvAsInt("WARDEN_BACKUP_RETENTION_DAYS", 14),
		RiskFreeRate:        getEnvAsFloat("WARDEN_RISK_FREE_RATE", 0.0),
		InitialCapital:      getEnvAsFloat("WARDEN_INITIAL_CAPITAL", 0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.ConstitutionPath == "" {
		return fmt.Errorf("constitution path must be set")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if !c.DevMode {
		if c.BrokerWSURL == "" {
			return fmt.Errorf("broker websocket url required outside dev mode")
		}
		if c.BrokerAPIKey == "" || c.BrokerAPISecret == "" {
			return fmt.Errorf("broker credentials required outside dev mode")
		}
		if c.FeedWSURL == "" {
			return fmt.Errorf("feed websocket url required outside dev mode")
		}
	}
	if c.BackupRetentionDays < 0 {
		return fmt.Errorf("backup retention days must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

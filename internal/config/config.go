package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the sync service
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Google   GoogleConfig
	Sync     SyncConfig
	Server   ServerConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// RedisConfig holds redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// GoogleConfig holds provider credentials and webhook configuration
type GoogleConfig struct {
	CredentialsFile string
	TokenFile       string
	WebhookURL      string
}

// SyncConfig tunes the maintenance sweep
type SyncConfig struct {
	RenewWindow     time.Duration
	ActivityWindow  time.Duration
	WatchTTL        time.Duration
	Concurrency     int
	MaintenanceSpec string // cron expression for the sweep

	// FieldPolicy decides whether a whole-series edit overwrites
	// per-occurrence customizations ("base_wins") or keeps them
	// ("preserve_overrides").
	FieldPolicy string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	GRPCPort    string
	MetricsPort string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 3306),
			User:     getEnv("DB_USER", "root"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_DATABASE", "daybook"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Google: GoogleConfig{
			CredentialsFile: getEnv("GOOGLE_CREDENTIALS_FILE", "credentials.json"),
			TokenFile:       getEnv("GOOGLE_TOKEN_FILE", "token.json"),
			WebhookURL:      getEnv("GOOGLE_WEBHOOK_URL", ""),
		},
		Sync: SyncConfig{
			RenewWindow:     getEnvDuration("SYNC_RENEW_WINDOW", 24*time.Hour),
			ActivityWindow:  getEnvDuration("SYNC_ACTIVITY_WINDOW", 30*24*time.Hour),
			WatchTTL:        getEnvDuration("SYNC_WATCH_TTL", 7*24*time.Hour),
			Concurrency:     getEnvInt("SYNC_CONCURRENCY", 8),
			MaintenanceSpec: getEnv("SYNC_MAINTENANCE_CRON", "0 */6 * * *"),
			FieldPolicy:     getEnv("SYNC_FIELD_POLICY", "base_wins"),
		},
		Server: ServerConfig{
			GRPCPort:    getEnv("GRPC_PORT", "50070"),
			MetricsPort: getEnv("METRICS_PORT", "9090"),
		},
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

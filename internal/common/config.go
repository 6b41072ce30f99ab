package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Extract  ExtractConfig
	Index    IndexConfig
	Auth     AuthConfig
	Backfill BackfillConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
	MigrationsDir    string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ExtractConfig holds extraction-service configuration.
type ExtractConfig struct {
	BaseURL string
	// SingleTimeout bounds fire-and-forget kickoff calls; it only needs to
	// surface request-level errors, never the extraction itself.
	SingleTimeout time.Duration
	// BatchTimeout bounds a waited-to-completion batch call; it protects
	// against a hung call, not against normal processing time.
	BatchTimeout time.Duration
	// PoolSlots is the shared extraction pool capacity used for admission
	// control. The backing pool is small and shared across tenants.
	PoolSlots int
	// InterCallDelay is the deliberate throttle between sequential batch
	// calls.
	InterCallDelay time.Duration
}

// IndexConfig holds secondary-indexing-service configuration.
type IndexConfig struct {
	BaseURL string
	Timeout time.Duration
}

// AuthConfig holds credential-provider configuration.
type AuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	// RefreshSkew forces a proactive refresh when a cached token is within
	// this window of expiry.
	RefreshSkew time.Duration
}

// BackfillConfig holds backfill-job configuration.
type BackfillConfig struct {
	Secret           string
	DefaultBatchSize int
	MaxBatchSize     int
	InterDocDelay    time.Duration
	InterDocJitter   time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
			MigrationsDir:    getEnv("DB_MIGRATIONS_DIR", "migrations"),
		},
		Server: ServerConfig{
			Addr:         getEnv("HTTP_ADDR", ":8080"),
			ReadTimeout:  getEnvAsDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvAsDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
		},
		Extract: ExtractConfig{
			BaseURL:        getEnv("EXTRACT_URL", ""),
			SingleTimeout:  getEnvAsDuration("EXTRACT_SINGLE_TIMEOUT", 10*time.Second),
			BatchTimeout:   getEnvAsDuration("EXTRACT_BATCH_TIMEOUT", 180*time.Second),
			PoolSlots:      getEnvAsInt("EXTRACT_POOL_SLOTS", 15),
			InterCallDelay: getEnvAsDuration("EXTRACT_INTER_CALL_DELAY", time.Second),
		},
		Index: IndexConfig{
			BaseURL: getEnv("INDEX_URL", ""),
			Timeout: getEnvAsDuration("INDEX_TIMEOUT", 60*time.Second),
		},
		Auth: AuthConfig{
			TokenURL:     getEnv("AUTH_TOKEN_URL", ""),
			ClientID:     getEnv("AUTH_CLIENT_ID", ""),
			ClientSecret: getEnv("AUTH_CLIENT_SECRET", ""),
			RefreshSkew:  getEnvAsDuration("AUTH_REFRESH_SKEW", 60*time.Second),
		},
		Backfill: BackfillConfig{
			Secret:           getEnv("BACKFILL_SECRET", ""),
			DefaultBatchSize: getEnvAsInt("BACKFILL_DEFAULT_BATCH_SIZE", 10),
			MaxBatchSize:     getEnvAsInt("BACKFILL_MAX_BATCH_SIZE", 50),
			InterDocDelay:    getEnvAsDuration("BACKFILL_INTER_DOC_DELAY", 1500*time.Millisecond),
			InterDocJitter:   getEnvAsDuration("BACKFILL_INTER_DOC_JITTER", 250*time.Millisecond),
		},
	}
}

// Helper functions for environment variable parsing
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

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Extract.BaseURL == "" {
		return NewAppError("CONFIG_ERROR", "EXTRACT_URL is required", ErrInvalidInput)
	}
	if c.Index.BaseURL == "" {
		return NewAppError("CONFIG_ERROR", "INDEX_URL is required", ErrInvalidInput)
	}
	if c.Auth.TokenURL == "" {
		return NewAppError("CONFIG_ERROR", "AUTH_TOKEN_URL is required", ErrInvalidInput)
	}
	if c.Backfill.Secret == "" {
		return NewAppError("CONFIG_ERROR", "BACKFILL_SECRET is required", ErrInvalidInput)
	}
	if c.Extract.PoolSlots < 1 {
		return NewAppError("CONFIG_ERROR", "EXTRACT_POOL_SLOTS must be >= 1", ErrInvalidInput)
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	ServerPort   int
	EventsDBPath string // SQLite file for the audit log
	AdminToken   string
	CORSOrigins  []string

	LogLevel string
	LogJSON  bool

	// Quake III server being monitored
	QuakeHost         string
	QuakePort         int
	RconPassword      string
	QuakeQueryTimeout time.Duration

	// Backup engine
	AppRoot     string // Holds data/ and the optional .env
	DatabaseURL string // Postgres connection string for pg_dump/psql; empty disables SQL dumps
	Archiver    string // "native" or "command"

	// Largest uncompressed size an archive may expand to on restore or upload
	MaxExtractBytes int64
}

// DefaultRconPassword is used when Q3A_RCON_PASSWORD is not set.
const DefaultRconPassword = "changeme"

// Load loads configuration from APP_ROOT/.env (if present) and environment variables.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	appRoot := getEnv("APP_ROOT", ".")
	_ = godotenv.Load(filepath.Join(appRoot, ".env"))

	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return nil, err
	}
	quakePort, err := getEnvInt("QUAKE_SERVER_PORT", 27960)
	if err != nil {
		return nil, err
	}
	timeout, err := getEnvDuration("QUAKE_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	logJSON, err := getEnvBool("LOG_JSON", false)
	if err != nil {
		return nil, err
	}

	maxExtract, err := getEnvInt64("BACKUP_MAX_EXTRACT_BYTES", 8<<30)
	if err != nil {
		return nil, err
	}
	if maxExtract <= 0 {
		return nil, fmt.Errorf("BACKUP_MAX_EXTRACT_BYTES must be positive, got %d", maxExtract)
	}

	archiver := strings.ToLower(getEnv("BACKUP_ARCHIVER", "native"))
	if archiver != "native" && archiver != "command" {
		return nil, fmt.Errorf("BACKUP_ARCHIVER must be \"native\" or \"command\", got %q", archiver)
	}

	return &Config{
		ServerPort:        port,
		EventsDBPath:      getEnv("EVENTS_DB_PATH", "./portal.db"),
		AdminToken:        getEnv("ADMIN_TOKEN", ""),
		CORSOrigins:       splitList(getEnv("CORS_ORIGINS", "http://localhost:5173")),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogJSON:           logJSON,
		QuakeHost:         getEnv("QUAKE_SERVER_HOST", "localhost"),
		QuakePort:         quakePort,
		RconPassword:      getEnv("Q3A_RCON_PASSWORD", DefaultRconPassword),
		QuakeQueryTimeout: timeout,
		AppRoot:           appRoot,
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		Archiver:          archiver,
		MaxExtractBytes:   maxExtract,
	}, nil
}

// DataDir is the live data directory snapshotted by backups.
func (c *Config) DataDir() string {
	return filepath.Join(c.AppRoot, "data")
}

// EnvFile is the optional .env copied into archives.
func (c *Config) EnvFile() string {
	return filepath.Join(c.AppRoot, ".env")
}

// UploadTempDir receives archive uploads before they are validated.
func (c *Config) UploadTempDir() string {
	return filepath.Join(c.DataDir(), "backups-upload-temp")
}

// Helper to get an environment variable with a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging and run-log rotation settings.
type LogConfig struct {
	Level     string
	Retention int
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Notification NotificationConfig

	StateDir      string
	SecretsFile   string
	ToolPath      string
	Mode          string
	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "0.0.0.0:7180"
	defaultLogLevel      = "info"
	defaultLogRetention  = 50
	defaultToolPath      = "recipes-maint"
	defaultMode          = "http"
	defaultShutdownGrace = 5 * time.Second
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse parses command line flags and environment variables into Config.
// Priority: CLI flags > environment variables > .env file > defaults.
func Parse() (*Config, error) {
	// Load .env if present: current directory first, then the user config dir.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "recipejanitor", ".env"))
	}
	_ = godotenv.Load(envFiles...)

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("RJANITOR_ADDR", defaultAddr),
			AuthToken: getEnvString("RJANITOR_AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level:     getEnvString("RJANITOR_LOG_LEVEL", defaultLogLevel),
			Retention: getEnvInt("RJANITOR_LOG_RETENTION", defaultLogRetention),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("RJANITOR_BARK_URL", ""),
				Enabled: getEnvBool("RJANITOR_BARK_ENABLED", false),
			},
		},
		StateDir:      getEnvString("RJANITOR_STATE_DIR", ""),
		SecretsFile:   getEnvString("RJANITOR_SECRETS_FILE", ""),
		ToolPath:      getEnvString("RJANITOR_TOOL", defaultToolPath),
		Mode:          getEnvString("RJANITOR_MODE", defaultMode),
		ShutdownGrace: getEnvDuration("RJANITOR_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	var addr, logLevel, stateDir, secretsFile, toolPath, mode string
	var logRetention int
	var shutdownGrace time.Duration

	flag.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	flag.StringVar(&stateDir, "state-dir", "", "Directory for the database and run logs")
	flag.StringVar(&secretsFile, "secrets-file", "", "dotenv file with runtime catalog credentials, re-read at each run start")
	flag.StringVar(&toolPath, "tool", "", "Path to the catalog maintenance CLI")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.IntVar(&logRetention, "log-retention", 0, "Number of run log files to retain")
	flag.StringVar(&mode, "mode", "", "Serving mode: http, mcp or both")
	flag.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	flag.Parse()

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logRetention > 0 {
		cfg.Log.Retention = logRetention
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if secretsFile != "" {
		cfg.SecretsFile = secretsFile
	}
	if toolPath != "" {
		cfg.ToolPath = toolPath
	}
	if mode != "" {
		cfg.Mode = mode
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "shutdown-grace" {
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.SecretsFile == "" {
		cfg.SecretsFile = filepath.Join(cfg.StateDir, "secrets.env")
	}
	if cfg.Log.Retention < 1 {
		cfg.Log.Retention = defaultLogRetention
	}
	switch cfg.Mode {
	case "http", "mcp", "both":
	default:
		return nil, fmt.Errorf("invalid mode %q (want http, mcp or both)", cfg.Mode)
	}

	return cfg, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "recipejanitor")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

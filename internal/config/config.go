package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the capture observer, the bulk executor
// and the control API.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// Optional managed browser
	LaunchBrowser bool
	StartURL      string
	ProfileDir    string

	// Tab matching and target extraction
	TabURLFilter   string
	TargetPattern  string
	TargetIDField  string
	PendingTTL     time.Duration
	ReloadOnAttach bool

	// Storage settings
	DBDSN         string
	DataDir       string
	RunsDir       string
	FeaturesFile  string
	MaxFileSizeMB int
	BufferSize    int
	MaxBodyBytes  int

	// Executor behavior
	BatchSize        int
	BatchDelay       time.Duration
	MaxAttempts      int
	BackoffBase      time.Duration
	HTTPTimeout      time.Duration
	MaxCredentialAge time.Duration

	// Control API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	LogLevel     string
	LogFile      string
	NTFYEndpoint string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:       getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:          getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		LaunchBrowser:    getEnvBoolOrDefault("BULKOPS_LAUNCH_BROWSER", false),
		StartURL:         getEnvOrDefault("BULKOPS_START_URL", "https://app.gohighlevel.com/"),
		ProfileDir:       getEnvOrDefault("BULKOPS_PROFILE_DIR", "./data/browser-profile"),
		TabURLFilter:     getEnvOrDefault("BULKOPS_TAB_URL_FILTER", "app.gohighlevel.com"),
		TargetPattern:    getEnvOrDefault("BULKOPS_TARGET_PATTERN", `backend\.leadconnectorhq\.com/locations/search`),
		TargetIDField:    getEnvOrDefault("BULKOPS_TARGET_ID_FIELD", "_id"),
		PendingTTL:       getEnvDurationOrDefault("BULKOPS_PENDING_TTL", 5*time.Minute),
		ReloadOnAttach:   getEnvBoolOrDefault("BULKOPS_RELOAD_ON_ATTACH", false),
		DBDSN:            getEnvOrDefault("BULKOPS_DB_DSN", "data/bulkops.sqlite3"),
		DataDir:          getEnvOrDefault("BULKOPS_DATA_DIR", "./data/audit"),
		RunsDir:          getEnvOrDefault("BULKOPS_RUNS_DIR", "./data/runs"),
		FeaturesFile:     getEnvOrDefault("BULKOPS_FEATURES_FILE", ""),
		MaxFileSizeMB:    getEnvIntOrDefault("BULKOPS_MAX_FILE_SIZE_MB", 50),
		BufferSize:       getEnvIntOrDefault("BULKOPS_BUFFER_SIZE", 1000),
		MaxBodyBytes:     getEnvIntOrDefault("BULKOPS_MAX_BODY_BYTES", 64*1024),
		BatchSize:        getEnvIntOrDefault("BULKOPS_BATCH_SIZE", 5),
		BatchDelay:       time.Duration(getEnvIntOrDefault("BULKOPS_BATCH_DELAY_MS", 1000)) * time.Millisecond,
		MaxAttempts:      getEnvIntOrDefault("BULKOPS_MAX_ATTEMPTS", 3),
		BackoffBase:      time.Duration(getEnvIntOrDefault("BULKOPS_BACKOFF_MS", 2000)) * time.Millisecond,
		HTTPTimeout:      time.Duration(getEnvIntOrDefault("BULKOPS_HTTP_TIMEOUT_MS", 30000)) * time.Millisecond,
		MaxCredentialAge: getEnvDurationOrDefault("BULKOPS_MAX_CREDENTIAL_AGE", 0),
		BindAddr:         getEnvOrDefault("BULKOPS_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:   getEnvListOrDefault("BULKOPS_PORT_CANDIDATES", []string{"127.0.0.1:8191", "127.0.0.1:8192"}),
		PortAutoFallback: getEnvBoolOrDefault("BULKOPS_PORT_AUTO_FALLBACK", true),
		LogLevel:         strings.ToLower(getEnvOrDefault("BULKOPS_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("BULKOPS_LOG_FILE", "logs/bulkops.log"),
		NTFYEndpoint:     getEnvOrDefault("BULKOPS_NTFY_ENDPOINT", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the executor and correlator cannot work with.
func (c *Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("config: BULKOPS_BATCH_SIZE must be >= 1, got %d", c.BatchSize)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("config: BULKOPS_MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts)
	}
	if c.BatchDelay < 0 || c.BackoffBase < 0 {
		return fmt.Errorf("config: delays must not be negative")
	}
	if strings.TrimSpace(c.TargetIDField) == "" {
		return fmt.Errorf("config: BULKOPS_TARGET_ID_FIELD must not be empty")
	}
	if strings.TrimSpace(c.TargetPattern) == "" {
		return fmt.Errorf("config: BULKOPS_TARGET_PATTERN must not be empty")
	}
	return nil
}

// GetCDPURL returns the full CDP HTTP endpoint used by chromedp remote allocator.
func (c *Config) GetCDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

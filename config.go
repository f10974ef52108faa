package lookuppool

import (
	"os"
	"strconv"
	"time"
)

// Config represents lookup pool configuration.
type Config struct {
	// Address the HTTP transport listens on (default: ":8080").
	ListenAddr string

	// History backend: "badger", "sqlite" or "memory" (default: "badger").
	HistoryBackend string

	// Path of the history database (default: "./data/history").
	HistoryPath string

	// Directory artifacts are written to (default: "./screenshots").
	ArtifactDir string

	// Age after which leftover artifact files are swept (default: 1 day).
	ArtifactTTL time.Duration

	// How often the artifact sweep runs (default: 1 hour).
	CleanupInterval time.Duration

	// Soft load threshold; submissions are rejected while more jobs than this
	// are queued. 0 disables the check (default: 10).
	MaxQueueDepth int

	// Submissions allowed per requester per minute. 0 disables the limit (default: 0).
	RatePerMinute int

	// Average processing time used for wait estimates (default: 15s).
	AvgProcessing time.Duration

	// Default number of history entries returned (default: 5).
	HistoryLimit int

	// Directory for log files (default: "./logs").
	LogDir string

	// Requester that receives error-level log forwarding and may download the error log.
	DeveloperID RequesterID

	// Single-instance lock file (default: "./lookupd.lock").
	LockFile string

	// Metrics export interval; 0 disables the stdout exporter (default: 0).
	MetricsInterval time.Duration

	Automation AutomationConfig
}

// AutomationConfig configures the external application driver.
type AutomationConfig struct {
	// Command that launches the target application.
	AppCommand string
	// Working directory of the target application.
	AppDir string
	// Helper that performs the clicks/keystrokes and writes the screenshot.
	// It receives: <identifier> <license> <output.png>.
	AutomationCommand string
	// Command that closes the target application (abort sequence).
	CloseCommand string
	// License key typed into the registration window.
	LicenseKey string
	// Upper bound for each helper command, including the wait for the
	// application window. Zero means DefaultStepTimeout.
	StepTimeout time.Duration
}

// DefaultStepTimeout bounds a single automation command when StepTimeout is unset.
const DefaultStepTimeout = 60 * time.Second

// LoadConfig loads configuration from environment variables.
// It reads the LOOKUP_* environment variables documented on each field.
//
// Duration values can be specified as:
//   - Integer number of days (e.g., "30" = 30 days)
//   - Duration string (e.g., "24h", "1h30m")
//
// Returns a Config struct with default values if environment variables are not set.
func LoadConfig() *Config {
	return &Config{
		ListenAddr:      getEnv("LOOKUP_LISTEN_ADDR", ":8080"),
		HistoryBackend:  getEnv("LOOKUP_HISTORY_BACKEND", "badger"),
		HistoryPath:     getEnv("LOOKUP_HISTORY_PATH", "./data/history"),
		ArtifactDir:     getEnv("LOOKUP_ARTIFACT_DIR", "./screenshots"),
		ArtifactTTL:     getEnvDuration("LOOKUP_ARTIFACT_TTL", 24*time.Hour),
		CleanupInterval: getEnvDuration("LOOKUP_CLEANUP_INTERVAL", time.Hour),
		MaxQueueDepth:   getEnvInt("LOOKUP_MAX_QUEUE_DEPTH", 10),
		RatePerMinute:   getEnvInt("LOOKUP_RATE_PER_MINUTE", 0),
		AvgProcessing:   getEnvDuration("LOOKUP_AVG_PROCESSING", 15*time.Second),
		HistoryLimit:    getEnvInt("LOOKUP_HISTORY_LIMIT", 5),
		LogDir:          getEnv("LOOKUP_LOG_DIR", "./logs"),
		DeveloperID:     RequesterID(getEnv("LOOKUP_DEVELOPER_ID", "")),
		LockFile:        getEnv("LOOKUP_LOCK_FILE", "./lookupd.lock"),
		MetricsInterval: getEnvDuration("LOOKUP_METRICS_INTERVAL", 0),
		Automation: AutomationConfig{
			AppCommand:        getEnv("LOOKUP_APP_COMMAND", ""),
			AppDir:            getEnv("LOOKUP_APP_DIR", ""),
			AutomationCommand: getEnv("LOOKUP_AUTOMATION_COMMAND", ""),
			CloseCommand:      getEnv("LOOKUP_CLOSE_COMMAND", ""),
			LicenseKey:        getEnv("LOOKUP_LICENSE_KEY", ""),
			StepTimeout:       getEnvDuration("LOOKUP_STEP_TIMEOUT", DefaultStepTimeout),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if days, err := strconv.Atoi(value); err == nil {
			return time.Duration(days) * 24 * time.Hour
		}
		// Try parsing as duration string (e.g., "24h", "90s")
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"digemidscraper/internal/ratelimit"
)

// Supported database/sql driver names.
const (
	driverPostgres = "pgx"
	driverSQLite   = "sqlite3"
)

// Config holds everything the scraper reads from the environment.
type Config struct {
	DatabaseURL    string
	DBDriver       string
	DBMigrate      bool
	QueueTable     string
	LocationsTable string

	ExportsDir string
	ArchiveDir string

	PortalURL       string
	Headless        bool
	StepTimeout     time.Duration
	DownloadTimeout time.Duration

	RegionCode string
	RegionName string

	Cooldown         time.Duration
	CooldownStrategy string
	CooldownMax      time.Duration

	SearchDelayMin  time.Duration
	SearchDelayMax  time.Duration
	FetchAttempts   int
	FetchRetryPause time.Duration
	StaleAfter      time.Duration
	SkipExisting    bool
	PollSchedule    string

	LogLevel  string
	LogFormat string
}

// Load reads the .env file at envPath (or ./.env when empty) and then the
// environment. A missing .env file is not an error; variables already set in
// the environment win over the file.
func Load(envPath string) (*Config, error) {
	var err error
	if envPath != "" {
		err = godotenv.Load(envPath)
	} else {
		err = godotenv.Load()
	}
	if err != nil {
		if envPath != "" && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("could not load %s: %w", envPath, err)
		}
		log.Printf("Info: no .env file loaded (%v), using environment only", err)
	}

	cfg := &Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DBDriver:       getEnvAsString("DB_DRIVER", driverPostgres),
		DBMigrate:      getEnvAsBool("DB_MIGRATE", false),
		QueueTable:     getEnvAsString("QUEUE_TABLE", "coln_procesamiento"),
		LocationsTable: getEnvAsString("LOCATIONS_TABLE", "ubicaciones"),

		ExportsDir: getEnvAsString("EXPORTS_DIR", "./excels"),
		ArchiveDir: getEnvAsString("ARCHIVE_DIR", ""),

		PortalURL:       getEnvAsString("PORTAL_URL", "https://opm-digemid.minsa.gob.pe/#/consulta-producto"),
		Headless:        getEnvAsBool("HEADLESS", true),
		StepTimeout:     getEnvAsDuration("STEP_TIMEOUT", 8*time.Second),
		DownloadTimeout: getEnvAsDuration("DOWNLOAD_TIMEOUT", 25*time.Second),

		RegionCode: getEnvAsString("REGION_CODE", "04"),
		RegionName: getEnvAsString("REGION_NAME", "AREQUIPA"),

		Cooldown:         getEnvAsDuration("COOLDOWN", ratelimit.DefaultCooldown),
		CooldownStrategy: getEnvAsString("COOLDOWN_STRATEGY", ratelimit.StrategyFixed),
		CooldownMax:      getEnvAsDuration("COOLDOWN_MAX", 8*time.Hour),

		SearchDelayMin:  getEnvAsDuration("SEARCH_DELAY_MIN", 2*time.Second),
		SearchDelayMax:  getEnvAsDuration("SEARCH_DELAY_MAX", 5*time.Second),
		FetchAttempts:   getEnvAsInt("FETCH_ATTEMPTS", 3),
		FetchRetryPause: getEnvAsDuration("FETCH_RETRY_PAUSE", 5*time.Second),
		StaleAfter:      getEnvAsDuration("STALE_AFTER", 30*time.Minute),
		SkipExisting:    getEnvAsBool("SKIP_EXISTING", true),
		PollSchedule:    getEnvAsString("POLL_SCHEDULE", ""),

		LogLevel:  getEnvAsString("LOG_LEVEL", "info"),
		LogFormat: getEnvAsString("LOG_FORMAT", "color"),
	}

	return cfg, nil
}

// Validate checks required values and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL environment variable is required"))
	}
	if c.DBDriver != driverPostgres && c.DBDriver != driverSQLite {
		errs = append(errs, fmt.Errorf("DB_DRIVER must be %q or %q, got %q", driverPostgres, driverSQLite, c.DBDriver))
	}
	if c.ExportsDir == "" {
		errs = append(errs, errors.New("EXPORTS_DIR must not be empty"))
	}
	if c.RegionCode == "" {
		errs = append(errs, errors.New("REGION_CODE must not be empty"))
	}
	if c.FetchAttempts < 1 {
		errs = append(errs, fmt.Errorf("FETCH_ATTEMPTS must be at least 1, got %d", c.FetchAttempts))
	}
	if c.SearchDelayMin < 0 || c.SearchDelayMax < c.SearchDelayMin {
		errs = append(errs, fmt.Errorf("search delay range [%s, %s] is invalid", c.SearchDelayMin, c.SearchDelayMax))
	}
	if c.StepTimeout <= 0 || c.DownloadTimeout <= 0 {
		errs = append(errs, errors.New("STEP_TIMEOUT and DOWNLOAD_TIMEOUT must be positive"))
	}
	if _, err := ratelimit.NewBackoff(c.CooldownStrategy, c.Cooldown, c.CooldownMax); err != nil {
		errs = append(errs, fmt.Errorf("COOLDOWN_STRATEGY: %w", err))
	}
	if c.PollSchedule != "" {
		if _, err := cron.ParseStandard(c.PollSchedule); err != nil {
			errs = append(errs, fmt.Errorf("POLL_SCHEDULE %q: %w", c.PollSchedule, err))
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "color", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be color, text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// getEnvAsString reads an environment variable or returns the default.
func getEnvAsString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvAsInt reads an environment variable as int. Unparseable values fall
// back to the default with a warning.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: %s=%q is not an int (%v), using default %d", key, valueStr, err, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Warning: %s=%q is not a bool (%v), using default %t", key, valueStr, err, defaultValue)
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("90m", "2h") or a bare number of seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Warning: %s=%q is not a duration (%v), using default %s", key, valueStr, err, defaultValue)
		return defaultValue
	}
	return value
}

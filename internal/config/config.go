package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	OrthancURL            string `mapstructure:"ORTHANC_URL"`
	OrthancUsername       string `mapstructure:"ORTHANC_USERNAME"`
	OrthancPassword       string `mapstructure:"ORTHANC_PASSWORD"`
	OrthancTimeoutSeconds int    `mapstructure:"ORTHANC_TIMEOUT_SECONDS"`

	WorklistDir         string `mapstructure:"WORKLIST_DIR"`
	WorklistExtension   string `mapstructure:"WORKLIST_EXTENSION"`
	WorklistStationAE   string `mapstructure:"WORKLIST_STATION_AE"`
	WorklistConcurrency int    `mapstructure:"WORKLIST_CONCURRENCY"`
	WorklistTimezone    string `mapstructure:"WORKLIST_TIMEZONE"`

	WebhookTriggerChangeType   string `mapstructure:"WEBHOOK_TRIGGER_CHANGE_TYPE"`
	WebhookTriggerResourceType string `mapstructure:"WEBHOOK_TRIGGER_RESOURCE_TYPE"`
	WebhookSecret              string `mapstructure:"WEBHOOK_SECRET"`

	MigrationsDir  string `mapstructure:"MIGRATIONS_DIR"`
	MetricsEnabled bool   `mapstructure:"METRICS_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"ORTHANC_URL", "ORTHANC_USERNAME", "ORTHANC_PASSWORD", "ORTHANC_TIMEOUT_SECONDS",
	"WORKLIST_DIR", "WORKLIST_EXTENSION", "WORKLIST_STATION_AE", "WORKLIST_CONCURRENCY",
	"WORKLIST_TIMEZONE",
	"WEBHOOK_TRIGGER_CHANGE_TYPE", "WEBHOOK_TRIGGER_RESOURCE_TYPE", "WEBHOOK_SECRET",
	"MIGRATIONS_DIR", "METRICS_ENABLED",
}

// Load reads the environment and an optional .env file. It does not
// validate; callers that need a database or archive call Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("ORTHANC_URL", "http://localhost:8042")
	v.SetDefault("ORTHANC_TIMEOUT_SECONDS", 15)
	v.SetDefault("WORKLIST_DIR", "./worklists")
	v.SetDefault("WORKLIST_EXTENSION", "wl")
	v.SetDefault("WORKLIST_CONCURRENCY", 4)
	v.SetDefault("WORKLIST_TIMEZONE", "Local")
	v.SetDefault("WEBHOOK_TRIGGER_CHANGE_TYPE", "StableStudy")
	v.SetDefault("WEBHOOK_TRIGGER_RESOURCE_TYPE", "Study")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("METRICS_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.WorklistExtension = strings.TrimPrefix(strings.TrimSpace(cfg.WorklistExtension), ".")

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// OrthancTimeout returns the archive request timeout.
func (c *Config) OrthancTimeout() time.Duration {
	return time.Duration(c.OrthancTimeoutSeconds) * time.Second
}

// Location returns the site time zone that scheduled times are shown in.
// An unknown zone falls back to UTC; Validate reports it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.WorklistTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate checks the settings every command needs. The worklist extension
// must differ from "txt", which is reserved for fallback renderings.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.OrthancURL == "" {
		return fmt.Errorf("ORTHANC_URL is required")
	}
	if c.OrthancTimeoutSeconds <= 0 {
		return fmt.Errorf("ORTHANC_TIMEOUT_SECONDS must be positive, got %d", c.OrthancTimeoutSeconds)
	}
	if c.WorklistDir == "" {
		return fmt.Errorf("WORKLIST_DIR is required")
	}
	ext := c.WorklistExtension
	if ext == "" || strings.ContainsAny(ext, `./\`) {
		return fmt.Errorf("WORKLIST_EXTENSION %q is not a valid file extension", ext)
	}
	if strings.EqualFold(ext, "txt") {
		return fmt.Errorf("WORKLIST_EXTENSION must not be \"txt\"; it is reserved for fallback files")
	}
	if c.WorklistConcurrency <= 0 {
		return fmt.Errorf("WORKLIST_CONCURRENCY must be positive, got %d", c.WorklistConcurrency)
	}
	if _, err := time.LoadLocation(c.WorklistTimezone); err != nil {
		return fmt.Errorf("WORKLIST_TIMEZONE %q: %w", c.WorklistTimezone, err)
	}
	if len(c.WorklistStationAE) > 16 {
		return fmt.Errorf("WORKLIST_STATION_AE must be at most 16 characters, got %d", len(c.WorklistStationAE))
	}
	if c.WebhookTriggerChangeType == "" || c.WebhookTriggerResourceType == "" {
		return fmt.Errorf("WEBHOOK_TRIGGER_CHANGE_TYPE and WEBHOOK_TRIGGER_RESOURCE_TYPE are required")
	}
	return nil
}

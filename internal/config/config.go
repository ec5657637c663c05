// Package config loads pipeline configuration from the environment, with an
// optional TOML file overlay for deployments that prefer files over env vars.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DatabaseURL string // NW_DATABASE_URL (required)
	NATSURL     string // NW_NATS_URL (required)

	// Stream settings
	StreamName    string // NW_STREAM (default "NEWS")
	InputSubject  string // NW_INPUT_SUBJECT (default "news.enriched")
	OutputSubject string // NW_OUTPUT_SUBJECT (default "news.deduped")
	ConsumerGroup string // NW_CONSUMER_GROUP (default "newsflow-notifier")
	Workers       int    // NW_WORKERS (default 4)

	// Dedup settings
	SimilarityThreshold float64       // NW_SIMILARITY_THRESHOLD (default 0.85)
	DedupWindow         time.Duration // NW_DEDUP_WINDOW (default 48h)

	// Idempotency settings
	Retention        time.Duration // NW_RETENTION (default 24h)
	ReservationLease time.Duration // NW_RESERVATION_LEASE (default 5m)

	// Delivery settings
	MaxAttempts int           // NW_MAX_ATTEMPTS (default 5)
	BackoffBase time.Duration // NW_BACKOFF_BASE (default 500ms)
	SMTPAddr    string        // NW_SMTP_ADDR (host:port, required for delivery)
	SMTPUser    string        // NW_SMTP_USER
	SMTPPass    string        // NW_SMTP_PASSWORD
	FromAddress string        // NW_FROM_ADDRESS (default "alerts@newsflow.local")

	// Preference snapshot settings
	PrefsRefresh time.Duration // NW_PREFS_REFRESH (default 1m)

	// Dead-letter export settings
	ExportInterval time.Duration // NW_DLQ_EXPORT_INTERVAL (default 15m; 0 = disabled)
	ExportS3Bucket string        // NW_DLQ_S3_BUCKET (enables S3 export when set)
	ExportS3Prefix string        // NW_DLQ_S3_PREFIX (default "newsflow/dead-letters")
	ExportS3Region string        // NW_DLQ_S3_REGION (default "us-east-1")
	ExportS3Endpoint string      // NW_DLQ_S3_ENDPOINT (custom endpoint for MinIO)
}

// fileConfig mirrors Config for the optional TOML overlay. Only keys present
// in the file override the environment.
type fileConfig struct {
	DatabaseURL         *string  `toml:"database_url"`
	NATSURL             *string  `toml:"nats_url"`
	StreamName          *string  `toml:"stream"`
	InputSubject        *string  `toml:"input_subject"`
	OutputSubject       *string  `toml:"output_subject"`
	ConsumerGroup       *string  `toml:"consumer_group"`
	Workers             *int     `toml:"workers"`
	SimilarityThreshold *float64 `toml:"similarity_threshold"`
	DedupWindow         *string  `toml:"dedup_window"`
	Retention           *string  `toml:"retention"`
	ReservationLease    *string  `toml:"reservation_lease"`
	MaxAttempts         *int     `toml:"max_attempts"`
	BackoffBase         *string  `toml:"backoff_base"`
	SMTPAddr            *string  `toml:"smtp_addr"`
	FromAddress         *string  `toml:"from_address"`
}

// Load reads configuration from the environment, applies the optional TOML
// file named by NW_CONFIG_FILE, and validates the result.
func Load() (*Config, error) {
	c := &Config{
		DatabaseURL:      os.Getenv("NW_DATABASE_URL"),
		NATSURL:          os.Getenv("NW_NATS_URL"),
		StreamName:       envOrDefault("NW_STREAM", "NEWS"),
		InputSubject:     envOrDefault("NW_INPUT_SUBJECT", "news.enriched"),
		OutputSubject:    envOrDefault("NW_OUTPUT_SUBJECT", "news.deduped"),
		ConsumerGroup:    envOrDefault("NW_CONSUMER_GROUP", "newsflow-notifier"),
		SMTPAddr:         os.Getenv("NW_SMTP_ADDR"),
		SMTPUser:         os.Getenv("NW_SMTP_USER"),
		SMTPPass:         os.Getenv("NW_SMTP_PASSWORD"),
		FromAddress:      envOrDefault("NW_FROM_ADDRESS", "alerts@newsflow.local"),
		ExportS3Bucket:   os.Getenv("NW_DLQ_S3_BUCKET"),
		ExportS3Prefix:   envOrDefault("NW_DLQ_S3_PREFIX", "newsflow/dead-letters"),
		ExportS3Region:   envOrDefault("NW_DLQ_S3_REGION", "us-east-1"),
		ExportS3Endpoint: os.Getenv("NW_DLQ_S3_ENDPOINT"),
	}

	var err error
	if c.Workers, err = envInt("NW_WORKERS", 4); err != nil {
		return nil, err
	}
	if c.MaxAttempts, err = envInt("NW_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if c.SimilarityThreshold, err = envFloat("NW_SIMILARITY_THRESHOLD", 0.85); err != nil {
		return nil, err
	}
	if c.DedupWindow, err = envDuration("NW_DEDUP_WINDOW", 48*time.Hour); err != nil {
		return nil, err
	}
	if c.Retention, err = envDuration("NW_RETENTION", 24*time.Hour); err != nil {
		return nil, err
	}
	if c.ReservationLease, err = envDuration("NW_RESERVATION_LEASE", 5*time.Minute); err != nil {
		return nil, err
	}
	if c.BackoffBase, err = envDuration("NW_BACKOFF_BASE", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if c.PrefsRefresh, err = envDuration("NW_PREFS_REFRESH", time.Minute); err != nil {
		return nil, err
	}
	if c.ExportInterval, err = envDuration("NW_DLQ_EXPORT_INTERVAL", 15*time.Minute); err != nil {
		return nil, err
	}

	if path := os.Getenv("NW_CONFIG_FILE"); path != "" {
		if err := c.applyFile(path); err != nil {
			return nil, err
		}
	}

	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("NW_DATABASE_URL is required")
	}
	if c.NATSURL == "" {
		return nil, fmt.Errorf("NW_NATS_URL is required")
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("NW_SIMILARITY_THRESHOLD must be in (0, 1], got %v", c.SimilarityThreshold)
	}
	if c.Workers < 1 {
		return nil, fmt.Errorf("NW_WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.ReservationLease >= c.Retention {
		return nil, fmt.Errorf("NW_RESERVATION_LEASE (%v) must be shorter than NW_RETENTION (%v)",
			c.ReservationLease, c.Retention)
	}

	return c, nil
}

func (c *Config) applyFile(path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("NW_CONFIG_FILE %s: %w", path, err)
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&c.DatabaseURL, fc.DatabaseURL)
	setString(&c.NATSURL, fc.NATSURL)
	setString(&c.StreamName, fc.StreamName)
	setString(&c.InputSubject, fc.InputSubject)
	setString(&c.OutputSubject, fc.OutputSubject)
	setString(&c.ConsumerGroup, fc.ConsumerGroup)
	setString(&c.SMTPAddr, fc.SMTPAddr)
	setString(&c.FromAddress, fc.FromAddress)
	if fc.Workers != nil {
		c.Workers = *fc.Workers
	}
	if fc.MaxAttempts != nil {
		c.MaxAttempts = *fc.MaxAttempts
	}
	if fc.SimilarityThreshold != nil {
		c.SimilarityThreshold = *fc.SimilarityThreshold
	}

	setDuration := func(dst *time.Duration, src *string, key string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("NW_CONFIG_FILE %s: %s: %w", path, key, err)
		}
		*dst = d
		return nil
	}
	if err := setDuration(&c.DedupWindow, fc.DedupWindow, "dedup_window"); err != nil {
		return err
	}
	if err := setDuration(&c.Retention, fc.Retention, "retention"); err != nil {
		return err
	}
	if err := setDuration(&c.ReservationLease, fc.ReservationLease, "reservation_lease"); err != nil {
		return err
	}
	return setDuration(&c.BackoffBase, fc.BackoffBase, "backoff_base")
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

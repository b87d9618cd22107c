// Package config loads worker settings from a YAML file, an optional .env
// file and TABLEWATCH_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the worker looks for its settings file.
const DefaultPath = "config/settings.yaml"

// Config represents the complete worker configuration
type Config struct {
	HTTPEndpoint        string        `yaml:"http_endpoint"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	ModelPath           string        `yaml:"model_path"`
	RetryDelay          int           `yaml:"retry_delay"` // seconds between claim attempts
	DB                  string        `yaml:"db"`
	EngineScript        string        `yaml:"engine_script"`
	SampleEvery         int           `yaml:"sample_every"` // process every Nth frame
	IoUThreshold        float64       `yaml:"iou_threshold"`
	PublishTimeout      time.Duration `yaml:"publish_timeout"`
	ReleaseTimeout      time.Duration `yaml:"release_timeout"`
	LogFormat           string        `yaml:"log_format"` // text or json
	LogLevel            string        `yaml:"log_level"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		HTTPEndpoint:        "http://localhost:8111/",
		ConfidenceThreshold: 0.9,
		ModelPath:           "models/best.pt",
		RetryDelay:          30,
		DB:                  "sqlite://config/streams.db",
		EngineScript:        "python/card_engine.py",
		SampleEvery:         3,
		IoUThreshold:        0.5,
		PublishTimeout:      10 * time.Second,
		ReleaseTimeout:      5 * time.Second,
		LogFormat:           "text",
		LogLevel:            "info",
	}
}

// RetryInterval is RetryDelay as a duration.
func (c Config) RetryInterval() time.Duration {
	return time.Duration(c.RetryDelay) * time.Second
}

// Load reads path on top of the defaults. A missing file is not an error;
// the worker then runs on defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("TABLEWATCH_HTTP_ENDPOINT"); ok {
		c.HTTPEndpoint = v
	}
	if v, ok := os.LookupEnv("TABLEWATCH_MODEL_PATH"); ok {
		c.ModelPath = v
	}
	if v, ok := os.LookupEnv("TABLEWATCH_DB"); ok {
		c.DB = v
	}
	if v, ok := os.LookupEnv("TABLEWATCH_ENGINE_SCRIPT"); ok {
		c.EngineScript = v
	}
	if v, ok := os.LookupEnv("TABLEWATCH_LOG_FORMAT"); ok {
		c.LogFormat = v
	}
	if v, ok := os.LookupEnv("TABLEWATCH_LOG_LEVEL"); ok {
		c.LogLevel = v
	}

	var err error
	if v, ok := os.LookupEnv("TABLEWATCH_CONFIDENCE_THRESHOLD"); ok {
		if c.ConfidenceThreshold, err = strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("TABLEWATCH_CONFIDENCE_THRESHOLD: %w", err)
		}
	}
	if v, ok := os.LookupEnv("TABLEWATCH_IOU_THRESHOLD"); ok {
		if c.IoUThreshold, err = strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("TABLEWATCH_IOU_THRESHOLD: %w", err)
		}
	}
	if v, ok := os.LookupEnv("TABLEWATCH_RETRY_DELAY"); ok {
		if c.RetryDelay, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("TABLEWATCH_RETRY_DELAY: %w", err)
		}
	}
	if v, ok := os.LookupEnv("TABLEWATCH_SAMPLE_EVERY"); ok {
		if c.SampleEvery, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("TABLEWATCH_SAMPLE_EVERY: %w", err)
		}
	}
	if v, ok := os.LookupEnv("TABLEWATCH_PUBLISH_TIMEOUT"); ok {
		if c.PublishTimeout, err = time.ParseDuration(v); err != nil {
			return fmt.Errorf("TABLEWATCH_PUBLISH_TIMEOUT: %w", err)
		}
	}
	return nil
}

// Validate ensures all settings are usable before starting heavy processes.
func (c Config) Validate() error {
	u, err := url.Parse(c.HTTPEndpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid http_endpoint %q", c.HTTPEndpoint)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be between 0.0 and 1.0, got %f", c.ConfidenceThreshold)
	}
	if c.IoUThreshold < 0 || c.IoUThreshold > 1 {
		return fmt.Errorf("iou_threshold must be between 0.0 and 1.0, got %f", c.IoUThreshold)
	}
	if c.RetryDelay < 1 {
		return fmt.Errorf("retry_delay must be >= 1 second, got %d", c.RetryDelay)
	}
	if c.SampleEvery < 1 {
		return fmt.Errorf("sample_every must be >= 1, got %d", c.SampleEvery)
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("publish_timeout must be positive, got %s", c.PublishTimeout)
	}
	if c.ReleaseTimeout <= 0 {
		return fmt.Errorf("release_timeout must be positive, got %s", c.ReleaseTimeout)
	}
	if c.DB == "" {
		return errors.New("db must not be empty")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be 'text' or 'json', got %q", c.LogFormat)
	}
	return nil
}

package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel string `mapstructure:"LOG_LEVEL"`
	DBURL    string `mapstructure:"DB_URL"`
	HTTPAddr string `mapstructure:"HTTP_ADDR"`

	DetectorMode       string        `mapstructure:"DETECTOR_MODE"`
	ScanInterval       time.Duration `mapstructure:"SCAN_INTERVAL"`
	SafetyScanInterval time.Duration `mapstructure:"SAFETY_SCAN_INTERVAL"`

	EngineURL         string        `mapstructure:"ENGINE_URL"`
	EngineTimeout     time.Duration `mapstructure:"ENGINE_TIMEOUT"`
	EngineMaxRetries  int           `mapstructure:"ENGINE_MAX_RETRIES"`
	EnrichConcurrency int           `mapstructure:"ENRICH_CONCURRENCY"`

	SendTimeout time.Duration `mapstructure:"SEND_TIMEOUT"`
	QueueSize   int           `mapstructure:"QUEUE_SIZE"`

	GithubToken         string        `mapstructure:"GITHUB_TOKEN"`
	RepoRefreshInterval time.Duration `mapstructure:"REPO_REFRESH_INTERVAL"`
}

// Detector modes.
const (
	ModeScan   = "scan"
	ModeNotify = "notify"
)

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("HTTP_ADDR", ":8080")
	viper.SetDefault("DETECTOR_MODE", ModeScan)
	viper.SetDefault("SCAN_INTERVAL", "2s")
	viper.SetDefault("SAFETY_SCAN_INTERVAL", "30s")
	viper.SetDefault("ENGINE_TIMEOUT", "30s")
	viper.SetDefault("ENGINE_MAX_RETRIES", 2)
	viper.SetDefault("ENRICH_CONCURRENCY", 4)
	viper.SetDefault("SEND_TIMEOUT", "5s")
	viper.SetDefault("QUEUE_SIZE", 16)
	viper.SetDefault("REPO_REFRESH_INTERVAL", "1h")

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate required fields
	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}
	if cfg.EngineURL == "" {
		return nil, errors.New("ENGINE_URL is a required configuration field")
	}
	if cfg.DetectorMode != ModeScan && cfg.DetectorMode != ModeNotify {
		return nil, errors.New("DETECTOR_MODE must be either 'scan' or 'notify'")
	}

	return &cfg, nil
}

package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	DBURL          string        `mapstructure:"DB_URL"`
	GithubToken    string        `mapstructure:"GITHUB_TOKEN"`
	Organization   string        `mapstructure:"GITHUB_ORG"`
	MaxRetries     int           `mapstructure:"MAX_RETRIES"`
	RetryBackoff   time.Duration `mapstructure:"RETRY_BACKOFF"`
	QuotaThreshold int           `mapstructure:"QUOTA_THRESHOLD"`
	ListenAddr     string        `mapstructure:"LISTEN_ADDR"`
	MigrationsURL  string        `mapstructure:"MIGRATIONS_URL"`
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("MAX_RETRIES", 3)
	viper.SetDefault("RETRY_BACKOFF", "1s")
	viper.SetDefault("QUOTA_THRESHOLD", 10)
	viper.SetDefault("LISTEN_ADDR", ":8080")
	viper.SetDefault("MIGRATIONS_URL", "file://migrations")

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
	if cfg.GithubToken == "" {
		return nil, errors.New("GITHUB_TOKEN is a required configuration field")
	}
	if cfg.Organization == "" {
		return nil, errors.New("GITHUB_ORG is a required configuration field")
	}

	return &cfg, nil
}

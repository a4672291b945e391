package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "LOCKBOX"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "lockbox.db"
	defaultLogLevel         = "info"
	defaultRetentionSeconds = 30 * 24 * 60 * 60
	minimumRetentionSeconds = 60 * 60
)

// AppConfig captures runtime configuration for the vault sync server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	RetentionSeconds int64
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("retention.seconds", defaultRetentionSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		RetentionSeconds: configViper.GetInt64("retention.seconds"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RetentionSeconds < minimumRetentionSeconds {
		return fmt.Errorf("retention.seconds must be at least %d, got %d", minimumRetentionSeconds, c.RetentionSeconds)
	}
	return nil
}

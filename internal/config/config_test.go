package config

import (
	"strings"
	"testing"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("failed to load defaults: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		testContext.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != defaultDatabasePath {
		testContext.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.RetentionSeconds != defaultRetentionSeconds {
		testContext.Fatalf("unexpected retention %d", cfg.RetentionSeconds)
	}
}

func TestLoadRejectsRetentionBelowMinimum(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("retention.seconds", minimumRetentionSeconds-1)

	_, err := Load(configViper)
	if err == nil || !strings.Contains(err.Error(), "retention.seconds") {
		testContext.Fatalf("expected retention validation error, got %v", err)
	}
}

func TestLoadRejectsEmptyDatabasePath(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("database.path", "  ")

	_, err := Load(configViper)
	if err == nil || !strings.Contains(err.Error(), "database.path") {
		testContext.Fatalf("expected database path validation error, got %v", err)
	}
}

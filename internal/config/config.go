// Package config loads runtime settings from the environment (optionally
// seeded from a .env file) and an optional YAML config file. Remote
// credentials only ever come from the environment; nothing secret is
// written back to disk.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vpsdeck/vpsdeck/internal/transport"
)

type Config struct {
	// Server
	Port      int    `yaml:"port"`
	Env       string `yaml:"env"`
	Version   string `yaml:"version"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// CORS
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	// APIToken gates the embedded server's endpoints when set. Like the
	// SSH credentials it only ever comes from the environment.
	APIToken string `yaml:"-"`

	// Command execution
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// File transfer inactivity window, distinct from CommandTimeout
	FileIOTimeout time.Duration `yaml:"file_io_timeout"`

	// Embedded server supervision
	StopGrace    time.Duration `yaml:"stop_grace"`
	StartTimeout time.Duration `yaml:"start_timeout"`
}

// Load reads the optional .env file, then an optional YAML file named by
// VPSDECK_CONFIG, then environment variables; env always wins.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               0, // 0 lets the supervisor pick a free port
		Env:                "development",
		Version:            "0.1.0",
		LogLevel:           "info",
		LogFormat:          "json",
		CORSAllowedOrigins: []string{"*"},
		CommandTimeout:     30 * time.Second,
		FileIOTimeout:      30 * time.Second,
		StopGrace:          5 * time.Second,
		StartTimeout:       15 * time.Second,
	}

	if path := os.Getenv("VPSDECK_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.Port = getEnvAsInt("VPSDECK_PORT", cfg.Port)
	cfg.Env = getEnv("VPSDECK_ENV", cfg.Env)
	cfg.Version = getEnv("VPSDECK_VERSION", cfg.Version)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.CORSAllowedOrigins = getEnvAsSlice("VPSDECK_CORS_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.APIToken = getEnv("VPSDECK_API_TOKEN", "")
	cfg.CommandTimeout = getEnvAsDuration("VPSDECK_COMMAND_TIMEOUT", cfg.CommandTimeout)
	cfg.FileIOTimeout = getEnvAsDuration("VPSDECK_FILE_IO_TIMEOUT", cfg.FileIOTimeout)
	cfg.StopGrace = getEnvAsDuration("VPSDECK_STOP_GRACE", cfg.StopGrace)
	cfg.StartTimeout = getEnvAsDuration("VPSDECK_START_TIMEOUT", cfg.StartTimeout)

	return cfg, nil
}

// CredentialsFromEnv assembles remote credentials from VPSDECK_SSH_*
// variables. Returns ok=false when no host is configured; the caller then
// waits for an explicit connect request instead.
func CredentialsFromEnv() (transport.Credentials, bool) {
	host := os.Getenv("VPSDECK_SSH_HOST")
	if host == "" {
		return transport.Credentials{}, false
	}
	return transport.Credentials{
		Host:     host,
		Port:     getEnvAsInt("VPSDECK_SSH_PORT", 22),
		User:     getEnv("VPSDECK_SSH_USER", "root"),
		AuthType: getEnv("VPSDECK_SSH_AUTH", "password"),
		Secret:   os.Getenv("VPSDECK_SSH_SECRET"),
		HostKey:  os.Getenv("VPSDECK_SSH_HOST_KEY"),
	}, true
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

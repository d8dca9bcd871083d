// Package config loads runtime settings from an optional YAML file with
// environment-variable overrides. Environment wins over the file so a
// deployment can tweak one value without editing it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the remote service.
type Config struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`

	// Event callback listener for UPnP NOTIFY delivery.
	CallbackHost string `yaml:"callback_host"`
	CallbackPort int    `yaml:"callback_port"`

	CachePath string `yaml:"cache_path"`

	LogLevel         string   `yaml:"log_level"`
	LogFormat        string   `yaml:"log_format"`
	LogAllowChannels []string `yaml:"log_allow_channels"`
	LogBlockChannels []string `yaml:"log_block_channels"`

	DiscoveryTimeoutMs int    `yaml:"discovery_timeout_ms"`
	RescanSchedule     string `yaml:"rescan_schedule"` // cron spec, empty disables

	SonosTimeoutMs   int `yaml:"sonos_timeout_ms"`
	SonosMaxRetries  int `yaml:"sonos_max_retries"`
	SonosBackoffMs   int `yaml:"sonos_backoff_ms"`
	SubscriptionSec  int `yaml:"subscription_sec"`
	RenewAfterSec    int `yaml:"renew_after_sec"`
	ResyncIntervalMs int `yaml:"resync_interval_ms"`

	DefaultDeviceIP string `yaml:"default_device_ip"`

	// JWTSecret enables bearer authentication on the control API when set.
	JWTSecret string `yaml:"jwt_secret"`
}

func defaults() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               "9000",
		CallbackHost:       "",
		CallbackPort:       8080,
		CachePath:          "./data/devices.db",
		LogLevel:           "info",
		LogFormat:          "text",
		DiscoveryTimeoutMs: 10000,
		RescanSchedule:     "",
		SonosTimeoutMs:     10000,
		SonosMaxRetries:    3,
		SonosBackoffMs:     100,
		SubscriptionSec:    300,
		RenewAfterSec:      270,
		ResyncIntervalMs:   10000,
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when empty or missing), then environment overrides.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.Host = envString("HOST", cfg.Host)
	cfg.Port = envString("PORT", cfg.Port)
	cfg.CallbackHost = envString("CALLBACK_HOST", cfg.CallbackHost)
	cfg.CallbackPort = envInt("CALLBACK_PORT", cfg.CallbackPort)
	cfg.CachePath = envString("CACHE_PATH", cfg.CachePath)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envString("LOG_FORMAT", cfg.LogFormat)
	if channels := envCSV("LOG_ALLOW_CHANNELS"); len(channels) > 0 {
		cfg.LogAllowChannels = channels
	}
	if channels := envCSV("LOG_BLOCK_CHANNELS"); len(channels) > 0 {
		cfg.LogBlockChannels = channels
	}
	cfg.DiscoveryTimeoutMs = envInt("DISCOVERY_TIMEOUT_MS", cfg.DiscoveryTimeoutMs)
	cfg.RescanSchedule = envString("RESCAN_SCHEDULE", cfg.RescanSchedule)
	cfg.SonosTimeoutMs = envInt("SONOS_TIMEOUT_MS", cfg.SonosTimeoutMs)
	cfg.SonosMaxRetries = envInt("SONOS_MAX_RETRIES", cfg.SonosMaxRetries)
	cfg.SonosBackoffMs = envInt("SONOS_BACKOFF_MS", cfg.SonosBackoffMs)
	cfg.SubscriptionSec = envInt("SUBSCRIPTION_SEC", cfg.SubscriptionSec)
	cfg.RenewAfterSec = envInt("RENEW_AFTER_SEC", cfg.RenewAfterSec)
	cfg.ResyncIntervalMs = envInt("RESYNC_INTERVAL_MS", cfg.ResyncIntervalMs)
	cfg.DefaultDeviceIP = envString("DEFAULT_DEVICE_IP", cfg.DefaultDeviceIP)
	cfg.JWTSecret = envString("JWT_SECRET", cfg.JWTSecret)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.JWTSecret != "" && len(strings.TrimSpace(c.JWTSecret)) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters when set")
	}
	if c.DiscoveryTimeoutMs <= 0 {
		return fmt.Errorf("discovery timeout must be positive")
	}
	if c.RenewAfterSec >= c.SubscriptionSec {
		return fmt.Errorf("renewal threshold %ds must be below the lease %ds",
			c.RenewAfterSec, c.SubscriptionSec)
	}
	return nil
}

// AuthEnabled reports whether the API requires bearer tokens.
func (c Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}

func envString(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func envCSV(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}
	return result
}

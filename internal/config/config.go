package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Environment variable names recognized by LoadConfig. Values set in the
// environment override the config file.
const (
	EnvSecretKey          = "SECRET_KEY"
	EnvTokenExpireMinutes = "ACCESS_TOKEN_EXPIRE_MINUTES"
	EnvRateLimitRequests  = "RATE_LIMIT_REQUESTS"
	EnvRateLimitWindow    = "RATE_LIMIT_WINDOW"
)

// Config holds all control-plane configuration
type Config struct {
	// Server configuration
	HTTPAddr string `json:"http_addr"`

	// Logging configuration
	LogLevel string `json:"log_level"`

	// Data directory for reports, presets and state
	DataDir string `json:"data_dir"`

	// Auth configuration
	SecretKey          string        `json:"secret_key,omitempty"`
	TokenExpireMinutes int           `json:"token_expire_minutes"`
	RateLimitRequests  int           `json:"rate_limit_requests"`
	RateLimitWindow    time.Duration `json:"rate_limit_window"`
	BcryptCost         int           `json:"bcrypt_cost"`

	// Native helper configuration
	HelperPath      string        `json:"helper_path,omitempty"`
	HelperTimeout   time.Duration `json:"helper_timeout"`
	PreferNative    bool          `json:"prefer_native"`
	FallbackOnError bool          `json:"fallback_on_error"`

	// Resource pool configuration
	Pool PoolConfig `json:"pool"`

	// Performance monitor configuration
	CollectionInterval time.Duration `json:"collection_interval"`

	// Report configuration
	ReportDir           string `json:"report_dir,omitempty"`
	ReportRetentionDays int    `json:"report_retention_days"`

	// Preset configuration
	PresetDir       string `json:"preset_dir,omitempty"`
	PresetHotReload bool   `json:"preset_hot_reload"`

	// Seed identities loaded into the auth manager at startup
	Users   []UserSeed   `json:"users,omitempty"`
	APIKeys []APIKeySeed `json:"api_keys,omitempty"`
	Tenants []TenantSeed `json:"tenants,omitempty"`
}

// PoolConfig holds tuning for the shared resource pools
type PoolConfig struct {
	MinSize             int           `json:"min_size"`
	MaxSize             int           `json:"max_size"`
	AcquireTimeout      time.Duration `json:"acquire_timeout"`
	MaxIdleTime         time.Duration `json:"max_idle_time"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
}

// UserSeed declares a user in the config file. Password, when set, is
// hashed at startup; prefer PasswordHash for anything beyond local use.
type UserSeed struct {
	Username     string   `json:"username"`
	Password     string   `json:"password,omitempty"`
	PasswordHash string   `json:"password_hash,omitempty"`
	Role         string   `json:"role"`
	TenantID     string   `json:"tenant_id,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// APIKeySeed declares an API key in the config file
type APIKeySeed struct {
	Key       string     `json:"key"`
	Name      string     `json:"name"`
	TenantID  string     `json:"tenant_id,omitempty"`
	Scopes    []string   `json:"scopes,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Disabled  bool       `json:"disabled,omitempty"`
}

// TenantSeed declares a tenant in the config file
type TenantSeed struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Settings map[string]string `json:"settings,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:           ":8080",
		LogLevel:           "info",
		DataDir:            "", // Will use ~/.web-migrate by default
		TokenExpireMinutes: 30,
		RateLimitRequests:  100,
		RateLimitWindow:    time.Minute,
		BcryptCost:         12,
		HelperTimeout:      30 * time.Second,
		PreferNative:       true,
		FallbackOnError:    true,
		Pool: PoolConfig{
			MinSize:             2,
			MaxSize:             10,
			AcquireTimeout:      30 * time.Second,
			MaxIdleTime:         5 * time.Minute,
			HealthCheckInterval: 30 * time.Second,
		},
		CollectionInterval:  time.Second,
		ReportRetentionDays: 30,
		PresetHotReload:     true,
	}
}

// LoadConfig loads configuration from a file or returns default config.
// Environment overrides are applied after the file is read.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		// Try default locations
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, ".web-migrate", "config.json")
		}
	}

	// If file doesn't exist, return default config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := applyEnvOverrides(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".web-migrate", "config.json")
	}

	// Create directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Marshal with indentation for readability
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to temporary file first, then atomic rename
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	return nil
}

// EffectiveDataDir resolves the data directory, defaulting to
// ~/.web-migrate when unset.
func (c *Config) EffectiveDataDir() (string, error) {
	if c.DataDir != "" {
		return c.DataDir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".web-migrate"), nil
}

// EffectiveReportDir resolves the report output directory
func (c *Config) EffectiveReportDir() (string, error) {
	if c.ReportDir != "" {
		return c.ReportDir, nil
	}
	dataDir, err := c.EffectiveDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "reports"), nil
}

// EffectivePresetDir resolves the preset catalog directory
func (c *Config) EffectivePresetDir() (string, error) {
	if c.PresetDir != "" {
		return c.PresetDir, nil
	}
	dataDir, err := c.EffectiveDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "presets"), nil
}

// Redact returns a redacted copy of the config for logging
func (c *Config) Redact() map[string]interface{} {
	secretKey := ""
	if c.SecretKey != "" {
		secretKey = "***REDACTED***"
	}
	return map[string]interface{}{
		"http_addr":             c.HTTPAddr,
		"log_level":             c.LogLevel,
		"data_dir":              c.DataDir,
		"secret_key":            secretKey,
		"token_expire_minutes":  c.TokenExpireMinutes,
		"rate_limit_requests":   c.RateLimitRequests,
		"rate_limit_window":     c.RateLimitWindow.String(),
		"bcrypt_cost":           c.BcryptCost,
		"helper_path":           c.HelperPath,
		"helper_timeout":        c.HelperTimeout.String(),
		"prefer_native":         c.PreferNative,
		"fallback_on_error":     c.FallbackOnError,
		"pool_min_size":         c.Pool.MinSize,
		"pool_max_size":         c.Pool.MaxSize,
		"collection_interval":   c.CollectionInterval.String(),
		"report_retention_days": c.ReportRetentionDays,
		"preset_hot_reload":     c.PresetHotReload,
		"users":                 len(c.Users),
		"api_keys":              len(c.APIKeys),
		"tenants":               len(c.Tenants),
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaults.HTTPAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.TokenExpireMinutes == 0 {
		cfg.TokenExpireMinutes = defaults.TokenExpireMinutes
	}
	if cfg.RateLimitRequests == 0 {
		cfg.RateLimitRequests = defaults.RateLimitRequests
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = defaults.RateLimitWindow
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = defaults.BcryptCost
	}
	if cfg.HelperTimeout == 0 {
		cfg.HelperTimeout = defaults.HelperTimeout
	}
	if cfg.Pool.MinSize == 0 {
		cfg.Pool.MinSize = defaults.Pool.MinSize
	}
	if cfg.Pool.MaxSize == 0 {
		cfg.Pool.MaxSize = defaults.Pool.MaxSize
	}
	if cfg.Pool.AcquireTimeout == 0 {
		cfg.Pool.AcquireTimeout = defaults.Pool.AcquireTimeout
	}
	if cfg.Pool.MaxIdleTime == 0 {
		cfg.Pool.MaxIdleTime = defaults.Pool.MaxIdleTime
	}
	if cfg.Pool.HealthCheckInterval == 0 {
		cfg.Pool.HealthCheckInterval = defaults.Pool.HealthCheckInterval
	}
	if cfg.CollectionInterval == 0 {
		cfg.CollectionInterval = defaults.CollectionInterval
	}
	if cfg.ReportRetentionDays == 0 {
		cfg.ReportRetentionDays = defaults.ReportRetentionDays
	}
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvSecretKey); v != "" {
		cfg.SecretKey = v
	}
	if v := os.Getenv(EnvTokenExpireMinutes); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			return fmt.Errorf("invalid %s value %q", EnvTokenExpireMinutes, v)
		}
		cfg.TokenExpireMinutes = minutes
	}
	if v := os.Getenv(EnvRateLimitRequests); v != "" {
		requests, err := strconv.Atoi(v)
		if err != nil || requests <= 0 {
			return fmt.Errorf("invalid %s value %q", EnvRateLimitRequests, v)
		}
		cfg.RateLimitRequests = requests
	}
	if v := os.Getenv(EnvRateLimitWindow); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds <= 0 {
			return fmt.Errorf("invalid %s value %q", EnvRateLimitWindow, v)
		}
		cfg.RateLimitWindow = time.Duration(seconds) * time.Second
	}
	return nil
}

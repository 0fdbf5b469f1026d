// Package config handles configuration management with validation
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"exec_gateway/internal/core"
	apperrors "exec_gateway/pkg/errors"
)

// Config represents the complete configuration structure
type Config struct {
	Service   ServiceConfig          `yaml:"service"`
	Redis     RedisConfig            `yaml:"redis"`
	Database  DatabaseConfig         `yaml:"database"`
	Exchanges []core.ExchangeConfig  `yaml:"exchanges"`
	Slicing   core.SlicingConfig     `yaml:"slicing"`
	System    SystemConfig           `yaml:"system"`
	Alert     AlertConfig            `yaml:"alert"`

	// EncryptionKey is the raw 32-byte AES key decoded from
	// ENCRYPTION_KEY_BASE64. Never serialized.
	EncryptionKey []byte `yaml:"-"`
}

// ServiceConfig contains service-level settings
type ServiceConfig struct {
	Port int `yaml:"port"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port for the Redis client
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DatabaseConfig contains Postgres connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password Secret `yaml:"password"`
	Name     string `yaml:"name"`
}

// DSN returns a postgres connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		d.User, string(d.Password), d.Host, d.Port, d.Name)
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// AlertConfig contains alerting settings
type AlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// DefaultExchanges returns the built-in venue endpoints. A YAML file can
// override individual entries by id.
func DefaultExchanges() []core.ExchangeConfig {
	return []core.ExchangeConfig{
		{ID: "binance", RestURL: "https://fapi.binance.com", WsURL: "wss://fstream.binance.com"},
		{ID: "bybit", RestURL: "https://api.bybit.com", WsURL: "wss://stream.bybit.com"},
		{ID: "okx", RestURL: "https://www.okx.com", WsURL: "wss://ws.okx.com:8443"},
		{ID: "mexc", RestURL: "https://contract.mexc.com", WsURL: "wss://contract.mexc.com/edge"},
		{ID: "bitget", RestURL: "https://api.bitget.com", WsURL: "wss://ws.bitget.com"},
		{ID: "kucoin", RestURL: "https://api-futures.kucoin.com", WsURL: "wss://ws-api-futures.kucoin.com"},
		{ID: "gateio", RestURL: "https://api.gateio.ws", WsURL: "wss://fx-ws.gateio.ws"},
		{ID: "bingx", RestURL: "https://open-api.bingx.com", WsURL: "wss://open-api-swap.bingx.com"},
		{ID: "coinex", RestURL: "https://api.coinex.com", WsURL: "wss://socket.coinex.com"},
		{ID: "lbank", RestURL: "https://lbkperp.lbank.com", WsURL: "wss://lbkperpws.lbank.com"},
		{ID: "htx", RestURL: "https://api.hbdm.com", WsURL: "wss://api.hbdm.com"},
	}
}

// FromEnv builds a Config from the process environment, applying defaults
// for everything except the encryption key.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Port: envInt("EXEC_SERVICE_PORT", 9000),
		},
		Redis: RedisConfig{
			Host: envStr("REDIS_HOST", "localhost"),
			Port: envInt("REDIS_PORT", 6379),
		},
		Database: DatabaseConfig{
			Host:     envStr("DB_HOST", "localhost"),
			Port:     envInt("DB_PORT", 5432),
			User:     envStr("DB_USER", "crossspread"),
			Password: Secret(envStr("DB_PASS", "changeme")),
			Name:     envStr("DB_NAME", "crossspread"),
		},
		Exchanges: DefaultExchanges(),
		Slicing:   core.DefaultSlicingConfig(),
		System: SystemConfig{
			LogLevel: envStr("LOG_LEVEL", "INFO"),
		},
		Alert: AlertConfig{
			WebhookURL: os.Getenv("ALERT_WEBHOOK_URL"),
		},
	}

	keyB64 := os.Getenv("ENCRYPTION_KEY_BASE64")
	if keyB64 == "" {
		return nil, fmt.Errorf("%w: ENCRYPTION_KEY_BASE64", apperrors.ErrMissingEnv)
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 in ENCRYPTION_KEY_BASE64: %w", err)
	}
	cfg.EncryptionKey = key

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfig loads overrides from a YAML file with environment variable
// expansion and merges them over the env-derived defaults.
func LoadConfig(filename string) (*Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	var overrides Config
	if err := yaml.Unmarshal([]byte(expandedData), &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.merge(&overrides)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) merge(o *Config) {
	if o.Service.Port != 0 {
		c.Service.Port = o.Service.Port
	}
	if o.Redis.Host != "" {
		c.Redis.Host = o.Redis.Host
	}
	if o.Redis.Port != 0 {
		c.Redis.Port = o.Redis.Port
	}
	if o.Database.Host != "" {
		c.Database.Host = o.Database.Host
	}
	if o.Database.Port != 0 {
		c.Database.Port = o.Database.Port
	}
	if o.Database.User != "" {
		c.Database.User = o.Database.User
	}
	if o.Database.Password != "" {
		c.Database.Password = o.Database.Password
	}
	if o.Database.Name != "" {
		c.Database.Name = o.Database.Name
	}
	if o.System.LogLevel != "" {
		c.System.LogLevel = o.System.LogLevel
	}
	if o.Alert.WebhookURL != "" {
		c.Alert.WebhookURL = o.Alert.WebhookURL
	}
	if o.Slicing.SlicePercent != 0 {
		c.Slicing.SlicePercent = o.Slicing.SlicePercent
	}
	if o.Slicing.IntervalMs != 0 {
		c.Slicing.IntervalMs = o.Slicing.IntervalMs
	}
	if o.Slicing.MaxParallel != 0 {
		c.Slicing.MaxParallel = o.Slicing.MaxParallel
	}
	if o.Slicing.PriceToleranceBps != 0 {
		c.Slicing.PriceToleranceBps = o.Slicing.PriceToleranceBps
	}
	if o.Slicing.SliceTimeoutSecs != 0 {
		c.Slicing.SliceTimeoutSecs = o.Slicing.SliceTimeoutSecs
	}

	// Per-venue endpoint overrides by id
	for _, oe := range o.Exchanges {
		found := false
		for i := range c.Exchanges {
			if c.Exchanges[i].ID == oe.ID {
				if oe.RestURL != "" {
					c.Exchanges[i].RestURL = oe.RestURL
				}
				if oe.WsURL != "" {
					c.Exchanges[i].WsURL = oe.WsURL
				}
				c.Exchanges[i].Testnet = oe.Testnet
				found = true
				break
			}
		}
		if !found {
			c.Exchanges = append(c.Exchanges, oe)
		}
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "service.port",
			Value:   c.Service.Port,
			Message: "must be in range 1-65535",
		}.Error())
	}

	if len(c.EncryptionKey) != 32 {
		errors = append(errors, ValidationError{
			Field:   "encryption_key",
			Value:   len(c.EncryptionKey),
			Message: "must decode to exactly 32 bytes",
		}.Error())
	}

	if len(c.Exchanges) == 0 {
		errors = append(errors, ValidationError{
			Field:   "exchanges",
			Message: "at least one exchange must be configured",
		}.Error())
	}
	for _, ex := range c.Exchanges {
		if ex.ID == "" || ex.RestURL == "" {
			errors = append(errors, ValidationError{
				Field:   "exchanges",
				Value:   ex.ID,
				Message: "id and rest_url are required",
			}.Error())
		}
	}

	if c.Slicing.SlicePercent <= 0 || c.Slicing.SlicePercent > 1 {
		errors = append(errors, ValidationError{
			Field:   "slicing.slice_percent",
			Value:   c.Slicing.SlicePercent,
			Message: "must be in range (0, 1]",
		}.Error())
	}

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		errors = append(errors, ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

// ExchangeByID returns the configuration for the given venue id
func (c *Config) ExchangeByID(id string) (*core.ExchangeConfig, error) {
	for i := range c.Exchanges {
		if c.Exchanges[i].ID == id {
			return &c.Exchanges[i], nil
		}
	}
	return nil, fmt.Errorf("exchange configuration not found for: %s", id)
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.EncryptionKey = nil
	data, _ := yaml.Marshal(&configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// MaskString masks all but the first and last four characters of a secret
func MaskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

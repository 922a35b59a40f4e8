// Package config loads service configuration from defaults, an optional YAML
// file, environment variables and command line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// QualifierKeyPrefixSize is the required qualifier key prefix length.
const QualifierKeyPrefixSize = 14

// Config defines service configuration.
type Config struct {
	HTTPAddr  string          `yaml:"http_addr"`
	LogLevel  string          `yaml:"log_level"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Registry  RegistryConfig  `yaml:"registry"`
	Qualifier QualifierConfig `yaml:"qualifier"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// DatabaseConfig defines the postgres connection and pool.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	TxMaxAttempts   int           `yaml:"tx_max_attempts"`
}

// AuthConfig defines bearer token validation.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	Leeway    time.Duration `yaml:"leeway"`
}

// RegistryConfig defines the external vehicle registry.
type RegistryConfig struct {
	BaseURL              string        `yaml:"base_url"`
	Username             string        `yaml:"username"`
	Password             string        `yaml:"password"`
	Timeout              time.Duration `yaml:"timeout"`
	DefaultModelID       string        `yaml:"default_model_id"`
	AlreadyExistsMessage string        `yaml:"already_exists_message"`
}

// QualifierConfig defines qualifier generation.
type QualifierConfig struct {
	KeyPrefix string `yaml:"key_prefix"`
	Version   string `yaml:"version"`
}

// NotifyConfig defines association event delivery.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Template   string        `yaml:"template"`
	Timeout    time.Duration `yaml:"timeout"`
	LogEvents  bool          `yaml:"log_events"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		LogLevel: "info",
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			MonitorInterval: 30 * time.Second,
			TxMaxAttempts:   3,
		},
		Registry: RegistryConfig{
			Timeout:              10 * time.Second,
			AlreadyExistsMessage: "Vehicle already exists",
		},
		Qualifier: QualifierConfig{
			Version: "1",
		},
		Notify: NotifyConfig{
			Timeout:   5 * time.Second,
			LogEvents: true,
		},
	}
}

// Load builds the configuration for args (without the program name).
func Load(args []string) (Config, error) {
	return load(args, os.Getenv, os.ReadFile)
}

type getenvFunc func(string) string

type readFileFunc func(string) ([]byte, error)

func load(args []string, getenv getenvFunc, readFile readFileFunc) (Config, error) {
	cfg := Default()

	fs := pflag.NewFlagSet("device-association", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to YAML config file")
	httpAddr := fs.String("http-addr", "", "HTTP listen address")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	migrate := fs.Bool("migrate", false, "apply database migrations at startup")
	if err := fs.Parse(args); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}

	path := *configPath
	if path == "" {
		path = getenv("ASSOC_CONFIG")
	}
	if path != "" {
		data, err := readFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}

	if fs.Changed("http-addr") {
		cfg.HTTPAddr = *httpAddr
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if fs.Changed("migrate") {
		cfg.Database.AutoMigrate = *migrate
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv getenvFunc) error {
	setString(&cfg.HTTPAddr, getenv("HTTP_ADDR"))
	setString(&cfg.LogLevel, getenv("LOG_LEVEL"))
	setString(&cfg.Database.URL, firstNonEmpty(getenv("DATABASE_URL"), getenv("PG_DSN")))
	setString(&cfg.Auth.JWTSecret, firstNonEmpty(getenv("AUTH_JWT_SECRET"), getenv("JWT_SECRET")))
	setString(&cfg.Auth.Issuer, getenv("AUTH_JWT_ISSUER"))
	setString(&cfg.Auth.Audience, getenv("AUTH_JWT_AUDIENCE"))
	setString(&cfg.Registry.BaseURL, getenv("REGISTRY_BASE_URL"))
	setString(&cfg.Registry.Username, getenv("REGISTRY_USERNAME"))
	setString(&cfg.Registry.Password, getenv("REGISTRY_PASSWORD"))
	setString(&cfg.Registry.DefaultModelID, getenv("REGISTRY_DEFAULT_MODEL_ID"))
	setString(&cfg.Registry.AlreadyExistsMessage, getenv("REGISTRY_ALREADY_EXISTS_MESSAGE"))
	setString(&cfg.Qualifier.KeyPrefix, getenv("QUALIFIER_KEY_PREFIX"))
	setString(&cfg.Qualifier.Version, getenv("QUALIFIER_VERSION"))
	setString(&cfg.Notify.WebhookURL, getenv("NOTIFY_WEBHOOK_URL"))
	setString(&cfg.Notify.Template, getenv("NOTIFY_TEMPLATE"))

	var errs []error
	errs = append(errs,
		setDuration(&cfg.Registry.Timeout, "REGISTRY_TIMEOUT", getenv),
		setDuration(&cfg.Notify.Timeout, "NOTIFY_TIMEOUT", getenv),
		setDuration(&cfg.Auth.Leeway, "AUTH_JWT_LEEWAY", getenv),
		setDuration(&cfg.Database.ConnMaxLifetime, "DB_CONN_MAX_LIFETIME", getenv),
		setDuration(&cfg.Database.ConnMaxIdleTime, "DB_CONN_MAX_IDLE_TIME", getenv),
		setDuration(&cfg.Database.MonitorInterval, "DB_MONITOR_INTERVAL", getenv),
		setInt(&cfg.Database.MaxOpenConns, "DB_MAX_OPEN_CONNS", getenv),
		setInt(&cfg.Database.MaxIdleConns, "DB_MAX_IDLE_CONNS", getenv),
		setInt(&cfg.Database.TxMaxAttempts, "DB_TX_MAX_ATTEMPTS", getenv),
		setBool(&cfg.Database.AutoMigrate, "DB_AUTO_MIGRATE", getenv),
		setBool(&cfg.Notify.LogEvents, "NOTIFY_LOG_EVENTS", getenv),
	)
	return errors.Join(errs...)
}

// Validate checks required settings.
func (c Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("config: DATABASE_URL or PG_DSN is required"))
	}
	if c.Registry.BaseURL == "" {
		errs = append(errs, errors.New("config: REGISTRY_BASE_URL is required"))
	}
	if c.Registry.Timeout <= 0 {
		errs = append(errs, errors.New("config: registry timeout must be positive"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("config: AUTH_JWT_SECRET is required"))
	}
	if len(c.Qualifier.KeyPrefix) != QualifierKeyPrefixSize {
		errs = append(errs, fmt.Errorf("config: qualifier key prefix must be %d bytes", QualifierKeyPrefixSize))
	}
	if c.Database.TxMaxAttempts < 1 {
		errs = append(errs, errors.New("config: tx max attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}

func setDuration(dst *time.Duration, key string, getenv getenvFunc) error {
	value := getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func setInt(dst *int, key string, getenv getenvFunc) error {
	value := getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func setBool(dst *bool, key string, getenv getenvFunc) error {
	value := getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

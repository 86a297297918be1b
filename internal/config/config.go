package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultAppName         = "CardLedger"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultShutdownDelay   = 10 * time.Second
	defaultSpendLimit      = 5
	defaultSpendWindow     = time.Minute
	defaultNotifyChannel   = "card-events"
	configFileEnvVar       = "CONFIG_FILE"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
	spendLimitEnvVar       = "SPEND_RATE_LIMIT"
	spendWindowEnvVar      = "SPEND_RATE_WINDOW"
)

// Config captures application runtime configuration.
type Config struct {
	AppName         string
	AppEnv          string
	Port            string
	LogLevel        string
	DatabaseURL     string
	RedisURL        string
	NotifyChannel   string
	ShutdownPeriod  time.Duration
	SpendRateLimit  int
	SpendRateWindow time.Duration
}

// fileConfig mirrors the optional YAML file. Values may reference environment
// variables as ${VAR}.
type fileConfig struct {
	App struct {
		Name     string `yaml:"name"`
		Env      string `yaml:"env"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"app"`
	Server struct {
		Port            string `yaml:"port"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`
	Redis struct {
		URL     string `yaml:"url"`
		Channel string `yaml:"channel"`
	} `yaml:"redis"`
	Spend struct {
		RateLimit  int    `yaml:"rate_limit"`
		RateWindow string `yaml:"rate_window"`
	} `yaml:"spend"`
}

// Load builds a Config from defaults, then the YAML file named by CONFIG_FILE
// when set, then environment variables.
func Load() (Config, error) {
	cfg := Config{
		AppName:         defaultAppName,
		AppEnv:          defaultAppEnv,
		Port:            defaultPort,
		LogLevel:        defaultLogLevel,
		NotifyChannel:   defaultNotifyChannel,
		ShutdownPeriod:  defaultShutdownDelay,
		SpendRateLimit:  defaultSpendLimit,
		SpendRateWindow: defaultSpendWindow,
	}

	if path := os.Getenv(configFileEnvVar); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.AppName = getEnv("APP_NAME", cfg.AppName)
	cfg.AppEnv = getEnv("APP_ENV", cfg.AppEnv)
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", cfg.LogLevel))
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.NotifyChannel = getEnv("NOTIFY_CHANNEL", cfg.NotifyChannel)

	if v := os.Getenv(shutdownSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownSecondsEnvVar, err)
		}
		cfg.ShutdownPeriod = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(shutdownDurationEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownDurationEnvVar, err)
		}
		cfg.ShutdownPeriod = d
	}

	if v := os.Getenv(spendLimitEnvVar); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", spendLimitEnvVar, err)
		}
		cfg.SpendRateLimit = n
	}
	if v := os.Getenv(spendWindowEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", spendWindowEnvVar, err)
		}
		cfg.SpendRateWindow = d
	}

	if cfg.SpendRateLimit < 1 {
		return Config{}, fmt.Errorf("%s must be at least 1", spendLimitEnvVar)
	}
	if cfg.SpendRateWindow <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", spendWindowEnvVar)
	}
	if cfg.DatabaseURL == "" && !cfg.IsDevelopment() {
		return Config{}, fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", cfg.AppEnv)
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	c.AppName = firstNonEmpty(fc.App.Name, c.AppName)
	c.AppEnv = firstNonEmpty(fc.App.Env, c.AppEnv)
	c.LogLevel = firstNonEmpty(fc.App.LogLevel, c.LogLevel)
	c.Port = firstNonEmpty(fc.Server.Port, c.Port)
	c.DatabaseURL = firstNonEmpty(fc.Postgres.DSN, c.DatabaseURL)
	c.RedisURL = firstNonEmpty(fc.Redis.URL, c.RedisURL)
	c.NotifyChannel = firstNonEmpty(fc.Redis.Channel, c.NotifyChannel)

	if fc.Server.ShutdownTimeout != "" {
		d, err := time.ParseDuration(fc.Server.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("invalid server.shutdown_timeout: %w", err)
		}
		c.ShutdownPeriod = d
	}
	if fc.Spend.RateLimit != 0 {
		c.SpendRateLimit = fc.Spend.RateLimit
	}
	if fc.Spend.RateWindow != "" {
		d, err := time.ParseDuration(fc.Spend.RateWindow)
		if err != nil {
			return fmt.Errorf("invalid spend.rate_window: %w", err)
		}
		c.SpendRateWindow = d
	}
	return nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsDevelopment reports whether the service runs in a local environment.
func (c Config) IsDevelopment() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

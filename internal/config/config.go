// Package config loads service settings: defaults, then an optional YAML file, then .env and the
// environment, then command line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"dispatchcore/internal/opt"
	"dispatchcore/internal/webhooks"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port        int           `yaml:"port"`
	DatabaseURL string        `yaml:"databaseUrl"`
	RedisURL    string        `yaml:"redisUrl"`
	Timezone    string        `yaml:"timezone"`
	Log         Log           `yaml:"log"`
	OSRM        OSRM          `yaml:"osrm"`
	LegCacheTTL time.Duration `yaml:"legCacheTtl"`
	Optimizer   Optimizer     `yaml:"optimizer"`
	Delay       Delay         `yaml:"delay"`
	Webhooks    Webhooks      `yaml:"webhooks"`
	Auth        Auth          `yaml:"auth"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

type OSRM struct {
	URL           string        `yaml:"url"`
	RatePerSecond float64       `yaml:"ratePerSecond"`
	Burst         int           `yaml:"burst"`
	MaxAttempts   int           `yaml:"maxAttempts"`
	BaseDelay     time.Duration `yaml:"baseDelay"`
	MaxDelay      time.Duration `yaml:"maxDelay"`
	Timeout       time.Duration `yaml:"timeout"`
}

type Optimizer struct {
	PreferConstrained   bool               `yaml:"preferConstrained"`
	SpeedKph            float64            `yaml:"speedKph"`
	MaxWait             time.Duration      `yaml:"maxWait"`
	FallbackLeg         time.Duration      `yaml:"fallbackLeg"`
	FallbackDepotReturn time.Duration      `yaml:"fallbackDepotReturn"`
	TwoOpt              opt.ImproveOptions `yaml:"twoOpt"`
}

type Delay struct {
	Threshold       time.Duration `yaml:"threshold"`
	ReasonThreshold time.Duration `yaml:"reasonThreshold"`
}

type Webhooks struct {
	Targets     []webhooks.Target `yaml:"targets"`
	MaxAttempts int               `yaml:"maxAttempts"`
	Interval    time.Duration     `yaml:"interval"`
}

type Auth struct {
	Mode       string `yaml:"mode"` // dev or hmac
	HMACSecret string `yaml:"hmacSecret"`
}

// Location resolves the configured time zone.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Load builds the configuration from args (without the program name).
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	fset := pflag.NewFlagSet("dispatchcore", pflag.ContinueOnError)
	configFile := fset.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	port := fset.IntP("port", "p", cfg.Port, "port to listen on")
	dbURL := fset.String("database-url", "", "Postgres DSN; empty keeps state in memory")
	redisURL := fset.String("redis-url", "", "Redis URL for the leg cache and the event broker")
	osrmURL := fset.String("osrm-url", "", "OSRM base URL")
	logLevel := fset.String("log-level", "", "log level")
	logFormat := fset.String("log-format", "", "log format: json or console")
	if err := fset.Parse(args); err != nil {
		return nil, err
	}

	if *configFile != "" {
		raw, err := os.ReadFile(*configFile)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", *configFile, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if fset.Changed("port") {
		cfg.Port = *port
	}
	if fset.Changed("database-url") {
		cfg.DatabaseURL = *dbURL
	}
	if fset.Changed("redis-url") {
		cfg.RedisURL = *redisURL
	}
	if fset.Changed("osrm-url") {
		cfg.OSRM.URL = *osrmURL
	}
	if fset.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if fset.Changed("log-format") {
		cfg.Log.Format = *logFormat
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	num("PORT", &cfg.Port)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("REDIS_URL", &cfg.RedisURL)
	str("APP_TIMEZONE", &cfg.Timezone)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("OSRM_URL", &cfg.OSRM.URL)
	float("OSRM_RATE_PER_SECOND", &cfg.OSRM.RatePerSecond)
	num("OSRM_MAX_ATTEMPTS", &cfg.OSRM.MaxAttempts)
	dur("OSRM_TIMEOUT", &cfg.OSRM.Timeout)
	dur("LEG_CACHE_TTL", &cfg.LegCacheTTL)
	boolean("OPTIMIZER_PREFER_CONSTRAINED", &cfg.Optimizer.PreferConstrained)
	float("OPTIMIZER_SPEED_KPH", &cfg.Optimizer.SpeedKph)
	dur("OPTIMIZER_MAX_WAIT", &cfg.Optimizer.MaxWait)
	dur("ETA_FALLBACK_LEG", &cfg.Optimizer.FallbackLeg)
	dur("DELAY_THRESHOLD", &cfg.Delay.Threshold)
	dur("DELAY_REASON_THRESHOLD", &cfg.Delay.ReasonThreshold)
	num("WEBHOOK_MAX_ATTEMPTS", &cfg.Webhooks.MaxAttempts)
	str("AUTH_MODE", &cfg.Auth.Mode)
	str("AUTH_HMAC_SECRET", &cfg.Auth.HMACSecret)

	if v := os.Getenv("WEBHOOK_URLS"); v != "" {
		secret := os.Getenv("WEBHOOK_SECRET")
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.Webhooks.Targets = append(cfg.Webhooks.Targets, webhooks.Target{URL: u, Secret: secret})
			}
		}
	}
	return errors.Join(errs...)
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if c.Delay.Threshold < 0 || c.Delay.ReasonThreshold < 0 {
		return errors.New("delay thresholds must not be negative")
	}
	for _, t := range c.Webhooks.Targets {
		if !strings.HasPrefix(t.URL, "http://") && !strings.HasPrefix(t.URL, "https://") {
			return fmt.Errorf("invalid webhook url %q", t.URL)
		}
	}
	return nil
}

package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "sharerepo.config"

// EnvPrefix prefixes every environment override, e.g. SHAREREPO_PORT.
const EnvPrefix = "sharerepo"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type Config struct {
	BindAddr    string `yaml:"bindAddr"    split_words:"true"`
	Port        uint   `yaml:"port"`
	MetricsPort uint   `yaml:"metricsPort" split_words:"true"`
	// DatabaseURL is optional; without it the server keeps everything in
	// memory. The unprefixed DATABASE_URL is honoured too.
	DatabaseURL       string        `yaml:"databaseUrl"       envconfig:"DATABASE_URL"`
	DBMaxConns        int32         `yaml:"dbMaxConns"        split_words:"true"`
	DBMaxConnIdle     time.Duration `yaml:"dbMaxConnIdle"     split_words:"true"`
	DBMaxConnLifetime time.Duration `yaml:"dbMaxConnLifetime" split_words:"true"`
	DBSchema          string        `yaml:"dbSchema"          split_words:"true"`
	JWTSecret         string        `yaml:"jwtSecret"         envconfig:"JWT_SECRET"`
	TokenTTL          time.Duration `yaml:"tokenTTL"          split_words:"true"`
	// StartingCredit is credited to every newly registered account.
	StartingCredit    string        `yaml:"startingCredit"    split_words:"true"`
	KeeperInterval    time.Duration `yaml:"keeperInterval"    split_words:"true"`
	KeeperWorkers     int           `yaml:"keeperWorkers"     split_words:"true"`
	OutboxBatch       int           `yaml:"outboxBatch"       split_words:"true"`
	OutboxMaxAttempts int           `yaml:"outboxMaxAttempts" split_words:"true"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"   split_words:"true"`
}

// Defaults returns the configuration used when neither a file nor the
// environment says otherwise.
func Defaults() *Config {
	return &Config{
		BindAddr:          "127.0.0.1",
		Port:              8080,
		MetricsPort:       9102,
		DBMaxConns:        10,
		DBMaxConnIdle:     5 * time.Minute,
		DBMaxConnLifetime: time.Hour,
		TokenTTL:          24 * time.Hour,
		StartingCredit:    "0",
		KeeperInterval:    30 * time.Second,
		KeeperWorkers:     4,
		OutboxBatch:       100,
		OutboxMaxAttempts: 5,
		ShutdownTimeout:   30 * time.Second,
	}
}

// Load overlays the YAML file at configFile (if any) and then the environment
// onto Defaults.
func Load(configFile string) (*Config, error) {
	cfg := Defaults()
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port == 0 {
		return fmt.Errorf("config: port must be set")
	}
	if c.KeeperInterval <= 0 {
		return fmt.Errorf("config: keeperInterval must be positive, got %s", c.KeeperInterval)
	}
	if c.KeeperWorkers <= 0 {
		return fmt.Errorf("config: keeperWorkers must be positive, got %d", c.KeeperWorkers)
	}
	if c.OutboxBatch <= 0 || c.OutboxMaxAttempts <= 0 {
		return fmt.Errorf("config: outboxBatch and outboxMaxAttempts must be positive")
	}
	if _, err := c.Credit(); err != nil {
		return err
	}
	return nil
}

// Credit parses StartingCredit. An empty value means no credit.
func (c *Config) Credit() (decimal.Decimal, error) {
	if c.StartingCredit == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(c.StartingCredit)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: startingCredit: %w", err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("config: startingCredit must not be negative, got %s", d)
	}
	return d, nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.Port)
}

// MetricsAddr is empty when the metrics listener is disabled.
func (c *Config) MetricsAddr() string {
	if c.MetricsPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.BindAddr, c.MetricsPort)
}

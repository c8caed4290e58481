// Package config loads service configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Chain     ChainConfig     `yaml:"chain"`
	Vault     VaultConfig     `yaml:"vault"`
	Fees      FeesConfig      `yaml:"fees"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Notify    NotifyConfig    `yaml:"notify"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MigrationsPath  string        `yaml:"migrations_path"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ChainConfig struct {
	RPCURL          string        `yaml:"rpc_url"`
	Timeout         time.Duration `yaml:"timeout"`
	SubmitPerSecond float64       `yaml:"submit_per_second"`
}

type VaultConfig struct {
	// MasterKey protects wallet secrets at rest. Raw, hex or base64 encoded;
	// 16, 24 or 32 bytes after decoding.
	MasterKey string `yaml:"master_key"`
	// OperatorSeed is the 32-byte seed of the fee-collection key, hex or
	// base64 encoded.
	OperatorSeed string `yaml:"operator_seed"`
}

type FeesConfig struct {
	ImmediateBps      int64 `yaml:"immediate_bps"`
	ScheduledBps      int64 `yaml:"scheduled_bps"`
	ReferralSharePct  int64 `yaml:"referral_share_pct"`
	NetworkFeeBuffer  int64 `yaml:"network_fee_buffer"`
	BumpActivationFee int64 `yaml:"bump_activation_fee"`
	BumpTradeAmount   int64 `yaml:"bump_trade_amount"`
}

type SchedulerConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	MaxRetries     int           `yaml:"max_retries"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

type NotifyConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			MigrationsPath:  "migrations",
		},
		Chain: ChainConfig{
			Timeout:         15 * time.Second,
			SubmitPerSecond: 5,
		},
		Scheduler: SchedulerConfig{
			PollInterval:   10 * time.Second,
			RetryInterval:  time.Minute,
			MaxRetries:     10,
			ConfirmTimeout: 90 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.Vault.MasterKey == "" {
		return Config{}, fmt.Errorf("vault master key is required (PHOENIX_MASTER_KEY)")
	}
	if _, err := DecodeKey(cfg.Vault.MasterKey); err != nil {
		return Config{}, fmt.Errorf("vault master key: %w", err)
	}
	if cfg.Chain.RPCURL == "" {
		return Config{}, fmt.Errorf("chain RPC URL is required (PHOENIX_CHAIN_RPC_URL)")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setInt64 := func(dst *int64, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	setDuration := func(dst *time.Duration, key string) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString(&cfg.Server.Addr, "PHOENIX_SERVER_ADDR")
	setString(&cfg.Database.DSN, "PHOENIX_DATABASE_DSN")
	setString(&cfg.Database.MigrationsPath, "PHOENIX_MIGRATIONS_PATH")
	setString(&cfg.Redis.Addr, "PHOENIX_REDIS_ADDR")
	setString(&cfg.Redis.Password, "PHOENIX_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PHOENIX_REDIS_DB")
	setString(&cfg.Chain.RPCURL, "PHOENIX_CHAIN_RPC_URL")
	setDuration(&cfg.Chain.Timeout, "PHOENIX_CHAIN_TIMEOUT")
	setString(&cfg.Vault.MasterKey, "PHOENIX_MASTER_KEY")
	setString(&cfg.Vault.OperatorSeed, "PHOENIX_OPERATOR_SEED")
	setInt64(&cfg.Fees.ImmediateBps, "PHOENIX_FEE_IMMEDIATE_BPS")
	setInt64(&cfg.Fees.ScheduledBps, "PHOENIX_FEE_SCHEDULED_BPS")
	setInt64(&cfg.Fees.ReferralSharePct, "PHOENIX_REFERRAL_SHARE_PCT")
	setDuration(&cfg.Scheduler.PollInterval, "PHOENIX_SCHEDULER_POLL_INTERVAL")
	setString(&cfg.Notify.WebhookURL, "PHOENIX_NOTIFY_WEBHOOK_URL")
	setString(&cfg.Logging.Level, "PHOENIX_LOG_LEVEL")
	setString(&cfg.Logging.Format, "PHOENIX_LOG_FORMAT")
}

// DecodeKey accepts raw, hex or base64 encoded key material and requires an
// AES key length (16, 24 or 32 bytes) after decoding.
func DecodeKey(value string) ([]byte, error) {
	candidates := [][]byte{[]byte(value)}
	if decoded, err := hex.DecodeString(value); err == nil {
		candidates = append(candidates, decoded)
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		candidates = append(candidates, decoded)
	}

	for _, key := range candidates {
		switch len(key) {
		case 16, 24, 32:
			return key, nil
		}
	}
	return nil, fmt.Errorf("key must decode to 16, 24 or 32 bytes")
}

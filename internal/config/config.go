// Package config loads the daemon's configuration: a YAML file on disk
// with flag and environment overrides, following the same load/defaults/
// save shape the teacher's node config uses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DBConfig holds the Postgres connection pool settings.
type DBConfig struct {
	User           string `yaml:"user"`
	Passwd         string `yaml:"passwd"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Name           string `yaml:"name"`
	MinConn        int32  `yaml:"min_conn"`
	MaxConn        int32  `yaml:"max_conn"`
	RecycleSeconds int    `yaml:"recycle_seconds"`
}

// DSN renders the Postgres connection string pgxpool expects.
func (d DBConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?pool_min_conns=%d&pool_max_conns=%d&pool_max_conn_lifetime=%ds",
		d.User, d.Passwd, d.Host, d.Port, d.Name, d.MinConn, d.MaxConn, d.RecycleSeconds,
	)
}

// Config is the daemon's full configuration, loaded from YAML with CLI
// flag overrides applied on top (see cmd/amsd).
type Config struct {
	AppName string `yaml:"app_name"`

	DB    DBConfig `yaml:"db"`
	Redis string   `yaml:"redis_url"`

	// AMSDecimal documents the fixed-point column type all amounts use;
	// it is not itself parsed, only surfaced for operational visibility.
	AMSDecimal string `yaml:"ams_decimal"`

	// BulkTxnLockName is the lock-key template for bulk transfer legs,
	// e.g. "bulk:{from_addr}".
	BulkTxnLockName string `yaml:"ams_bulk_txn_lock_name"`

	// FinanceAddr is the privileged account the faucet mints from.
	FinanceAddr string `yaml:"ams_finance_addr"`

	TxnExpiredSeconds int `yaml:"txn_expired_seconds"`

	AccountSecretAESKeyFile string `yaml:"account_secret_aes_key"`
	AccountSecretAESIVFile  string `yaml:"account_secret_aes_iv"`

	// RecreateTables is a dev-only flag. cmd/amsd only logs a warning
	// when it is set; no table is dropped or recreated.
	RecreateTables bool `yaml:"recreate_tables"`

	ListenAddr string `yaml:"listen_addr"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig mirrors the teacher's node logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// TxnExpiry returns TxnExpiredSeconds as a time.Duration.
func (c *Config) TxnExpiry() time.Duration {
	return time.Duration(c.TxnExpiredSeconds) * time.Second
}

// Default returns a Config with sensible development defaults.
func Default() *Config {
	return &Config{
		AppName: "amsd",
		DB: DBConfig{
			User:           "ams",
			Passwd:         "ams",
			Host:           "127.0.0.1",
			Port:           5432,
			Name:           "ams",
			MinConn:        2,
			MaxConn:        10,
			RecycleSeconds: 1800,
		},
		Redis:                   "redis://127.0.0.1:6379/0",
		AMSDecimal:              "DECIMAL(23,7)",
		BulkTxnLockName:         "bulk:{from_addr}",
		FinanceAddr:             "",
		TxnExpiredSeconds:       300,
		AccountSecretAESKeyFile: "account_secret.key",
		AccountSecretAESIVFile:  "account_secret.iv",
		RecreateTables:          false,
		ListenAddr:              ":8080",
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// Load reads a YAML config file at path, filling in defaults for any
// field the file leaves unset. If path does not exist, the defaults are
// written there and returned.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("config: write default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal config: %w", err)
	}
	header := []byte("# amsd configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write config file: %w", err)
	}
	return nil
}

// EnvOverride applies a handful of environment-variable overrides on top
// of a loaded Config, for container deployments that prefer env vars to
// an on-disk file.
func (c *Config) EnvOverride() {
	if v := os.Getenv("DB_USER"); v != "" {
		c.DB.User = v
	}
	if v := os.Getenv("DB_PASSWD"); v != "" {
		c.DB.Passwd = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		c.DB.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.DB.Port = p
		}
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.DB.Name = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis = v
	}
	if v := os.Getenv("AMS_FINANCE_ADDR"); v != "" {
		c.FinanceAddr = v
	}
	if v := os.Getenv("TXN_EXPIRED_SECONDS"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			c.TxnExpiredSeconds = s
		}
	}
}

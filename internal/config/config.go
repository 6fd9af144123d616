// Package config loads the service configuration: defaults first, then an
// optional YAML file, then FINBASK_* environment overrides.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config is the full service configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Basket    BasketConfig    `mapstructure:"basket"`
	Escrow    EscrowConfig    `mapstructure:"escrow"`
	Whitelist WhitelistConfig `mapstructure:"whitelist"`
}

// ServerConfig holds the HTTP server settings
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig selects the journal backend
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // "sqlite" or "postgres"
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	ConnMaxLife  int    `mapstructure:"conn_max_life"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// BasketAssetConfig is one underlying asset of the configured basket
type BasketAssetConfig struct {
	Token  string `mapstructure:"token"`
	Symbol string `mapstructure:"symbol"`
	Weight string `mapstructure:"weight"`
}

// BasketConfig describes the basket the custody ledger is created with
type BasketConfig struct {
	Name             string              `mapstructure:"name"`
	Symbol           string              `mapstructure:"symbol"`
	Assets           []BasketAssetConfig `mapstructure:"assets"`
	Arranger         string              `mapstructure:"arranger"`
	FeeRecipient     string              `mapstructure:"fee_recipient"`
	FeeRate          string              `mapstructure:"fee_rate"`
	WhitelistEnabled bool                `mapstructure:"whitelist_enabled"`
}

// EscrowConfig holds the order escrow settings
type EscrowConfig struct {
	Admin        string `mapstructure:"admin"`
	FeeRecipient string `mapstructure:"fee_recipient"`
	FeeRate      string `mapstructure:"fee_rate"`
}

// WhitelistConfig selects the whitelist mode
type WhitelistConfig struct {
	Mode    string   `mapstructure:"mode"` // "allow_all" or "static"
	Members []string `mapstructure:"members"`
}

// LoadConfig loads the configuration, reading the optional file at path
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "finbask.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("basket.fee_rate", "0")
	v.SetDefault("escrow.fee_rate", "0")
	v.SetDefault("whitelist.mode", "allow_all")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("finbask")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/finbask")
	}

	v.SetEnvPrefix("FINBASK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, err
		}
		// No config file is fine, defaults and env apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/driftbyte/shardpipe/internal/cryptostream"
	"github.com/driftbyte/shardpipe/internal/errors"
)

// Config holds the application configuration
type Config struct {
	LogLevel string `yaml:"log_level"`

	BridgeURL  string `yaml:"bridge_url"`
	BridgeUser string `yaml:"bridge_user"`
	BridgePass string `yaml:"bridge_pass"`

	// MasterKey is the 32-byte key all per-file keys derive from, either
	// decoded from master_key (hex) or stretched from passphrase + salt.
	MasterKey []byte

	RequestTimeout time.Duration `yaml:"request_timeout"`

	// DataShards/ParityShards override automatic shard geometry; zero
	// means auto.
	DataShards   int `yaml:"data_shards"`
	ParityShards int `yaml:"parity_shards"`
}

// LoadConfig loads configuration from config.yaml, environment variables, or CLI flags
// Priority: CLI flags > Environment variables > config.yaml > defaults
func LoadConfig(configPath string, rootCmd *cobra.Command) (*Config, error) {
	if err := setupViper(configPath, rootCmd); err != nil {
		return nil, err
	}

	masterKey, err := loadMasterKey()
	if err != nil {
		return nil, err
	}

	return &Config{
		LogLevel:       viper.GetString("log_level"),
		BridgeURL:      viper.GetString("bridge_url"),
		BridgeUser:     viper.GetString("bridge_user"),
		BridgePass:     viper.GetString("bridge_pass"),
		MasterKey:      masterKey,
		RequestTimeout: viper.GetDuration("request_timeout"),
		DataShards:     viper.GetInt("data_shards"),
		ParityShards:   viper.GetInt("parity_shards"),
	}, nil
}

// setupViper configures Viper with defaults, paths, and bindings
func setupViper(configPath string, rootCmd *cobra.Command) error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	setDefaults()
	viper.AutomaticEnv()

	if rootCmd != nil {
		if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
			return fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("bridge_url", "https://bridge.driftbyte.io")
	viper.SetDefault("request_timeout", "60s")
	viper.SetDefault("key_salt", "shardpipe")
	viper.SetDefault("data_shards", 0)
	viper.SetDefault("parity_shards", 0)
}

// loadMasterKey resolves the master key from master_key (hex) or from
// passphrase + key_salt. Commands that need key material check for nil.
func loadMasterKey() ([]byte, error) {
	if keyHex := viper.GetString("master_key"); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("master_key must be 32 hex-encoded bytes")
		}
		return key, nil
	}
	if passphrase := viper.GetString("passphrase"); passphrase != "" {
		salt := viper.GetString("key_salt")
		return cryptostream.DeriveMasterKey([]byte(passphrase), []byte(salt)), nil
	}
	return nil, nil
}

// RequireMasterKey returns the master key or a configuration error.
func (c *Config) RequireMasterKey() ([]byte, error) {
	if c.MasterKey == nil {
		return nil, errors.ConfigNotSetError("master_key or passphrase")
	}
	return c.MasterKey, nil
}

// SetConfigValue sets a configuration value (used for CLI flags)
func SetConfigValue(key string, value interface{}) {
	viper.Set(key, value)
}

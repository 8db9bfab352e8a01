package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftbyte/shardpipe/internal/cryptostream"
)

// Viper state is global; every test starts and leaves it clean.
func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestLoadConfig_Defaults(t *testing.T) {
	resetViper(t)

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "https://bridge.driftbyte.io", cfg.BridgeURL)
	assert.Equal(t, 60*time.Second, cfg.RequestTimeout)
	assert.Zero(t, cfg.DataShards)
	assert.Zero(t, cfg.ParityShards)
	assert.Nil(t, cfg.MasterKey)

	_, err = cfg.RequireMasterKey()
	assert.Error(t, err)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	resetViper(t)
	t.Setenv("BRIDGE_URL", "https://bridge.example.com")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, "https://bridge.example.com", cfg.BridgeURL)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_ConfigFile(t *testing.T) {
	resetViper(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(
		"log_level: warn\n" +
			"bridge_url: https://bridge.internal:8443\n" +
			"bridge_user: alice@example.com\n" +
			"bridge_pass: hunter2\n" +
			"request_timeout: 30s\n" +
			"data_shards: 4\n" +
			"parity_shards: 2\n")
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "https://bridge.internal:8443", cfg.BridgeURL)
	assert.Equal(t, "alice@example.com", cfg.BridgeUser)
	assert.Equal(t, "hunter2", cfg.BridgePass)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 4, cfg.DataShards)
	assert.Equal(t, 2, cfg.ParityShards)
}

func TestLoadConfig_MasterKeyHex(t *testing.T) {
	resetViper(t)
	keyHex := "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	t.Setenv("MASTER_KEY", keyHex)

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	want, _ := hex.DecodeString(keyHex)
	assert.Equal(t, want, cfg.MasterKey)

	got, err := cfg.RequireMasterKey()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadConfig_MasterKeyInvalidHex(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{name: "not hex", key: "zz"},
		{name: "wrong length", key: "abcd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper(t)
			t.Setenv("MASTER_KEY", tt.key)

			_, err := LoadConfig("", nil)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_PassphraseDerivation(t *testing.T) {
	resetViper(t)
	t.Setenv("PASSPHRASE", "correct horse battery staple")

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	// Same stretch as the crypto layer, with the default salt.
	want := cryptostream.DeriveMasterKey([]byte("correct horse battery staple"), []byte("shardpipe"))
	assert.Equal(t, want, cfg.MasterKey)
}

func TestLoadConfig_ExplicitKeyBeatsPassphrase(t *testing.T) {
	resetViper(t)
	keyHex := "ffeeddccbbaa99887766554433221100ffeeddccbbaa99887766554433221100"
	t.Setenv("MASTER_KEY", keyHex)
	t.Setenv("PASSPHRASE", "ignored")

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	want, _ := hex.DecodeString(keyHex)
	assert.Equal(t, want, cfg.MasterKey)
}

func TestSetConfigValue(t *testing.T) {
	resetViper(t)
	SetConfigValue("bridge_url", "https://other.bridge")

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://other.bridge", cfg.BridgeURL)
}

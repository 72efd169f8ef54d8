package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SERVER_PORT", "ENVIRONMENT", "STORE_BACKEND", "DB_SOURCE", "REDIS_ADDR",
		"TRANSFER_BACKEND", "SIM_BALANCES", "ETH_RPC_URL", "TOKEN_ADDRESS",
		"ASSET_DECIMALS", "APPROVE_TIMEOUT", "CLAIM_LEASE", "RECEIPT_POLL_INTERVAL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.False(t, cfg.Production())
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Equal(t, TransferSimulated, cfg.TransferBackend)
	assert.Equal(t, int32(6), cfg.AssetDecimals)
	assert.Equal(t, 30*time.Second, cfg.ApproveTimeout)
	assert.Equal(t, 2*time.Minute, cfg.ClaimLease)
	assert.Equal(t, 2*time.Second, cfg.ReceiptPollInterval)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("TRANSFER_BACKEND", "erc20")
	t.Setenv("ETH_RPC_URL", "http://localhost:8545")
	t.Setenv("TOKEN_ADDRESS", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	t.Setenv("ASSET_DECIMALS", "18")
	t.Setenv("APPROVE_TIMEOUT", "5s")
	t.Setenv("CLAIM_LEASE", "1m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Production())
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, int32(18), cfg.AssetDecimals)
	assert.Equal(t, 5*time.Second, cfg.ApproveTimeout)
	assert.Equal(t, time.Minute, cfg.ClaimLease)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"postgres without dsn", map[string]string{"STORE_BACKEND": "postgres"}},
		{"redis without addr", map[string]string{"STORE_BACKEND": "redis"}},
		{"unknown store", map[string]string{"STORE_BACKEND": "sqlite"}},
		{"erc20 without rpc", map[string]string{"TRANSFER_BACKEND": "erc20", "TOKEN_ADDRESS": "0x1"}},
		{"unknown transfer", map[string]string{"TRANSFER_BACKEND": "wire"}},
		{"bad decimals", map[string]string{"ASSET_DECIMALS": "many"}},
		{"bad duration", map[string]string{"APPROVE_TIMEOUT": "soon"}},
		{"lease shorter than timeout", map[string]string{"APPROVE_TIMEOUT": "3m"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

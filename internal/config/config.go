package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	TransferSimulated = "simulated"
	TransferERC20     = "erc20"
)

type Config struct {
	Port string
	Env  string

	StoreBackend string
	DBSource     string
	RedisAddr    string

	TransferBackend     string
	SimBalances         string
	EthRPCURL           string
	TokenAddress        string
	AssetDecimals       int32
	ApproveTimeout      time.Duration
	ClaimLease          time.Duration
	ReceiptPollInterval time.Duration
}

func (c *Config) Production() bool { return c.Env == "production" }

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("SERVER_PORT", "8080"),
		Env:             getEnv("ENVIRONMENT", "development"),
		StoreBackend:    getEnv("STORE_BACKEND", StoreMemory),
		DBSource:        os.Getenv("DB_SOURCE"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		TransferBackend: getEnv("TRANSFER_BACKEND", TransferSimulated),
		SimBalances:     os.Getenv("SIM_BALANCES"),
		EthRPCURL:       os.Getenv("ETH_RPC_URL"),
		TokenAddress:    os.Getenv("TOKEN_ADDRESS"),
	}

	decimals, err := strconv.ParseInt(getEnv("ASSET_DECIMALS", "6"), 10, 32)
	if err != nil || decimals < 0 || decimals > 18 {
		return nil, fmt.Errorf("ASSET_DECIMALS must be an integer between 0 and 18")
	}
	cfg.AssetDecimals = int32(decimals)

	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"APPROVE_TIMEOUT", "30s", &cfg.ApproveTimeout},
		{"CLAIM_LEASE", "2m", &cfg.ClaimLease},
		{"RECEIPT_POLL_INTERVAL", "2s", &cfg.ReceiptPollInterval},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getEnv(d.key, d.fallback))
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("%s must be a positive duration", d.key)
		}
		*d.dst = v
	}
	if cfg.ClaimLease <= cfg.ApproveTimeout {
		return nil, fmt.Errorf("CLAIM_LEASE (%s) must exceed APPROVE_TIMEOUT (%s)", cfg.ClaimLease, cfg.ApproveTimeout)
	}

	switch cfg.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required for the postgres store")
		}
	case StoreRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR environment variable is required for the redis store")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	switch cfg.TransferBackend {
	case TransferSimulated:
	case TransferERC20:
		if cfg.EthRPCURL == "" || cfg.TokenAddress == "" {
			return nil, fmt.Errorf("ETH_RPC_URL and TOKEN_ADDRESS are required for the erc20 transfer backend")
		}
	default:
		return nil, fmt.Errorf("unknown TRANSFER_BACKEND %q", cfg.TransferBackend)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	Redis   RedisConfig
	Vault   VaultConfig
	Chain   ChainConfig
	Pricing PricingConfig
	Gate    GateConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type VaultConfig struct {
	// Backend selects the job vault store: "redis" or "memory".
	Backend       string `mapstructure:"backend"`
	JobTTLSeconds int64  `mapstructure:"job_ttl_seconds"`
}

type ChainConfig struct {
	RPCURL  string `mapstructure:"rpc_url"`
	ChainID int64  `mapstructure:"chain_id"`
	// TreasuryAddress receives the settlement fee split.
	TreasuryAddress string `mapstructure:"treasury_address"`
	// RecipientAddress is the default payout recipient (the agent host wallet).
	RecipientAddress string `mapstructure:"recipient_address"`
	// Confirmations is the commitment depth: blocks mined on top of the
	// payment tx before it counts as settled. 0 accepts bare inclusion.
	Confirmations     int64 `mapstructure:"confirmations"`
	ConfirmTimeoutSec int64 `mapstructure:"confirm_timeout_sec"`
	// Verification is "minimal" (tx exists and did not fail) or "strict"
	// (amount/recipient/memo are cross-checked against the quote).
	Verification string `mapstructure:"verification"`
}

type PricingConfig struct {
	InputCostPerMillionUSD  float64 `mapstructure:"input_cost_per_million_usd"`
	OutputCostPerMillionUSD float64 `mapstructure:"output_cost_per_million_usd"`
	FeeBps                  int64   `mapstructure:"fee_bps"`
	NativeDecimals          uint8   `mapstructure:"native_decimals"`
	StableDecimals          uint8   `mapstructure:"stable_decimals"`
	PriceTTLSeconds         int64   `mapstructure:"price_ttl_seconds"`
	PriceMaxStaleSeconds    int64   `mapstructure:"price_max_stale_seconds"`
	PriceFeedURL            string  `mapstructure:"price_feed_url"`
}

type GateConfig struct {
	// SealKey is the 32-byte AES key for the response gate, hex encoded.
	SealKey string `mapstructure:"seal_key"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("vault.backend", "redis")
	v.SetDefault("vault.job_ttl_seconds", 600)
	v.SetDefault("chain.confirmations", 1)
	v.SetDefault("chain.confirm_timeout_sec", 90)
	v.SetDefault("chain.verification", "strict")
	v.SetDefault("pricing.fee_bps", 500)
	v.SetDefault("pricing.native_decimals", 18)
	v.SetDefault("pricing.stable_decimals", 6)
	v.SetDefault("pricing.price_ttl_seconds", 60)
	v.SetDefault("pricing.price_max_stale_seconds", 600)
	v.SetDefault("pricing.price_feed_url", "https://api.coingecko.com/api/v3")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                         "PORT",
		"redis.addr":                          "REDIS_ADDR",
		"redis.password":                      "REDIS_PASSWORD",
		"vault.backend":                       "VAULT_BACKEND",
		"vault.job_ttl_seconds":               "JOB_TTL_SECONDS",
		"chain.rpc_url":                       "RPC_URL",
		"chain.chain_id":                      "CHAIN_ID",
		"chain.treasury_address":              "TREASURY_ADDRESS",
		"chain.recipient_address":             "RECIPIENT_ADDRESS",
		"chain.confirmations":                 "CONFIRMATIONS",
		"chain.confirm_timeout_sec":           "CONFIRM_TIMEOUT_SEC",
		"chain.verification":                  "VERIFICATION_LEVEL",
		"pricing.input_cost_per_million_usd":  "INPUT_COST_PER_MILLION_USD",
		"pricing.output_cost_per_million_usd": "OUTPUT_COST_PER_MILLION_USD",
		"pricing.fee_bps":                     "SETTLEMENT_FEE_BPS",
		"pricing.native_decimals":             "NATIVE_DECIMALS",
		"pricing.stable_decimals":             "STABLE_DECIMALS",
		"pricing.price_ttl_seconds":           "PRICE_TTL_SECONDS",
		"pricing.price_max_stale_seconds":     "PRICE_MAX_STALE_SECONDS",
		"pricing.price_feed_url":              "PRICE_FEED_URL",
		"gate.seal_key":                       "GATE_SEAL_KEY",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.TreasuryAddress, "TREASURY_ADDRESS"},
		{c.Chain.RecipientAddress, "RECIPIENT_ADDRESS"},
		{c.Gate.SealKey, "GATE_SEAL_KEY"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	switch c.Chain.Verification {
	case "minimal", "strict":
	default:
		return fmt.Errorf("VERIFICATION_LEVEL must be minimal or strict, got %q", c.Chain.Verification)
	}
	switch c.Vault.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("VAULT_BACKEND must be redis or memory, got %q", c.Vault.Backend)
	}
	if c.Pricing.FeeBps < 0 || c.Pricing.FeeBps > 10000 {
		return fmt.Errorf("SETTLEMENT_FEE_BPS out of range: %d", c.Pricing.FeeBps)
	}
	return nil
}

/**
 * @description
 * This package handles the configuration management for the relay service. It
 * uses the Viper library to read configuration from environment variables,
 * providing a centralized and straightforward way to manage application
 * settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"log"
	"math/big"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the relay service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`

	RPCURL               string `mapstructure:"RPC_URL"`
	ChainID              int64  `mapstructure:"CHAIN_ID"`
	TokenAddress         string `mapstructure:"TOKEN_ADDRESS"`
	TokenName            string `mapstructure:"TOKEN_NAME"`
	TokenVersion         string `mapstructure:"TOKEN_VERSION"`
	SwapRouterAddress    string `mapstructure:"SWAP_ROUTER_ADDRESS"`
	WrappedNativeAddress string `mapstructure:"WRAPPED_NATIVE_ADDRESS"`

	RelayerPrivateKey string `mapstructure:"RELAYER_PRIVATE_KEY"`
	EscrowPrivateKey  string `mapstructure:"ESCROW_PRIVATE_KEY"`
	InternalAPIKey    string `mapstructure:"INTERNAL_API_KEY"`

	MinTransferAmount        string `mapstructure:"MIN_TRANSFER_AMOUNT"`
	MaxTransferAmount        string `mapstructure:"MAX_TRANSFER_AMOUNT"`
	SettlementTimeoutSeconds int    `mapstructure:"SETTLEMENT_TIMEOUT_SECONDS"`

	MinGasBalanceWei          string `mapstructure:"MIN_GAS_BALANCE_WEI"`
	GasRefillAmount           string `mapstructure:"GAS_REFILL_AMOUNT"`
	MaxDailyRefills           int    `mapstructure:"MAX_DAILY_REFILLS"`
	MaxDailyRefillAmount      string `mapstructure:"MAX_DAILY_REFILL_AMOUNT"`
	GasEstimatePerTxWei       string `mapstructure:"GAS_ESTIMATE_PER_TX_WEI"`
	GasMonitorIntervalSeconds int    `mapstructure:"GAS_MONITOR_INTERVAL_SECONDS"`

	ClaimExpiryHours               int    `mapstructure:"CLAIM_EXPIRY_HOURS"`
	ClaimSweepSchedule             string `mapstructure:"CLAIM_SWEEP_SCHEDULE"`
	ReconcileSchedule              string `mapstructure:"RECONCILE_SCHEDULE"`
	ClaimDetailsRateLimitPerMinute int    `mapstructure:"CLAIM_DETAILS_RATE_LIMIT_PER_MINUTE"`
	ClaimExecuteRateLimitPerMinute int    `mapstructure:"CLAIM_EXECUTE_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "relay:rate_limit")
	viper.SetDefault("TOKEN_NAME", "USD Coin")
	viper.SetDefault("TOKEN_VERSION", "2")
	viper.SetDefault("SETTLEMENT_TIMEOUT_SECONDS", 30)
	viper.SetDefault("MAX_DAILY_REFILLS", 10)
	viper.SetDefault("GAS_MONITOR_INTERVAL_SECONDS", 60)
	viper.SetDefault("CLAIM_EXPIRY_HOURS", 24)
	viper.SetDefault("CLAIM_SWEEP_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("RECONCILE_SCHEDULE", "*/2 * * * *")
	viper.SetDefault("CLAIM_DETAILS_RATE_LIMIT_PER_MINUTE", 120)
	viper.SetDefault("CLAIM_EXECUTE_RATE_LIMIT_PER_MINUTE", 10)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("RPC_URL")
	_ = viper.BindEnv("CHAIN_ID")
	_ = viper.BindEnv("TOKEN_ADDRESS")
	_ = viper.BindEnv("TOKEN_NAME")
	_ = viper.BindEnv("TOKEN_VERSION")
	_ = viper.BindEnv("SWAP_ROUTER_ADDRESS")
	_ = viper.BindEnv("WRAPPED_NATIVE_ADDRESS")
	_ = viper.BindEnv("RELAYER_PRIVATE_KEY")
	_ = viper.BindEnv("ESCROW_PRIVATE_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "RELAY_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("MIN_TRANSFER_AMOUNT")
	_ = viper.BindEnv("MAX_TRANSFER_AMOUNT")
	_ = viper.BindEnv("SETTLEMENT_TIMEOUT_SECONDS")
	_ = viper.BindEnv("MIN_GAS_BALANCE_WEI")
	_ = viper.BindEnv("GAS_REFILL_AMOUNT")
	_ = viper.BindEnv("MAX_DAILY_REFILLS")
	_ = viper.BindEnv("MAX_DAILY_REFILL_AMOUNT")
	_ = viper.BindEnv("GAS_ESTIMATE_PER_TX_WEI")
	_ = viper.BindEnv("GAS_MONITOR_INTERVAL_SECONDS")
	_ = viper.BindEnv("CLAIM_EXPIRY_HOURS")
	_ = viper.BindEnv("CLAIM_SWEEP_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("CLAIM_DETAILS_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CLAIM_EXECUTE_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("RELAY_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "relay:rate_limit"
	}

	if config.SettlementTimeoutSeconds <= 0 {
		config.SettlementTimeoutSeconds = 30
	}
	if config.MaxDailyRefills <= 0 {
		config.MaxDailyRefills = 10
	}
	if config.GasMonitorIntervalSeconds <= 0 {
		config.GasMonitorIntervalSeconds = 60
	}
	if config.ClaimExpiryHours <= 0 {
		config.ClaimExpiryHours = 24
	}
	if config.ClaimDetailsRateLimitPerMinute <= 0 {
		config.ClaimDetailsRateLimitPerMinute = 120
	}
	if config.ClaimExecuteRateLimitPerMinute <= 0 {
		config.ClaimExecuteRateLimitPerMinute = 10
	}

	return
}

// Validate ensures all settings the service cannot run without are present.
// Key material is only checked for presence here; parsing happens where the
// accounts are constructed and never reveals the value on failure.
func (c Config) Validate() error {
	required := map[string]string{
		"DATABASE_URL":        c.DatabaseURL,
		"RPC_URL":             c.RPCURL,
		"TOKEN_ADDRESS":       c.TokenAddress,
		"RELAYER_PRIVATE_KEY": c.RelayerPrivateKey,
		"ESCROW_PRIVATE_KEY":  c.EscrowPrivateKey,
	}
	for name, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("missing required configuration: %s", name)
		}
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("missing required configuration: CHAIN_ID")
	}
	return nil
}

// BigInt parses a decimal string setting, falling back to def when unset.
// A malformed value is a configuration error and is reported as such.
func BigInt(value string, def *big.Int) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return def, nil
	}
	parsed, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer setting: %q", trimmed)
	}
	return parsed, nil
}

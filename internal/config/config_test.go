package config

import (
	"math/big"
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_UsesRelayServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "RELAY_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_InternalAPIKeyTakesPrecedenceOverAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "primary-key")
	setEnvWithCleanup(t, "RELAY_SERVICE_INTERNAL_API_KEY", "alias-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "primary-key" {
		t.Fatalf("expected InternalAPIKey to prioritize INTERNAL_API_KEY, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "SETTLEMENT_TIMEOUT_SECONDS")
	unsetEnvWithCleanup(t, "CLAIM_EXPIRY_HOURS")
	unsetEnvWithCleanup(t, "MAX_DAILY_REFILLS")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.SettlementTimeoutSeconds != 30 {
		t.Errorf("expected default SettlementTimeoutSeconds 30, got %d", cfg.SettlementTimeoutSeconds)
	}
	if cfg.ClaimExpiryHours != 24 {
		t.Errorf("expected default ClaimExpiryHours 24, got %d", cfg.ClaimExpiryHours)
	}
	if cfg.MaxDailyRefills != 10 {
		t.Errorf("expected default MaxDailyRefills 10, got %d", cfg.MaxDailyRefills)
	}
}

func TestValidate_ReportsMissingChainID(t *testing.T) {
	cfg := Config{
		DatabaseURL:       "postgres://localhost/relay",
		RPCURL:            "http://localhost:8545",
		TokenAddress:      "0x0000000000000000000000000000000000000001",
		RelayerPrivateKey: "ab",
		EscrowPrivateKey:  "cd",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing CHAIN_ID")
	}

	cfg.ChainID = 8453
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestBigInt(t *testing.T) {
	def := big.NewInt(42)

	got, err := BigInt("", def)
	if err != nil || got.Cmp(def) != 0 {
		t.Fatalf("expected default for empty value, got %v err=%v", got, err)
	}

	got, err = BigInt("1000000000000000000", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.String() != "1000000000000000000" {
		t.Fatalf("unexpected parse result: %s", got.String())
	}

	if _, err = BigInt("not-a-number", nil); err == nil {
		t.Fatal("expected error for malformed value")
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
ledger:
  rpc_url: https://rpc.example
  contracts:
    pair_storage: "0x1000000000000000000000000000000000000001"
    trading_storage: "0x1000000000000000000000000000000000000002"
    pair_infos: "0x1000000000000000000000000000000000000003"
    referral: "0x1000000000000000000000000000000000000004"
`

func TestParseAppliesDefaults(t *testing.T) {
	unsetEnv(t, "LEDGER_RPC_URL")
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("expected log level info, got %q", cfg.Log.Level)
	}
	if cfg.Ledger.Timeout != 10*time.Second {
		t.Fatalf("expected ledger timeout 10s, got %s", cfg.Ledger.Timeout)
	}
	if cfg.Ledger.Concurrency != 8 {
		t.Fatalf("expected ledger concurrency 8, got %d", cfg.Ledger.Concurrency)
	}
	if cfg.Feed.BaseDelay != time.Second || cfg.Feed.MaxAttempts != 5 {
		t.Fatalf("unexpected feed backoff defaults: %s / %d", cfg.Feed.BaseDelay, cfg.Feed.MaxAttempts)
	}
	if cfg.Feed.HTTPURL != "https://hermes.pyth.network" {
		t.Fatalf("expected derived feed http url, got %q", cfg.Feed.HTTPURL)
	}
	if cfg.Aggregation.AssetWeight() != DefaultBlendAssetWeight {
		t.Fatalf("expected default blend weight, got %v", cfg.Aggregation.AssetWeight())
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Fatalf("expected metrics path default, got %q", cfg.Metrics.Path)
	}
}

func TestParseRejectsInvalidContract(t *testing.T) {
	unsetEnv(t, "LEDGER_RPC_URL")
	data := strings.Replace(validYAML, "0x1000000000000000000000000000000000000003", "nope", 1)
	_, err := Parse([]byte(data))
	if err == nil || !strings.Contains(err.Error(), "pair_infos") {
		t.Fatalf("expected pair_infos validation error, got %v", err)
	}
}

func TestParseRejectsBlendWeightOutOfRange(t *testing.T) {
	unsetEnv(t, "LEDGER_RPC_URL")
	data := validYAML + "aggregation:\n  blend_asset_weight: 1.5\n"
	if _, err := Parse([]byte(data)); err == nil {
		t.Fatalf("expected blend weight validation error")
	}
}

func TestParseExplicitZeroBlendWeight(t *testing.T) {
	unsetEnv(t, "LEDGER_RPC_URL")
	data := validYAML + "aggregation:\n  blend_asset_weight: 0\n"
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Aggregation.AssetWeight() != 0 {
		t.Fatalf("expected explicit zero weight to be kept, got %v", cfg.Aggregation.AssetWeight())
	}
}

func TestParseEnvOverridesRPCURL(t *testing.T) {
	t.Setenv("LEDGER_RPC_URL", "https://override.example")
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Ledger.RPCURL != "https://override.example" {
		t.Fatalf("expected env override, got %q", cfg.Ledger.RPCURL)
	}
}

func TestParseRequiresRPCURL(t *testing.T) {
	unsetEnv(t, "LEDGER_RPC_URL")
	data := strings.Replace(validYAML, "rpc_url: https://rpc.example", "rpc_url: \"\"", 1)
	if _, err := Parse([]byte(data)); err == nil {
		t.Fatalf("expected rpc_url validation error")
	}
}

func TestLoadFromFile(t *testing.T) {
	unsetEnv(t, "LEDGER_RPC_URL")
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := validYAML + "feed:\n  ws_url: ws://localhost:8080/ws\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Feed.HTTPURL != "http://localhost:8080" {
		t.Fatalf("expected derived http url, got %q", cfg.Feed.HTTPURL)
	}
}

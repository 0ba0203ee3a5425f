package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"entrycore/crypto"
)

func writeKeystore(t *testing.T, path string) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := crypto.SaveToKeystore(path, key, ""); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
}

func TestLoadParsesAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "dispatcher.keystore")
	writeKeystore(t, keystorePath)

	contents := fmt.Sprintf(`DataDir = "./data"
ChainID = 42
DispatcherKeystorePath = "%s"
PaymasterEnabled = true
MinStakeWei = "1000000000000000000"
DefaultUnstakeDelaySeconds = 3600
LogService = "dispatcher"
LogEnvironment = "test"
`, keystorePath)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChainID != 42 || cfg.DataDir != "./data" || !cfg.PaymasterEnabled {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.DefaultUnstakeDelaySeconds != 3600 {
		t.Fatalf("delay = %d, want 3600", cfg.DefaultUnstakeDelaySeconds)
	}
	stake, err := cfg.MinStake()
	if err != nil {
		t.Fatalf("min stake: %v", err)
	}
	if stake.Cmp(big.NewInt(1_000_000_000_000_000_000)) != 0 {
		t.Fatalf("min stake = %s", stake)
	}
}

func TestLoadCreatesDefaultConfigAndKeystore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChainID == 0 || cfg.DataDir == "" || cfg.LogService == "" {
		t.Fatalf("defaults missing: %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not persisted: %v", err)
	}
	if _, err := os.Stat(cfg.DispatcherKeystorePath); err != nil {
		t.Fatalf("keystore not created: %v", err)
	}
	// The generated keystore opens with the empty passphrase.
	if _, err := crypto.LoadFromKeystore(cfg.DispatcherKeystorePath, ""); err != nil {
		t.Fatalf("load keystore: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := &Config{ChainID: 0}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected rejection of zero chain id")
	}

	cfg = &Config{ChainID: 1, EntryPointAddress: "not-bech32"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected rejection of malformed entrypoint address")
	}

	cfg = &Config{ChainID: 1, PaymasterEnabled: true, DefaultUnstakeDelaySeconds: 0}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected rejection of zero unstake delay with paymaster enabled")
	}

	cfg = &Config{ChainID: 1, DefaultUnstakeDelaySeconds: 1, MinStakeWei: "-5"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected rejection of negative MinStakeWei")
	}
}

func TestEntryPointAddressRoundTrip(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address().String()
	cfg := &Config{ChainID: 1, DefaultUnstakeDelaySeconds: 1, EntryPointAddress: addr}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

// Package config loads the dispatcher configuration from TOML, creating a
// default file and dispatcher keystore on first run.
package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"entrycore/crypto"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DataDir                    string `toml:"DataDir"`
	ChainID                    uint64 `toml:"ChainID"`
	MetricsAddress             string `toml:"MetricsAddress"`
	EntryPointAddress          string `toml:"EntryPointAddress"`
	DispatcherKeystorePath     string `toml:"DispatcherKeystorePath"`
	PaymasterEnabled           bool   `toml:"PaymasterEnabled"`
	MinStakeWei                string `toml:"MinStakeWei"`
	DefaultUnstakeDelaySeconds uint32 `toml:"DefaultUnstakeDelaySeconds"`
	LogService                 string `toml:"LogService"`
	LogEnvironment             string `toml:"LogEnvironment"`
	LogFile                    string `toml:"LogFile"`
}

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MinStake parses the configured minimum sponsor stake. An empty value means
// no minimum.
func (c *Config) MinStake() (*big.Int, error) {
	raw := strings.TrimSpace(c.MinStakeWei)
	if raw == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("config: invalid MinStakeWei %q", c.MinStakeWei)
	}
	return value, nil
}

// Validate checks invariants that cannot be repaired by defaulting.
func (c *Config) Validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("config: ChainID must be positive")
	}
	if addr := strings.TrimSpace(c.EntryPointAddress); addr != "" {
		if _, err := crypto.DecodeAddress(addr); err != nil {
			return fmt.Errorf("config: invalid EntryPointAddress: %w", err)
		}
	}
	if c.PaymasterEnabled && c.DefaultUnstakeDelaySeconds == 0 {
		return fmt.Errorf("config: DefaultUnstakeDelaySeconds must be positive when the paymaster is enabled")
	}
	if _, err := c.MinStake(); err != nil {
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./entry-data"
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 1337
	}
	if strings.TrimSpace(cfg.LogService) == "" {
		cfg.LogService = "entrycore"
	}
	if strings.TrimSpace(cfg.MetricsAddress) == "" {
		cfg.MetricsAddress = ":9464"
	}
	if cfg.DefaultUnstakeDelaySeconds == 0 {
		cfg.DefaultUnstakeDelaySeconds = 86400
	}
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.DispatcherKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.DispatcherKeystorePath != keystorePath {
		cfg.DispatcherKeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:                    "./entry-data",
		ChainID:                    1337,
		MetricsAddress:             ":9464",
		PaymasterEnabled:           true,
		DefaultUnstakeDelaySeconds: 86400,
		LogService:                 "entrycore",
	}
	cfg.DispatcherKeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "dispatcher.keystore")
}

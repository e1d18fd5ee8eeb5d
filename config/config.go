package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	RPCAddress                 string `toml:"RPCAddress"`
	DataDir                    string `toml:"DataDir"`
	JournalPath                string `toml:"JournalPath"`
	NetworkName                string `toml:"NetworkName"`
	TreasuryAddress            string `toml:"TreasuryAddress"`
	AdminAddress               string `toml:"AdminAddress"`
	ValidationDelaySeconds     int64  `toml:"ValidationDelaySeconds"`
	RoleActivationDelaySeconds int64  `toml:"RoleActivationDelaySeconds"`
	AllowMigrate               bool   `toml:"AllowMigrate"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s contains unknown field %q", path, undecoded[0].String())
	}

	applyDefaults(path, cfg)
	if strings.TrimSpace(cfg.AdminAddress) == "" {
		return nil, fmt.Errorf("config file %s must set AdminAddress", path)
	}
	return cfg, nil
}

func applyDefaults(path string, cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = "127.0.0.1:8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join(filepath.Dir(path), "data")
	}
	if strings.TrimSpace(cfg.JournalPath) == "" {
		cfg.JournalPath = filepath.Join(cfg.DataDir, "events.journal")
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "vismarket-local"
	}
	if cfg.ValidationDelaySeconds <= 0 {
		cfg.ValidationDelaySeconds = 5 * 24 * 60 * 60
	}
	if cfg.RoleActivationDelaySeconds < 0 {
		cfg.RoleActivationDelaySeconds = 0
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(path, cfg)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, fmt.Errorf("wrote default config to %s; set AdminAddress and restart", path)
}

/*
Package config loads server configuration from a TOML file.

PURPOSE:
  One configuration struct resolved once at startup. The grant-tracking
  capability in particular is a deployment decision, not something probed
  per operation, so it lives here.

FILE FORMAT (TOML):

  [server]
  port = 8080

  [storage]
  driver = "sqlite"     # "sqlite" or "memory"
  path   = "credits.db"

  [ledger]
  grant_tracking = true # false = legacy-only deployments

Every field has a default; a missing file yields the defaults.
*/
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/warp/credit-ledger/ledger"
)

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Ledger  LedgerConfig  `toml:"ledger"`
}

type ServerConfig struct {
	Port int `toml:"port"`
}

type StorageConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "memory"
	Path   string `toml:"path"`   // sqlite database path
}

type LedgerConfig struct {
	GrantTracking bool `toml:"grant_tracking"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Server:  ServerConfig{Port: 8080},
		Storage: StorageConfig{Driver: "sqlite", Path: "credits.db"},
		Ledger:  LedgerConfig{GrantTracking: true},
	}
}

// Load reads path and overlays it on the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, fmt.Errorf("config file %s does not exist", path)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	switch c.Storage.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q (want sqlite or memory)", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required for the sqlite driver")
	}
	return nil
}

// TrackingMode maps the capability flag onto the ledger mode.
func (c Config) TrackingMode() ledger.TrackingMode {
	if c.Ledger.GrantTracking {
		return ledger.TrackingGrants
	}
	return ledger.TrackingLegacyOnly
}

// Package config loads environment-based configuration for gramsync.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for gramsync.
type Config struct {
	// Backend host the client maintains its session with.
	Host string `env:"GRAMSYNC_HOST"`

	// Session token used in the connection handshake.
	Token string `env:"GRAMSYNC_TOKEN"`

	// Device name this client identifies as. Defaults to the system
	// hostname.
	Device string `env:"GRAMSYNC_DEVICE"`

	// Path of the session database. Defaults to ~/.gramsync/session.db.
	SessionPath string `env:"GRAMSYNC_SESSION"`

	// CatchUp controls whether a reconciliation pass runs after connect,
	// before live updates are consumed.
	CatchUp bool `env:"GRAMSYNC_CATCH_UP" envDefault:"true"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the session token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables. It first
// attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Device == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "gramsync"
		}

		cfg.Device = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.SessionPath != "" {
		abs, err := filepath.Abs(cfg.SessionPath)
		if err != nil {
			return nil, fmt.Errorf("resolving session path: %w", err)
		}

		cfg.SessionPath = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Host == "" {
		return fmt.Errorf("GRAMSYNC_HOST is required")
	}

	if c.Token == "" {
		return fmt.Errorf("GRAMSYNC_TOKEN is required")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

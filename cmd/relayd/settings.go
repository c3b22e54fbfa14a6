package main

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Settings are the process-level knobs read from RELAY_* variables.
// Backend credentials and tiers live in the YAML file named by Config.
type Settings struct {
	Config     string `envconfig:"CONFIG"`
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	// Ledger selects the quota store: memory, postgres or redis.
	Ledger      string `envconfig:"LEDGER" default:"memory"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	RedisAddr   string `envconfig:"REDIS_ADDR"`

	AdminToken  string `envconfig:"ADMIN_TOKEN" required:"true"`
	IngestToken string `envconfig:"INGEST_TOKEN"`

	CloudflareAccountID string `envconfig:"CLOUDFLARE_ACCOUNT_ID"`
}

func loadSettings() (Settings, error) {
	var s Settings
	if err := envconfig.Process("relay", &s); err != nil {
		return Settings{}, err
	}
	switch s.Ledger {
	case "memory":
	case "postgres":
		if s.DatabaseURL == "" {
			return Settings{}, fmt.Errorf("RELAY_DATABASE_URL is required for the postgres ledger")
		}
	case "redis":
		if s.RedisAddr == "" {
			return Settings{}, fmt.Errorf("RELAY_REDIS_ADDR is required for the redis ledger")
		}
	default:
		return Settings{}, fmt.Errorf("unknown RELAY_LEDGER %q", s.Ledger)
	}
	return s, nil
}

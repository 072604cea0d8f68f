/*
Package config loads engine configuration.

PURPOSE:
  Environment variables first (12-factor), command-line flags as overrides
  for local runs. Defaults favor a zero-dependency local start: SQLite with
  the relational strategy.
*/
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
)

// Strategy names for the authoritative-balance store.
const (
	StrategyRelational = "relational"
	StrategyCounter    = "counter"
	StrategyMutex      = "mutex"
)

type Config struct {
	// DatabaseDriver is "sqlite3" or "pgx".
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite3"`
	DatabaseURI    string `env:"DATABASE_URI" envDefault:"match-engine.db"`

	// RedisURI is required for the counter and mutex strategies and for
	// cross-process donation locks.
	RedisURI string `env:"REDIS_URI" envDefault:""`

	// Strategy selects the AmountStore: relational, counter, or mutex.
	Strategy string `env:"MATCHING_STRATEGY" envDefault:"relational"`

	OpsAddress string `env:"OPS_ADDRESS" envDefault:":8090"`

	// MatchReservation is how long a pending donation may hold match funds.
	MatchReservation time.Duration `env:"MATCH_RESERVATION" envDefault:"32m"`

	// RetroMatchWindow bounds retrospective matching lookback.
	RetroMatchWindow time.Duration `env:"RETRO_MATCH_WINDOW" envDefault:"24h"`

	// RedistributeCampaignLookback: only campaigns closed this recently are
	// redistributed, keeping the job away from live high-traffic campaigns.
	RedistributeCampaignLookback time.Duration `env:"REDISTRIBUTE_CAMPAIGN_LOOKBACK" envDefault:"336h"`
	RedistributeDonationWindow   time.Duration `env:"REDISTRIBUTE_DONATION_WINDOW" envDefault:"24h"`

	ExpireInterval       time.Duration `env:"EXPIRE_INTERVAL" envDefault:"5m"`
	RetroMatchInterval   time.Duration `env:"RETRO_MATCH_INTERVAL" envDefault:"10m"`
	RedistributeInterval time.Duration `env:"REDISTRIBUTE_INTERVAL" envDefault:"1h"`
	ReconcileInterval    time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1h"`
}

// Load parses the environment, then lets flags override.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	fs := flag.NewFlagSet("matchd", flag.ContinueOnError)
	fs.StringVar(&cfg.DatabaseDriver, "db-driver", cfg.DatabaseDriver, "database driver (sqlite3 or pgx)")
	fs.StringVar(&cfg.DatabaseURI, "db", cfg.DatabaseURI, "database URI or path")
	fs.StringVar(&cfg.RedisURI, "redis", cfg.RedisURI, "redis URI")
	fs.StringVar(&cfg.Strategy, "strategy", cfg.Strategy, "matching strategy: relational, counter or mutex")
	fs.StringVar(&cfg.OpsAddress, "ops", cfg.OpsAddress, "ops server listen address")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch cfg.Strategy {
	case StrategyRelational, StrategyCounter, StrategyMutex:
	default:
		return nil, fmt.Errorf("unknown matching strategy %q", cfg.Strategy)
	}
	if cfg.Strategy != StrategyRelational && cfg.RedisURI == "" {
		return nil, fmt.Errorf("strategy %q requires REDIS_URI", cfg.Strategy)
	}
	return cfg, nil
}

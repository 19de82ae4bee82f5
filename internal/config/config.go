// Package config loads runtime configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the environment-provided configuration for the opsdeck server.
type Config struct {
	// Operational (local) schema: operator status and collaborators.
	LocalDSN string `env:"OPSDECK_LOCAL_DSN"`
	// Cloud (online) schema: sales records.
	CloudDSN string `env:"OPSDECK_CLOUD_DSN"`

	// Argus upstream status API.
	ArgusBaseURL  string        `env:"OPSDECK_ARGUS_URL"`
	ArgusToken    string        `env:"OPSDECK_ARGUS_TOKEN"`
	ArgusAttempts int           `env:"OPSDECK_ARGUS_ATTEMPTS" envDefault:"3"`
	ArgusTimeout  time.Duration `env:"OPSDECK_ARGUS_TIMEOUT" envDefault:"8s"`

	// Refresh cadence and backoff.
	RefreshInterval time.Duration `env:"OPSDECK_REFRESH_INTERVAL" envDefault:"60s"`
	BackoffBase     time.Duration `env:"OPSDECK_BACKOFF_BASE" envDefault:"30s"`
	BackoffMax      time.Duration `env:"OPSDECK_BACKOFF_MAX" envDefault:"15m"`
	BackoffCap      int           `env:"OPSDECK_BACKOFF_CAP" envDefault:"6"`

	// Cache freshness.
	StatusTTL     time.Duration `env:"OPSDECK_STATUS_TTL" envDefault:"60s"`
	RankingTTL    time.Duration `env:"OPSDECK_RANKING_TTL" envDefault:"120s"`
	CompanyTTL    time.Duration `env:"OPSDECK_COMPANY_TTL" envDefault:"10m"`
	PhotoTTL      time.Duration `env:"OPSDECK_PHOTO_TTL" envDefault:"1h"`
	SweepInterval time.Duration `env:"OPSDECK_SWEEP_INTERVAL" envDefault:"5m"`

	// Query timeout for outbound SQL.
	QueryTimeout time.Duration `env:"OPSDECK_QUERY_TIMEOUT" envDefault:"10s"`

	// Table name overrides for the operational schema. Column names are
	// never configured; they are inferred at runtime (see internal/schema).
	StatusTable       string `env:"OPSDECK_STATUS_TABLE" envDefault:"operator_status"`
	CollaboratorTable string `env:"OPSDECK_COLLABORATOR_TABLE" envDefault:"collaborators"`
	SalesTable        string `env:"OPSDECK_SALES_TABLE" envDefault:"sales"`
	SellerTable       string `env:"OPSDECK_SELLER_TABLE" envDefault:"sellers"`

	// Organization/team scoping for the status counts.
	Organization string `env:"OPSDECK_ORGANIZATION"`
	Team         string `env:"OPSDECK_TEAM"`

	// Ranking shape.
	RankingTopN      int    `env:"OPSDECK_RANKING_TOP_N" envDefault:"5"`
	PhotoPlaceholder string `env:"OPSDECK_PHOTO_PLACEHOLDER" envDefault:"/assets/avatar-placeholder.png"`

	// Shared secret for the admin/diagnostic endpoints. Empty disables the gate.
	AdminSecret string `env:"OPSDECK_ADMIN_SECRET"`

	// Directory for the durable ranking snapshot database.
	DataDir string `env:"OPSDECK_DATA_DIR" envDefault:"data"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

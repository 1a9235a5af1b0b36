// Package domain defines the core interfaces and types for the underwriting service.
package domain

import (
	"context"
	"time"
)

// Repository persists policy profiles and lender overlays.
// Scenarios and decisions are never stored.
type Repository interface {
	// Policy profile operations
	SavePolicyProfile(ctx context.Context, profile *PolicyProfile) error
	GetPolicyProfile(ctx context.Context, id string) (*PolicyProfile, error)
	ListPolicyProfiles(ctx context.Context) ([]*PolicyProfile, error)
	DeletePolicyProfile(ctx context.Context, id string) error

	// Overlay operations
	SaveOverlay(ctx context.Context, overlay *OverlayConfig) error
	GetOverlay(ctx context.Context, id string) (*OverlayConfig, error)
	ListOverlays(ctx context.Context) ([]*OverlayConfig, error)
	DeleteOverlay(ctx context.Context, id string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

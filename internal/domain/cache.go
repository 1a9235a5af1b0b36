package domain

import (
	"context"
	"time"
)

// Cache memoises decisions. Keys must identify the policy tables and the
// overlay set a decision was computed under, so that changing either never
// serves a stale decision.
type Cache interface {
	// GetDecision returns the decision stored under key, or nil, nil on a
	// miss.
	GetDecision(ctx context.Context, key string) (*Decision, error)

	// SetDecision stores d under key for ttl.
	SetDecision(ctx context.Context, key string, d *Decision, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory", "redis" or "none"
	Type string `mapstructure:"type"`

	// Local LRU cache settings
	LocalMaxSize int           `mapstructure:"local_max_size"`
	LocalTTL     time.Duration `mapstructure:"local_ttl"`

	// Redis settings
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// Two-phase settings
	EnableTwoPhase bool `mapstructure:"enable_two_phase"` // If true, check local first, then Redis

	// DecisionTTL bounds how long a memoised decision is served.
	DecisionTTL time.Duration `mapstructure:"decision_ttl"`
}

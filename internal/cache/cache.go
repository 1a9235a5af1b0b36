// Package cache memoises underwriting decisions in process memory, in
// Redis, or in both.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/underwrite/internal/domain"
)

// New creates the decision cache selected by cfg.Type. "memory" keeps
// decisions in an in-process LRU. "redis" shares them across replicas and,
// with EnableTwoPhase, fronts Redis with a short-lived LRU. "none"
// returns a nil cache and disables memoisation.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "none":
		return nil, nil

	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// DecisionKey builds the cache key for a scenario evaluated under one
// policy. tables and overlays are the fingerprints of the policy tables and
// of the loaded overlay set: a change to either yields a different key.
// The policy ID stays readable as the key prefix.
func DecisionKey(policyID, tables, overlays string, s *domain.Scenario) (string, error) {
	if policyID == "" || tables == "" {
		return "", fmt.Errorf("policy id and fingerprint are required")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode scenario: %w", err)
	}

	h := sha256.New()
	for _, part := range [][]byte{[]byte(tables), []byte(overlays), data} {
		h.Write(part)
		h.Write([]byte{0})
	}
	return policyID + ":" + hex.EncodeToString(h.Sum(nil)), nil
}

// TwoPhaseCache reads decisions from a local LRU before Redis and writes
// to both. Redis hits are copied into the LRU with the shorter local TTL.
type TwoPhaseCache struct {
	local    *LRUCache
	remote   *RedisCache
	localTTL time.Duration
}

// NewTwoPhaseCache connects to Redis and creates the local tier.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg)
	if err != nil {
		return nil, err
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
}

func newTwoPhase(local *LRUCache, remote *RedisCache, localTTL time.Duration) *TwoPhaseCache {
	if localTTL <= 0 {
		localTTL = 5 * time.Minute
	}
	return &TwoPhaseCache{local: local, remote: remote, localTTL: localTTL}
}

// GetDecision checks the LRU, then Redis.
func (c *TwoPhaseCache) GetDecision(ctx context.Context, key string) (*domain.Decision, error) {
	if d, _ := c.local.GetDecision(ctx, key); d != nil {
		return d, nil
	}

	d, err := c.remote.GetDecision(ctx, key)
	if err != nil || d == nil {
		return nil, err
	}
	_ = c.local.SetDecision(ctx, key, d, c.localTTL)
	return d, nil
}

// SetDecision writes to the LRU and to Redis.
func (c *TwoPhaseCache) SetDecision(ctx context.Context, key string, d *domain.Decision, ttl time.Duration) error {
	_ = c.local.SetDecision(ctx, key, d, min(ttl, c.localTTL))
	return c.remote.SetDecision(ctx, key, d, ttl)
}

// Ping reports Redis health; the local tier is always available.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("redis tier: %w", err)
	}
	return nil
}

// Close drops the local tier and closes Redis.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats reports the local tier.
func (c *TwoPhaseCache) Stats() Stats {
	return c.local.Stats()
}

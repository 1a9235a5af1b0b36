package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/underwrite/internal/domain"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, domain.TierCommunity, cfg.Tier)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Repository.Driver)
	assert.Equal(t, "memory", cfg.Cache.Type)
	assert.Equal(t, 15*time.Minute, cfg.Cache.DecisionTTL)
	assert.Equal(t, 8, cfg.Policy.BatchWorkers)
}

func TestLoadProTierFromEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("UNDERWRITE_TIER", "pro")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, domain.TierPro, cfg.Tier)
	assert.Equal(t, "postgres", cfg.Repository.Driver)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.True(t, cfg.Cache.EnableTwoPhase)
	assert.Equal(t, "nats", cfg.EventBus.Type)
	assert.True(t, cfg.Worker.Enabled)
	assert.Equal(t, "0 */5 * * * *", cfg.Policy.ReloadCron)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
server:
  port: 9090
cache:
  decision_ttl: 2m
policy:
  file: lender.yaml
worker:
  enabled: true
  policy_ids: [default, lender-a]
logging:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "underwrite.yaml"), []byte(yaml), 0644))

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.Cache.DecisionTTL)
	assert.Equal(t, "lender.yaml", cfg.Policy.File)
	assert.True(t, cfg.Worker.Enabled)
	assert.Equal(t, []string{"default", "lender-a"}, cfg.Worker.PolicyIDs)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Defaults still apply for unset values
	assert.Equal(t, "sqlite", cfg.Repository.Driver)
	assert.Equal(t, 10000, cfg.Cache.LocalMaxSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "underwrite.yaml"), []byte("server:\n  port: 9090\n"), 0644))
	t.Setenv("UNDERWRITE_SERVER_PORT", "7070")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("UNDERWRITE_SERVER_PORT", "7070")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("port", 8080, "")
	fs.String("policy-file", "", "")
	require.NoError(t, fs.Parse([]string{"--port", "6060", "--policy-file", "tables.yaml"}))

	cfg, err := Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.Port)
	assert.Equal(t, "tables.yaml", cfg.Policy.File)
}

func TestLoadExplicitFileMissing(t *testing.T) {
	chdirTemp(t)

	_, err := Load("does-not-exist.yaml", nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Config)
	}{
		{"tier", func(c *domain.Config) { c.Tier = "gold" }},
		{"port", func(c *domain.Config) { c.Server.Port = 0 }},
		{"driver", func(c *domain.Config) { c.Repository.Driver = "mysql" }},
		{"cache", func(c *domain.Config) { c.Cache.Type = "memcached" }},
		{"bus", func(c *domain.Config) { c.EventBus.Type = "kafka" }},
		{"level", func(c *domain.Config) { c.Logging.Level = "loud" }},
	}

	require.NoError(t, Validate(domain.DefaultConfig()))
	require.NoError(t, Validate(domain.ProConfig()))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger(domain.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "policy_id", "default")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"policy_id":"default"`)

	buf.Reset()
	NewLogger(domain.LoggingConfig{Level: "info", Format: "text"}, &buf).Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

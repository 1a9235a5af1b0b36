// Package config loads the service configuration from defaults, an
// optional underwrite.yaml, UNDERWRITE_* environment variables and flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/opensource-finance/underwrite/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. UNDERWRITE_SERVER_PORT.
const EnvPrefix = "UNDERWRITE"

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"tier":        "tier",
	"host":        "server.host",
	"port":        "server.port",
	"policy-file": "policy.file",
	"log-level":   "logging.level",
	"log-format":  "logging.format",
	"nats-url":    "eventbus.nats_url",
}

// Load builds the configuration. file may be empty, in which case
// underwrite.yaml is looked up in the working directory and is optional.
// Flags in fs that appear in flagKeys override every other source.
func Load(file string, fs *pflag.FlagSet) (*domain.Config, error) {
	v := viper.New()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("underwrite")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("config: bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	base := domain.DefaultConfig()
	if domain.Tier(v.GetString("tier")) == domain.TierPro {
		base = domain.ProConfig()
	}
	setDefaults(v, base)

	cfg := &domain.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, c *domain.Config) {
	v.SetDefault("tier", string(c.Tier))

	v.SetDefault("server.host", c.Server.Host)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.read_timeout", c.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", c.Server.WriteTimeout)
	v.SetDefault("server.max_body_bytes", c.Server.MaxBodyBytes)

	v.SetDefault("repository.driver", c.Repository.Driver)
	v.SetDefault("repository.sqlite_path", c.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", c.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", c.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", c.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", c.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", c.Repository.PostgresDB)
	v.SetDefault("repository.postgres_sslmode", c.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", c.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", c.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", c.Repository.ConnMaxLifetime)

	v.SetDefault("cache.type", c.Cache.Type)
	v.SetDefault("cache.local_max_size", c.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", c.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", c.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", c.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", c.Cache.RedisDB)
	v.SetDefault("cache.enable_two_phase", c.Cache.EnableTwoPhase)
	v.SetDefault("cache.decision_ttl", c.Cache.DecisionTTL)

	v.SetDefault("eventbus.type", c.EventBus.Type)
	v.SetDefault("eventbus.channel_buffer_size", c.EventBus.ChannelBufferSize)
	v.SetDefault("eventbus.nats_url", c.EventBus.NATSUrl)
	v.SetDefault("eventbus.nats_token", c.EventBus.NATSToken)
	v.SetDefault("eventbus.nats_max_reconnects", c.EventBus.NATSMaxReconnects)
	v.SetDefault("eventbus.nats_reconnect_wait", c.EventBus.NATSReconnectWait)

	v.SetDefault("policy.file", c.Policy.File)
	v.SetDefault("policy.reload_cron", c.Policy.ReloadCron)
	v.SetDefault("policy.batch_workers", c.Policy.BatchWorkers)

	v.SetDefault("worker.enabled", c.Worker.Enabled)
	v.SetDefault("worker.policy_ids", c.Worker.PolicyIDs)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)

	v.SetDefault("tracing.enabled", c.Tracing.Enabled)
	v.SetDefault("tracing.service_name", c.Tracing.ServiceName)
}

// Validate rejects configurations the service cannot start with.
func Validate(cfg *domain.Config) error {
	var problems []string

	switch cfg.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		problems = append(problems, fmt.Sprintf("unknown tier %q", cfg.Tier))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port out of range: %d", cfg.Server.Port))
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("unknown repository driver %q", cfg.Repository.Driver))
	}
	switch cfg.Cache.Type {
	case "memory", "redis", "none":
	default:
		problems = append(problems, fmt.Sprintf("unknown cache type %q", cfg.Cache.Type))
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		problems = append(problems, fmt.Sprintf("unknown eventbus type %q", cfg.EventBus.Type))
	}
	if _, err := ParseLevel(cfg.Logging.Level); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
	return l, nil
}

// NewLogger builds the process logger: JSON by default, text when
// logging.format is "text".
func NewLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hamed0406/webguard/internal/domain"
)

type ServerCfg struct {
	Addr           string        `mapstructure:"addr"`            // API bind address, e.g. "127.0.0.1:8080" or ":8080" in Docker
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`  // in-flight ticks get this long on exit
	AllowedOrigins []string      `mapstructure:"allowed_origins"` // empty allows all
}

type LogCfg struct {
	Dir   string `mapstructure:"dir"`
	Level string `mapstructure:"level"`
}

type DBCfg struct {
	Driver       string        `mapstructure:"driver"` // memory | sqlite | postgres
	DSN          string        `mapstructure:"dsn"`
	MaxConns     int32         `mapstructure:"max_conns"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

type CheckCfg struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	MinInterval     time.Duration `mapstructure:"min_interval"`
	UserAgent       string        `mapstructure:"user_agent"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type SSLCfg struct {
	Thresholds []int  `mapstructure:"thresholds"`
	Match      string `mapstructure:"match"`
}

func (c SSLCfg) Policy() domain.SSLPolicy {
	return domain.SSLPolicy{Thresholds: c.Thresholds, Match: domain.SSLMatch(c.Match)}
}

type TelegramCfg struct {
	Token  string `mapstructure:"token"`
	ChatID string `mapstructure:"chat_id"`
	APIURL string `mapstructure:"api_url"`
}

type SlackCfg struct {
	Webhook string `mapstructure:"webhook"`
}

type KafkaCfg struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type NotifyCfg struct {
	Cooldown time.Duration `mapstructure:"cooldown"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Telegram TelegramCfg   `mapstructure:"telegram"`
	Slack    SlackCfg      `mapstructure:"slack"`
	Kafka    KafkaCfg      `mapstructure:"kafka"`
}

type AuthCfg struct {
	PublicKeys []string `mapstructure:"public_keys"`
	AdminKeys  []string `mapstructure:"admin_keys"`
}

type RateLimitCfg struct {
	ManualRPM   int `mapstructure:"manual_rpm"`
	ManualBurst int `mapstructure:"manual_burst"`
}

type OTELCfg struct {
	Enable      bool    `mapstructure:"enable"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type Config struct {
	Server    ServerCfg    `mapstructure:"server"`
	Log       LogCfg       `mapstructure:"log"`
	DB        DBCfg        `mapstructure:"db"`
	Check     CheckCfg     `mapstructure:"check"`
	SSL       SSLCfg       `mapstructure:"ssl"`
	Notify    NotifyCfg    `mapstructure:"notify"`
	Auth      AuthCfg      `mapstructure:"auth"`
	RateLimit RateLimitCfg `mapstructure:"ratelimit"`
	OTEL      OTELCfg      `mapstructure:"otel"`
}

// Load reads an optional YAML file at path, then applies WEBGUARD_* environment
// overrides ("notify.cooldown" -> WEBGUARD_NOTIFY_COOLDOWN).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.shutdown_grace", "10s")
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("log.dir", "logs")
	v.SetDefault("log.level", "info")

	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "webguard.db")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.query_timeout", "5s")

	v.SetDefault("check.timeout", "30s")
	v.SetDefault("check.default_interval", "300s")
	v.SetDefault("check.min_interval", "60s")
	v.SetDefault("check.user_agent", "WebGuard/1.0")
	v.SetDefault("check.max_concurrent", 32)
	v.SetDefault("check.max_body_bytes", 5<<20)

	v.SetDefault("ssl.thresholds", domain.DefaultSSLThresholds)
	v.SetDefault("ssl.match", string(domain.SSLMatchExact))

	v.SetDefault("notify.cooldown", "300s")
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.telegram.token", "")
	v.SetDefault("notify.telegram.chat_id", "")
	v.SetDefault("notify.telegram.api_url", "https://api.telegram.org")
	v.SetDefault("notify.slack.webhook", "")
	v.SetDefault("notify.kafka.brokers", []string{})
	v.SetDefault("notify.kafka.topic", "webguard.alerts")

	v.SetDefault("auth.public_keys", []string{})
	v.SetDefault("auth.admin_keys", []string{})

	v.SetDefault("ratelimit.manual_rpm", 30)
	v.SetDefault("ratelimit.manual_burst", 5)

	v.SetDefault("otel.enable", false)
	v.SetDefault("otel.endpoint", "localhost:4317")
	v.SetDefault("otel.service_name", "webguard")
	v.SetDefault("otel.sample_ratio", 1.0)

	v.SetEnvPrefix("WEBGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Auth.PublicKeys = splitList(cfg.Auth.PublicKeys)
	cfg.Auth.AdminKeys = splitList(cfg.Auth.AdminKeys)
	cfg.Notify.Kafka.Brokers = splitList(cfg.Notify.Kafka.Brokers)
	cfg.Server.AllowedOrigins = splitList(cfg.Server.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the monitor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Check.Timeout <= 0 {
		errs = append(errs, errors.New("check.timeout must be positive"))
	}
	if c.Check.MinInterval <= 0 {
		errs = append(errs, errors.New("check.min_interval must be positive"))
	}
	if c.Check.MaxConcurrent < 1 {
		errs = append(errs, errors.New("check.max_concurrent must be at least 1"))
	}
	if c.Notify.Cooldown < 0 {
		errs = append(errs, errors.New("notify.cooldown must not be negative"))
	}
	switch domain.SSLMatch(c.SSL.Match) {
	case domain.SSLMatchExact, domain.SSLMatchAtOrBelow:
	default:
		errs = append(errs, fmt.Errorf("ssl.match %q: want exact or at_or_below", c.SSL.Match))
	}
	switch c.DB.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("db.driver %q: want memory, sqlite or postgres", c.DB.Driver))
	}
	return errors.Join(errs...)
}

// TelegramEnabled reports whether both bot token and chat id are present.
func (c *Config) TelegramEnabled() bool {
	return c.Notify.Telegram.Token != "" && c.Notify.Telegram.ChatID != ""
}

// splitList trims entries and expands comma-separated values coming from env.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

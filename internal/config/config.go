// Package config loads runtime settings from defaults, an optional config
// file, environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds runtime settings.
//
// Fields:
//   - MastodonURL / AccountID: the instance and the account to mirror.
//   - DBPath: SQLite file, used when DatabaseURL is empty.
//   - DatabaseURL: PostgreSQL connection string (lib/pq).
//   - MediaPath: root directory for downloaded attachments.
//   - CronSchedule: standard five-field cron expression for `serve`.
//   - FeedURL: account RSS feed; enables the cheap "anything new?" probe.
//   - ListenAddr: admin API bind address; empty disables the API.
//   - PageLimit / PageDelay / RateLimitCooldown / PostDelay / HTTPTimeout: remote pacing.
//   - LogLevel / LogFormat / LogFile / SentryDSN: diagnostics.
type Config struct {
	MastodonURL       string        `mapstructure:"mastodon_url"`
	AccountID         string        `mapstructure:"account_id"`
	DBPath            string        `mapstructure:"db_path"`
	DatabaseURL       string        `mapstructure:"database_url"`
	MediaPath         string        `mapstructure:"media_path"`
	CronSchedule      string        `mapstructure:"cron_schedule"`
	FeedURL           string        `mapstructure:"feed_url"`
	ListenAddr        string        `mapstructure:"listen_addr"`
	PageLimit         int           `mapstructure:"page_limit"`
	PageDelay         time.Duration `mapstructure:"page_delay"`
	RateLimitCooldown time.Duration `mapstructure:"rate_limit_cooldown"`
	PostDelay         time.Duration `mapstructure:"post_delay"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
	LogLevel          string        `mapstructure:"log_level"`
	LogFormat         string        `mapstructure:"log_format"`
	LogFile           string        `mapstructure:"log_file"`
	SentryDSN         string        `mapstructure:"sentry_dsn"`
}

type setting struct {
	key, env string
	def      any
}

var settings = []setting{
	{"mastodon_url", "MASTODON_URL", "https://bne.social"},
	{"account_id", "MASTODON_ACCOUNT_ID", "108220093791881796"},
	{"db_path", "DB_PATH", "toot_history.db"},
	{"database_url", "DATABASE_URL", ""},
	{"media_path", "MEDIA_PATH", "data/media"},
	{"cron_schedule", "CRON_SCHEDULE", "0 * * * *"},
	{"feed_url", "FEED_URL", ""},
	{"listen_addr", "LISTEN_ADDR", ""},
	{"page_limit", "PAGE_LIMIT", 0},
	{"page_delay", "PAGE_DELAY", time.Second},
	{"rate_limit_cooldown", "RATE_LIMIT_COOLDOWN", 60 * time.Second},
	{"post_delay", "POST_DELAY", 100 * time.Millisecond},
	{"http_timeout", "HTTP_TIMEOUT", time.Duration(0)},
	{"log_level", "LOG_LEVEL", "info"},
	{"log_format", "LOG_FORMAT", "console"},
	{"log_file", "LOG_FILE", ""},
	{"sentry_dsn", "SENTRY_DSN", ""},
}

// NewViper returns a viper instance with defaults set and every key bound
// to its environment variable. Callers may bind flags on top.
func NewViper() *viper.Viper {
	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		_ = v.BindEnv(s.key, s.env)
	}
	return v
}

// Load reads the optional config file into v, then decodes and validates.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	u, err := url.Parse(c.MastodonURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: mastodon_url %q", ErrInvalidConfig, c.MastodonURL)
	}
	if c.AccountID == "" {
		return fmt.Errorf("%w: account_id is required", ErrInvalidConfig)
	}
	if c.DatabaseURL == "" && c.DBPath == "" {
		return fmt.Errorf("%w: db_path or database_url is required", ErrInvalidConfig)
	}
	if c.MediaPath == "" {
		return fmt.Errorf("%w: media_path is required", ErrInvalidConfig)
	}
	if _, err := cron.ParseStandard(c.CronSchedule); err != nil {
		return fmt.Errorf("%w: cron_schedule %q: %v", ErrInvalidConfig, c.CronSchedule, err)
	}
	if c.PageLimit < 0 {
		return fmt.Errorf("%w: page_limit must not be negative", ErrInvalidConfig)
	}
	for name, d := range map[string]time.Duration{
		"page_delay":          c.PageDelay,
		"rate_limit_cooldown": c.RateLimitCooldown,
		"post_delay":          c.PostDelay,
		"http_timeout":        c.HTTPTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, name)
		}
	}
	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"dexmonitor/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Retention RetentionConfig `mapstructure:"retention"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Health    HealthConfig    `mapstructure:"health"`
	Chart     ChartConfig     `mapstructure:"chart"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs the evaluation cadence.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// RunnerConfig bounds a single evaluation cycle.
type RunnerConfig struct {
	FetchWorkers int           `mapstructure:"fetch_workers"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	CycleTimeout time.Duration `mapstructure:"cycle_timeout"`
}

// RetentionConfig controls price sample purging.
type RetentionConfig struct {
	Horizon      time.Duration `mapstructure:"horizon"`
	Interval     time.Duration `mapstructure:"interval"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// FetcherConfig captures DexScreener connectivity.
type FetcherConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
	SampleBucket   time.Duration `mapstructure:"sample_bucket"`
	DefaultChain   string        `mapstructure:"default_chain"`
}

// TelegramConfig describes the bot used for alerts and commands.
type TelegramConfig struct {
	BotToken         string        `mapstructure:"bot_token"`
	APIBase          string        `mapstructure:"api_base"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	CommandsEnabled  bool          `mapstructure:"commands_enabled"`
	DefaultThreshold float64       `mapstructure:"default_threshold"`
	BaselineNotice   bool          `mapstructure:"baseline_notice"`
}

// HealthConfig exposes the HTTP health signal.
type HealthConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ListenAddr  string        `mapstructure:"listen_addr"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// ChartConfig sets chart rendering defaults.
type ChartConfig struct {
	DefaultWindow time.Duration `mapstructure:"default_window"`
	Width         int           `mapstructure:"width"`
	Height        int           `mapstructure:"height"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEXMONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "dexmonitor")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("runner.fetch_workers", 4)
	v.SetDefault("runner.fetch_timeout", "10s")
	v.SetDefault("runner.cycle_timeout", "2m")

	v.SetDefault("retention.horizon", "24h")
	v.SetDefault("retention.interval", "1h")
	v.SetDefault("retention.startup_delay", "60s")
	v.SetDefault("retention.batch_size", 5000)

	v.SetDefault("fetcher.base_url", "https://api.dexscreener.com")
	v.SetDefault("fetcher.request_timeout", "10s")
	v.SetDefault("fetcher.user_agent", "dex-monitor/1.0")
	v.SetDefault("fetcher.rate_per_second", 4.0)
	v.SetDefault("fetcher.burst", 4)
	v.SetDefault("fetcher.sample_bucket", "5s")
	v.SetDefault("fetcher.default_chain", "solana")

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.request_timeout", "10s")
	v.SetDefault("telegram.commands_enabled", false)
	v.SetDefault("telegram.default_threshold", 3.0)
	v.SetDefault("telegram.baseline_notice", false)

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.listen_addr", ":8080")
	v.SetDefault("health.stale_after", "5m")
	v.SetDefault("health.read_timeout", "5s")

	v.SetDefault("chart.default_window", "24h")
	v.SetDefault("chart.width", 1280)
	v.SetDefault("chart.height", 480)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Runner.FetchWorkers <= 0 {
		return fmt.Errorf("runner.fetch_workers must be greater than zero")
	}
	if c.Runner.FetchTimeout <= 0 {
		return fmt.Errorf("runner.fetch_timeout must be greater than zero")
	}
	if c.Runner.CycleTimeout < c.Runner.FetchTimeout {
		return fmt.Errorf("runner.cycle_timeout must not be shorter than runner.fetch_timeout")
	}
	if c.Retention.Horizon <= 0 {
		return fmt.Errorf("retention.horizon must be greater than zero")
	}
	if c.Retention.Interval <= 0 {
		return fmt.Errorf("retention.interval must be greater than zero")
	}
	if c.Retention.BatchSize <= 0 {
		return fmt.Errorf("retention.batch_size must be greater than zero")
	}
	if c.Fetcher.RatePerSecond < 0 {
		return fmt.Errorf("fetcher.rate_per_second cannot be negative")
	}
	if c.Fetcher.SampleBucket < 0 {
		return fmt.Errorf("fetcher.sample_bucket cannot be negative")
	}
	if c.Telegram.DefaultThreshold <= 0 {
		return fmt.Errorf("telegram.default_threshold must be greater than zero")
	}
	if c.Telegram.CommandsEnabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram.commands_enabled is set")
	}
	if c.Health.Enabled && c.Health.ListenAddr == "" {
		return fmt.Errorf("health.listen_addr is required when health is enabled")
	}
	return nil
}

// ResolveWindow returns either the CLI override or the chart default.
func (c *Config) ResolveWindow(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return c.Chart.DefaultWindow
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"pricestore/internal/logging"
)

// supportedDrivers lists the database backends the store can run on.
var supportedDrivers = map[string]struct{}{
	"postgres": {},
}

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Watch    WatchConfig    `mapstructure:"watch"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// CacheConfig configures the optional Redis read cache. An empty Addr disables it.
type CacheConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	TTL       time.Duration `mapstructure:"ttl"`
	Namespace string        `mapstructure:"namespace"`
}

// WatchConfig governs the checkpoint staleness watchdog.
type WatchConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	MaxLiveRatesAge time.Duration `mapstructure:"max_live_rates_age"`
	MaxMarketCapAge time.Duration `mapstructure:"max_market_cap_age"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICESTORE")
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
	v.SetDefault("app.name", "pricestore")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("cache.addr", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", "1m")
	v.SetDefault("cache.namespace", "pairexchanges")

	v.SetDefault("watch.interval", "5m")
	v.SetDefault("watch.align_to_interval", true)
	v.SetDefault("watch.startup_delay", "0s")
	v.SetDefault("watch.advisory_lock_key", int64(0x70726963))
	v.SetDefault("watch.max_live_rates_age", "15m")
	v.SetDefault("watch.max_market_cap_age", "36h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "1h")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 2000)
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
	driver := strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if _, ok := supportedDrivers[driver]; !ok {
		return fmt.Errorf("database '%s' not found", c.Database.Driver)
	}
	c.Database.Driver = driver

	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Watch.Interval <= 0 {
		return fmt.Errorf("watch.interval must be greater than zero")
	}
	if c.Watch.MaxLiveRatesAge <= 0 || c.Watch.MaxMarketCapAge <= 0 {
		return fmt.Errorf("watch max ages must be greater than zero")
	}
	if c.Cache.Addr != "" && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be greater than zero when cache.addr is set")
	}
	if c.Alerting.Cooldown < 0 {
		return fmt.Errorf("alerting.cooldown cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

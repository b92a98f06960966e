package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"gold-rate-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Logging      logging.Config     `mapstructure:"logging"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Retention    RetentionConfig    `mapstructure:"retention"`
	Digest       DigestConfig       `mapstructure:"digest"`
	Collector    CollectorConfig    `mapstructure:"collector"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Sources      SourcesConfig      `mapstructure:"sources"`
	Instruments  InstrumentsConfig  `mapstructure:"instruments"`
	Fallbacks    map[string]Default `mapstructure:"fallbacks"`
	Plausibility PlausibilityConfig `mapstructure:"plausibility"`
	Delivery     DeliveryConfig     `mapstructure:"delivery"`
	Server       ServerConfig       `mapstructure:"server"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs collection cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToClock    bool          `mapstructure:"align_to_clock"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// RetentionConfig bounds the stored time series.
type RetentionConfig struct {
	Keep     int    `mapstructure:"keep"`
	Schedule string `mapstructure:"schedule"`
}

// DigestConfig governs the daily summary notification.
type DigestConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// CollectorConfig tunes the per-cycle pipeline.
type CollectorConfig struct {
	Workers int `mapstructure:"workers"`
}

// CacheConfig sets quote cache TTLs per instrument class.
type CacheConfig struct {
	MetalTTL time.Duration `mapstructure:"metal_ttl"`
	FXTTL    time.Duration `mapstructure:"fx_ttl"`
}

// SourcesConfig covers the upstream price sources in priority order.
type SourcesConfig struct {
	PerSourceTimeout time.Duration  `mapstructure:"per_source_timeout"`
	MetalAPI         MetalAPIConfig `mapstructure:"metalpriceapi"`
	GoldPage         ScrapedSite    `mapstructure:"goldpage"`
	XE               ScrapedSite    `mapstructure:"xe"`
}

// MetalAPIConfig configures the MetalpriceAPI client.
type MetalAPIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ScrapedSite configures one scraped upstream.
type ScrapedSite struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	HostGap   time.Duration `mapstructure:"host_gap"`
}

// InstrumentsConfig lists what gets tracked.
type InstrumentsConfig struct {
	Metals []MetalInstrument `mapstructure:"metals"`
	Pairs  []CurrencyPair    `mapstructure:"pairs"`
}

// MetalInstrument describes one tracked commodity market.
type MetalInstrument struct {
	Metal    string  `mapstructure:"metal"`
	Country  string  `mapstructure:"country"`
	Currency string  `mapstructure:"currency"`
	Premium  float64 `mapstructure:"premium"`
}

// CurrencyPair describes one tracked FX pair.
type CurrencyPair struct {
	Base  string `mapstructure:"base"`
	Quote string `mapstructure:"quote"`
}

// Default is a static last-known-good quote served when every source fails.
type Default struct {
	Value    float64 `mapstructure:"value"`
	Currency string  `mapstructure:"currency"`
}

// PlausibilityConfig bounds accepted values per instrument class.
type PlausibilityConfig struct {
	Metal ValueBand `mapstructure:"metal"`
	FX    ValueBand `mapstructure:"fx"`
}

// ValueBand is an open numeric interval.
type ValueBand struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// DeliveryConfig covers the push transport.
type DeliveryConfig struct {
	FCM FCMConfig `mapstructure:"fcm"`
}

// FCMConfig configures Firebase Cloud Messaging delivery.
type FCMConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	ServerKey string        `mapstructure:"server_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ServerConfig covers the operational HTTP API.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GOLDWATCHER")
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
	v.SetDefault("app.name", "goldwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "15m")
	v.SetDefault("scheduler.align_to_clock", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x676f6c64))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("retention.keep", 100)
	v.SetDefault("retention.schedule", "0 0 * * *")

	v.SetDefault("digest.enabled", true)
	v.SetDefault("digest.schedule", "0 9 * * *")

	v.SetDefault("collector.workers", 4)

	v.SetDefault("cache.metal_ttl", "5m")
	v.SetDefault("cache.fx_ttl", "60m")

	v.SetDefault("sources.per_source_timeout", "12s")
	v.SetDefault("sources.metalpriceapi.base_url", "https://api.metalpriceapi.com")
	v.SetDefault("sources.metalpriceapi.timeout", "5s")
	v.SetDefault("sources.goldpage.base_url", "https://goldpricenow.live")
	v.SetDefault("sources.goldpage.timeout", "10s")
	v.SetDefault("sources.goldpage.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	v.SetDefault("sources.goldpage.host_gap", "1s")
	v.SetDefault("sources.xe.base_url", "https://www.xe.com")
	v.SetDefault("sources.xe.timeout", "15s")
	v.SetDefault("sources.xe.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("sources.xe.host_gap", "1s")

	v.SetDefault("instruments.metals", []map[string]interface{}{
		{"metal": "gold", "country": "egypt", "currency": "EGP", "premium": 1.06},
		{"metal": "gold", "country": "usa", "currency": "USD", "premium": 1.0},
		{"metal": "gold", "country": "germany", "currency": "EUR", "premium": 1.0},
		{"metal": "silver", "country": "egypt", "currency": "EGP", "premium": 1.06},
	})
	v.SetDefault("instruments.pairs", []map[string]interface{}{
		{"base": "USD", "quote": "EGP"},
		{"base": "EUR", "quote": "EGP"},
		{"base": "USD", "quote": "EUR"},
	})

	v.SetDefault("fallbacks", map[string]map[string]interface{}{
		"metal/gold/egypt":   {"value": 3250.0, "currency": "EGP"},
		"metal/gold/usa":     {"value": 75.0, "currency": "USD"},
		"metal/gold/germany": {"value": 70.0, "currency": "EUR"},
		"metal/silver/egypt": {"value": 40.0, "currency": "EGP"},
		"fx/USD/EGP":         {"value": 30.90, "currency": "EGP"},
		"fx/EUR/EGP":         {"value": 33.57, "currency": "EGP"},
		"fx/USD/EUR":         {"value": 0.92, "currency": "EUR"},
	})

	v.SetDefault("plausibility.metal.min", 100.0)
	v.SetDefault("plausibility.metal.max", 1000000.0)
	v.SetDefault("plausibility.fx.min", 0.001)
	v.SetDefault("plausibility.fx.max", 10000.0)

	v.SetDefault("delivery.fcm.enabled", false)
	v.SetDefault("delivery.fcm.base_url", "https://fcm.googleapis.com")
	v.SetDefault("delivery.fcm.timeout", "10s")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen", ":8080")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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
	if c.Retention.Keep <= 0 {
		return fmt.Errorf("retention.keep must be greater than zero")
	}
	if c.Collector.Workers <= 0 {
		return fmt.Errorf("collector.workers must be greater than zero")
	}
	if c.Cache.MetalTTL <= 0 || c.Cache.FXTTL <= 0 {
		return fmt.Errorf("cache ttls must be greater than zero")
	}
	if len(c.Instruments.Metals) == 0 && len(c.Instruments.Pairs) == 0 {
		return fmt.Errorf("at least one instrument must be configured")
	}
	for _, m := range c.Instruments.Metals {
		if m.Metal == "" || m.Country == "" || m.Currency == "" {
			return fmt.Errorf("instruments.metals entries need metal, country, and currency")
		}
	}
	for _, p := range c.Instruments.Pairs {
		if p.Base == "" || p.Quote == "" {
			return fmt.Errorf("instruments.pairs entries need base and quote")
		}
	}
	if c.Delivery.FCM.Enabled && c.Delivery.FCM.ServerKey == "" {
		return fmt.Errorf("delivery.fcm.server_key must be configured when fcm is enabled")
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		return fmt.Errorf("server.listen must be configured when the server is enabled")
	}
	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"usdfc-telemetry/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Sources    SourcesConfig    `mapstructure:"sources"`
	Contracts  ContractsConfig  `mapstructure:"contracts"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Server     ServerConfig     `mapstructure:"server"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
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

// SchedulerConfig governs snapshot cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	Retention       time.Duration `mapstructure:"retention"`
}

// SourceConfig describes one upstream endpoint and its breaker tuning.
type SourceConfig struct {
	URL              string        `mapstructure:"url"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	MaxCooldown      time.Duration `mapstructure:"max_cooldown"`
}

// SourcesConfig covers the four external telemetry sources.
type SourcesConfig struct {
	RPC        SourceConfig `mapstructure:"rpc"`
	Blockscout SourceConfig `mapstructure:"blockscout"`
	Gecko      SourceConfig `mapstructure:"gecko"`
	Subgraph   SourceConfig `mapstructure:"subgraph"`
}

// ContractsConfig lists the protocol contract addresses.
type ContractsConfig struct {
	Token            string `mapstructure:"token"`
	TroveManager     string `mapstructure:"trove_manager"`
	PriceFeed        string `mapstructure:"price_feed"`
	StabilityPool    string `mapstructure:"stability_pool"`
	MultiTroveGetter string `mapstructure:"multi_trove_getter"`
}

// MetricsConfig overrides per-metric freshness windows.
type MetricsConfig struct {
	TTLs map[string]time.Duration `mapstructure:"ttls"`
}

// AggregatorConfig tunes the resilience layer.
type AggregatorConfig struct {
	RatePerSec    float64       `mapstructure:"rate_per_sec"`
	RateBurst     int           `mapstructure:"rate_burst"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryBase     time.Duration `mapstructure:"retry_base"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepGrace    time.Duration `mapstructure:"sweep_grace"`
}

// ServerConfig governs the HTTP API.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RatePerSec      float64       `mapstructure:"rate_per_sec"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

// AlertingConfig defines TCR alert thresholds and routing.
type AlertingConfig struct {
	Enabled    bool           `mapstructure:"enabled"`
	TCRWarning float64        `mapstructure:"tcr_warning"`
	TCRDanger  float64        `mapstructure:"tcr_danger"`
	Cooldown   time.Duration  `mapstructure:"cooldown"`
	Channels   []string       `mapstructure:"channels"`
	Telegram   TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
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
	v.SetEnvPrefix("USDFCWATCH")
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
	v.SetDefault("app.name", "usdfcwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x75646663))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.retention", "168h")

	v.SetDefault("sources.rpc.url", "https://api.node.glif.io/rpc/v1")
	v.SetDefault("sources.rpc.request_timeout", "30s")
	v.SetDefault("sources.blockscout.url", "https://filecoin.blockscout.com/api/v2")
	v.SetDefault("sources.blockscout.request_timeout", "10s")
	v.SetDefault("sources.gecko.url", "https://api.geckoterminal.com/api/v2/networks/filecoin")
	v.SetDefault("sources.gecko.request_timeout", "10s")
	v.SetDefault("sources.subgraph.url", "https://api.goldsky.com/api/public/project_cm8i6ca9k24d601wy45zzbsrq/subgraphs/sf-filecoin-mainnet/latest/gn")
	v.SetDefault("sources.subgraph.request_timeout", "10s")
	for _, name := range []string{"rpc", "blockscout", "gecko", "subgraph"} {
		v.SetDefault("sources."+name+".user_agent", "usdfcwatch/1.0")
		v.SetDefault("sources."+name+".failure_threshold", 5)
		v.SetDefault("sources."+name+".cooldown", "30s")
		v.SetDefault("sources."+name+".max_cooldown", "4m")
	}

	v.SetDefault("contracts.token", "0x80B98d3aa09ffff255c3ba4A241111Ff1262F045")
	v.SetDefault("contracts.trove_manager", "0x5aB87c2398454125Dd424425e39c8909bBE16022")
	v.SetDefault("contracts.price_feed", "0x80e651c9739C1ed15A267c11b85361780164A368")
	v.SetDefault("contracts.stability_pool", "0x791Ad78bBc58324089D3E0A8689E7D045B9592b5")
	v.SetDefault("contracts.multi_trove_getter", "0x5065b1F44fEF55Df7FD91275Fcc2D7567F8bf98F")

	v.SetDefault("aggregator.rate_per_sec", 5.0)
	v.SetDefault("aggregator.rate_burst", 10)
	v.SetDefault("aggregator.max_retries", 2)
	v.SetDefault("aggregator.retry_base", "100ms")
	v.SetDefault("aggregator.sweep_interval", "5m")
	v.SetDefault("aggregator.sweep_grace", "30m")

	v.SetDefault("server.listen", "127.0.0.1:3000")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.rate_per_sec", 10.0)
	v.SetDefault("server.rate_burst", 20)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.tcr_warning", 200.0)
	v.SetDefault("alerting.tcr_danger", 150.0)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

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
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Aggregator.RatePerSec <= 0 {
		return fmt.Errorf("aggregator.rate_per_sec must be greater than zero")
	}

	for name, addr := range map[string]string{
		"contracts.token":              c.Contracts.Token,
		"contracts.trove_manager":      c.Contracts.TroveManager,
		"contracts.price_feed":         c.Contracts.PriceFeed,
		"contracts.stability_pool":     c.Contracts.StabilityPool,
		"contracts.multi_trove_getter": c.Contracts.MultiTroveGetter,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s is not a valid address: %q", name, addr)
		}
	}

	if c.Alerting.TCRDanger > c.Alerting.TCRWarning {
		return fmt.Errorf("alerting.tcr_danger cannot exceed alerting.tcr_warning")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ContractAddresses resolves the configured contract addresses. Call after
// Validate.
func (c *ContractsConfig) ContractAddresses() (token, troveManager, priceFeed, stabilityPool, multiTroveGetter common.Address) {
	return common.HexToAddress(c.Token),
		common.HexToAddress(c.TroveManager),
		common.HexToAddress(c.PriceFeed),
		common.HexToAddress(c.StabilityPool),
		common.HexToAddress(c.MultiTroveGetter)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"tranche-ledger/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Cow       CowConfig       `mapstructure:"cow"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Liquidity LiquidityConfig `mapstructure:"liquidity"`
	Keeper    KeeperConfig    `mapstructure:"keeper"`
	API       APIConfig       `mapstructure:"api"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN runs the
// service without persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// SchedulerConfig governs rebase cadence. Cron, when set, replaces Interval.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Cron            string        `mapstructure:"cron"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// EthereumConfig covers on-chain price access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	VaultAddress   string        `mapstructure:"vault_address"`
	AssetDecimals  uint8         `mapstructure:"asset_decimals"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// CowConfig captures CoW Protocol connectivity for the reference quote.
type CowConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	PriceQuality   string        `mapstructure:"price_quality"`
	Notional       float64       `mapstructure:"notional"`
	SellToken      string        `mapstructure:"sell_token"`
	BuyToken       string        `mapstructure:"buy_token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// PricingConfig selects the primary price source and the deviation guard.
type PricingConfig struct {
	Source          string  `mapstructure:"source"`
	StaticPrice     string  `mapstructure:"static_price"`
	MaxDeviationPct float64 `mapstructure:"max_deviation_pct"`
}

// LiquidityConfig parameterises the in-memory position book.
type LiquidityConfig struct {
	InitialIdle    string `mapstructure:"initial_idle"`
	MaxPerCall     string `mapstructure:"max_per_call"`
	ConversionLoss string `mapstructure:"conversion_loss"`
}

// KeeperConfig tunes the scheduled rebase cycle.
type KeeperConfig struct {
	RemarkFromPosition bool    `mapstructure:"remark_from_position"`
	SpilloverAlertPct  float64 `mapstructure:"spillover_alert_pct"`
	CheckpointEvery    int     `mapstructure:"checkpoint_every"`
	CheckpointsKept    int     `mapstructure:"checkpoints_kept"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Listen       string        `mapstructure:"listen"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	JWTIssuer    string        `mapstructure:"jwt_issuer"`
	Insecure     bool          `mapstructure:"insecure"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TelemetryConfig controls OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	Cooldown  time.Duration  `mapstructure:"cooldown"`
	Retention time.Duration  `mapstructure:"retention"`
	Channels  []string       `mapstructure:"channels"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
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
	v.SetEnvPrefix("TRANCHE")
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
	v.SetDefault("app.name", "trancheledger")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 28)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.conn_max_idle_time", "5m")

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.cron", "")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x7472616e))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("ethereum.rpc_url", "")
	v.SetDefault("ethereum.vault_address", "")
	v.SetDefault("ethereum.asset_decimals", 18)
	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("cow.enabled", false)
	v.SetDefault("cow.base_url", "https://api.cow.fi/mainnet/api/v1")
	v.SetDefault("cow.price_quality", "optimal")
	v.SetDefault("cow.notional", 10000.0)
	v.SetDefault("cow.request_timeout", "10s")
	v.SetDefault("cow.user_agent", "trancheledger/1.0")

	v.SetDefault("pricing.source", "vault")
	v.SetDefault("pricing.static_price", "")
	v.SetDefault("pricing.max_deviation_pct", 2.0)

	v.SetDefault("ledger.candidate_rates", []string{"0.13", "0.12", "0.11"})
	v.SetDefault("ledger.periods_per_year", 12)
	v.SetDefault("ledger.nominal_period", "720h")
	v.SetDefault("ledger.perf_fee_rate", "0.02")
	v.SetDefault("ledger.target_ratio", "1.10")
	v.SetDefault("ledger.trigger_ratio", "1")
	v.SetDefault("ledger.restore_ratio", "1.009")
	v.SetDefault("ledger.junior_weight", "0.80")
	v.SetDefault("ledger.early_penalty_rate", "0.20")
	v.SetDefault("ledger.withdrawal_fee_rate", "0.01")
	v.SetDefault("ledger.cooldown_period", "168h")
	v.SetDefault("ledger.mgmt_fee_rate", "0")
	v.SetDefault("ledger.mgmt_fee_basis", "value_at_call")
	v.SetDefault("ledger.pool_mgmt_fee_rate", "0")
	v.SetDefault("ledger.fee_mint_interval", "24h")
	v.SetDefault("ledger.cap_multiplier", "20")
	v.SetDefault("ledger.min_rebase_interval", "24h")
	v.SetDefault("ledger.max_rebase_elapsed", "1440h")
	v.SetDefault("ledger.remark_band", "0.10")
	v.SetDefault("ledger.liquidity_attempts", 3)
	v.SetDefault("ledger.fee_recipient", "treasury")
	v.SetDefault("ledger.migration_recipient", "treasury")

	v.SetDefault("liquidity.initial_idle", "0")
	v.SetDefault("liquidity.max_per_call", "0")
	v.SetDefault("liquidity.conversion_loss", "0")

	v.SetDefault("keeper.remark_from_position", false)
	v.SetDefault("keeper.spillover_alert_pct", 1.0)
	v.SetDefault("keeper.checkpoint_every", 1)
	v.SetDefault("keeper.checkpoints_kept", 30)

	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.jwt_issuer", "trancheledger")
	v.SetDefault("api.insecure", false)
	v.SetDefault("api.token_ttl", "1h")
	v.SetDefault("api.rate_limit", 20.0)
	v.SetDefault("api.rate_burst", 40)
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "15s")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.retention", "2160h")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
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
	if c.Scheduler.Interval <= 0 && c.Scheduler.Cron == "" {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	switch c.Pricing.Source {
	case "vault":
	case "static":
		if c.Pricing.StaticPrice == "" {
			return fmt.Errorf("pricing.static_price required for the static source")
		}
	default:
		return fmt.Errorf("pricing.source must be vault or static, got %q", c.Pricing.Source)
	}
	if c.Pricing.MaxDeviationPct < 0 {
		return fmt.Errorf("pricing.max_deviation_pct cannot be negative")
	}
	if c.Cow.Enabled && c.Cow.Notional <= 0 {
		return fmt.Errorf("cow.notional must be greater than zero")
	}
	if c.Keeper.SpilloverAlertPct < 0 {
		return fmt.Errorf("keeper.spillover_alert_pct cannot be negative")
	}
	if c.API.RateLimit <= 0 || c.API.RateBurst <= 0 {
		return fmt.Errorf("api.rate_limit and api.rate_burst must be greater than zero")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint required when telemetry is enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if _, err := c.Ledger.TrancheConfig(); err != nil {
		return err
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

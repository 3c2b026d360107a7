package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"cdpguard/internal/logging"
	"cdpguard/internal/risk"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Tokens    TokensConfig    `mapstructure:"tokens"`
	Quote     QuoteConfig     `mapstructure:"quote"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Setup     SetupConfig     `mapstructure:"setup"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Watch     WatchEntry      `mapstructure:"watch"`
	Watches   []WatchEntry    `mapstructure:"watches"`
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
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
	SampleRetention time.Duration `mapstructure:"sample_retention"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// EthereumConfig covers on-chain data access and signing.
type EthereumConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ChainID         int64         `mapstructure:"chain_id"`
	ResolverAddress string        `mapstructure:"resolver_address"`
	DSAAddress      string        `mapstructure:"dsa_address"`
	PrivateKey      string        `mapstructure:"private_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// TokenConfig describes one ERC20 (or the native placeholder).
type TokenConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`
}

// TokensConfig names the debt and collateral assets of watched vaults.
type TokensConfig struct {
	Debt       TokenConfig `mapstructure:"debt"`
	Collateral TokenConfig `mapstructure:"collateral"`
}

// QuoteConfig captures CoW Protocol connectivity.
type QuoteConfig struct {
	BaseURL        string            `mapstructure:"base_url"`
	PriceQuality   string            `mapstructure:"price_quality"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	UserAgent      string            `mapstructure:"user_agent"`
	TokenAliases   map[string]string `mapstructure:"token_aliases"`
}

// PlannerConfig holds default deleverage policy and connector names.
type PlannerConfig struct {
	DebtDivisor        int64   `mapstructure:"debt_divisor"`
	MaxSlippagePct     float64 `mapstructure:"max_slippage_pct"`
	AutoDeleverage     bool    `mapstructure:"auto_deleverage"`
	FlashLoanConnector string  `mapstructure:"flash_loan_connector"`
	VaultConnector     string  `mapstructure:"vault_connector"`
	ExchangeConnector  string  `mapstructure:"exchange_connector"`
}

// ExecutorConfig controls plan submission.
type ExecutorConfig struct {
	DryRun       bool          `mapstructure:"dry_run"`
	GasBufferPct int64         `mapstructure:"gas_buffer_pct"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Origin       string        `mapstructure:"origin"`
}

// AlertingConfig defines alert defaults and routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// SetupConfig controls the interactive Telegram setup bot. The critical band
// applies to chat-created watches and to watch entries that omit one.
type SetupConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
	CriticalLower  float64       `mapstructure:"critical_lower_pct"`
	CriticalUpper  float64       `mapstructure:"critical_upper_pct"`
	AllowedChatIDs []int64       `mapstructure:"allowed_chat_ids"`
}

// MetricsConfig exposes Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// WatchEntry is one configured position. A zero band bound, cooldown or
// divisor inherits the default; so does an unset max_slippage_pct or
// auto_deleverage, which may be set to 0 and false explicitly.
type WatchEntry struct {
	PositionID        string        `mapstructure:"position_id"`
	AlertThresholdPct float64       `mapstructure:"alert_threshold_pct"`
	CriticalLowerPct  float64       `mapstructure:"critical_lower_pct"`
	CriticalUpperPct  float64       `mapstructure:"critical_upper_pct"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	DebtDivisor       int64         `mapstructure:"debt_divisor"`
	MaxSlippagePct    *float64      `mapstructure:"max_slippage_pct"`
	ChannelID         string        `mapstructure:"channel_id"`
	AutoDeleverage    *bool         `mapstructure:"auto_deleverage"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("CDPGUARD")
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

// loadDotEnv exports variables from ./.env; existing environment wins.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
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
	v.SetDefault("app.name", "cdpguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "3s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x63647067))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("ethereum.rpc_url", "")
	v.SetDefault("ethereum.chain_id", 1)
	v.SetDefault("ethereum.dsa_address", "")
	v.SetDefault("ethereum.private_key", "")
	v.SetDefault("ethereum.resolver_address", "0x84addce4fac0b6ee4b0cd132120d6d4b700e35c0")
	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("tokens.debt.symbol", "DAI")
	v.SetDefault("tokens.debt.address", "0x6B175474E89094C44Da98b954EedeAC495271d0F")
	v.SetDefault("tokens.debt.decimals", 18)
	v.SetDefault("tokens.collateral.symbol", "ETH")
	v.SetDefault("tokens.collateral.address", "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")
	v.SetDefault("tokens.collateral.decimals", 18)

	v.SetDefault("quote.base_url", "https://api.cow.fi/mainnet/api/v1")
	v.SetDefault("quote.price_quality", "verified")
	v.SetDefault("quote.request_timeout", "10s")
	v.SetDefault("quote.user_agent", "cdpguard/1.0")

	v.SetDefault("planner.debt_divisor", 3)
	v.SetDefault("planner.max_slippage_pct", 0.1)
	v.SetDefault("planner.auto_deleverage", true)
	v.SetDefault("planner.flash_loan_connector", "INSTAPOOL-A")
	v.SetDefault("planner.vault_connector", "MAKERDAO-A")
	v.SetDefault("planner.exchange_connector", "OASIS-A")

	v.SetDefault("executor.dry_run", true)
	v.SetDefault("executor.gas_buffer_pct", 20)
	v.SetDefault("executor.timeout", "3m")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.cooldown", "1h")
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")

	v.SetDefault("setup.enabled", false)
	v.SetDefault("setup.session_ttl", "5m")
	v.SetDefault("setup.critical_lower_pct", 150.0)
	v.SetDefault("setup.critical_upper_pct", 160.0)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9102")

	// registered so CDPGUARD_WATCH_* variables reach Unmarshal
	v.SetDefault("watch.position_id", "")
	v.SetDefault("watch.alert_threshold_pct", 0.0)
	v.SetDefault("watch.critical_lower_pct", 0.0)
	v.SetDefault("watch.critical_upper_pct", 0.0)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.ensure_schema", true)
	v.SetDefault("database.sample_retention", "720h")
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

// Validate performs sanity checks on the configuration values. Any watch that
// breaks the critical band invariant aborts startup.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Tokens.Debt.Address == "" || c.Tokens.Collateral.Address == "" {
		return fmt.Errorf("tokens.debt.address 与 tokens.collateral.address 必须配置")
	}
	if c.Planner.DebtDivisor < 1 {
		return fmt.Errorf("planner.debt_divisor must be at least 1")
	}
	if c.Planner.MaxSlippagePct < 0 || c.Planner.MaxSlippagePct >= 100 {
		return fmt.Errorf("planner.max_slippage_pct must be within [0, 100)")
	}
	if !c.Executor.DryRun {
		if c.Ethereum.DSAAddress == "" {
			return fmt.Errorf("ethereum.dsa_address 必须配置 (executor.dry_run=false)")
		}
		if c.Ethereum.PrivateKey == "" {
			return fmt.Errorf("ethereum.private_key 必须配置 (executor.dry_run=false)")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Setup.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("setup.enabled requires alerting.telegram.bot_token")
		}
		if _, err := c.SetupTemplate(); err != nil {
			return err
		}
	}

	seen := make(map[string]struct{})
	for i, entry := range c.WatchEntries() {
		wc, err := c.WatchConfig(entry)
		if err != nil {
			return fmt.Errorf("watches[%d]: %w", i, err)
		}
		if _, dup := seen[wc.PositionID]; dup {
			return fmt.Errorf("watches[%d]: duplicate position_id %s", i, wc.PositionID)
		}
		seen[wc.PositionID] = struct{}{}
	}
	return nil
}

// WatchEntries returns the single `watch` section followed by the `watches` list.
func (c *Config) WatchEntries() []WatchEntry {
	entries := make([]WatchEntry, 0, len(c.Watches)+1)
	if c.Watch.PositionID != "" {
		entries = append(entries, c.Watch)
	}
	for _, w := range c.Watches {
		if w.PositionID == "" {
			continue
		}
		entries = append(entries, w)
	}
	return entries
}

// WatchConfigs converts every configured entry.
func (c *Config) WatchConfigs() ([]risk.WatchConfig, error) {
	entries := c.WatchEntries()
	out := make([]risk.WatchConfig, 0, len(entries))
	for _, entry := range entries {
		wc, err := c.WatchConfig(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, wc)
	}
	return out, nil
}

// WatchConfig fills defaults into entry and validates the result.
func (c *Config) WatchConfig(entry WatchEntry) (risk.WatchConfig, error) {
	cooldown := entry.Cooldown
	if cooldown == 0 {
		cooldown = c.Alerting.Cooldown
	}
	divisor := entry.DebtDivisor
	if divisor == 0 {
		divisor = c.Planner.DebtDivisor
	}
	slippage := c.Planner.MaxSlippagePct
	if entry.MaxSlippagePct != nil {
		slippage = *entry.MaxSlippagePct
	}
	lower := entry.CriticalLowerPct
	if lower == 0 {
		lower = c.Setup.CriticalLower
	}
	upper := entry.CriticalUpperPct
	if upper == 0 {
		upper = c.Setup.CriticalUpper
	}
	auto := c.Planner.AutoDeleverage
	if entry.AutoDeleverage != nil {
		auto = *entry.AutoDeleverage
	}
	channel := entry.ChannelID
	if channel == "" {
		channel = c.Alerting.Telegram.ChatID
	}

	wc := risk.WatchConfig{
		PositionID:        strings.TrimSpace(entry.PositionID),
		AlertThresholdPct: decimal.NewFromFloat(entry.AlertThresholdPct),
		CriticalLowerPct:  decimal.NewFromFloat(lower),
		CriticalUpperPct:  decimal.NewFromFloat(upper),
		Cooldown:          cooldown,
		DebtDivisor:       decimal.NewFromInt(divisor),
		MaxSlippagePct:    decimal.NewFromFloat(slippage),
		ChannelID:         channel,
		AutoDeleverage:    auto,
	}
	if err := wc.Validate(); err != nil {
		return risk.WatchConfig{}, err
	}
	return wc, nil
}

// SetupTemplate is the policy of watches created from chat. Position, alert
// threshold and channel are filled in by the wizard.
func (c *Config) SetupTemplate() (risk.WatchConfig, error) {
	tpl := risk.WatchConfig{
		CriticalLowerPct: decimal.NewFromFloat(c.Setup.CriticalLower),
		CriticalUpperPct: decimal.NewFromFloat(c.Setup.CriticalUpper),
		Cooldown:         c.Alerting.Cooldown,
		DebtDivisor:      decimal.NewFromInt(c.Planner.DebtDivisor),
		MaxSlippagePct:   decimal.NewFromFloat(c.Planner.MaxSlippagePct),
		AutoDeleverage:   c.Planner.AutoDeleverage,
	}
	if tpl.CriticalLowerPct.Sign() <= 0 {
		return risk.WatchConfig{}, fmt.Errorf("setup.critical_lower_pct: %w: critical lower bound must be positive", risk.ErrInvalidConfig)
	}
	if !tpl.CriticalLowerPct.LessThan(tpl.CriticalUpperPct) {
		return risk.WatchConfig{}, fmt.Errorf("setup.critical_upper_pct: %w: critical lower bound %s must be below upper bound %s",
			risk.ErrInvalidConfig, tpl.CriticalLowerPct, tpl.CriticalUpperPct)
	}
	return tpl, nil
}

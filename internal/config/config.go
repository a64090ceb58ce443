package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"trade-executor/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Contracts  ContractsConfig  `mapstructure:"contracts"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Safety     SafetyConfig     `mapstructure:"safety"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Vault      VaultConfig      `mapstructure:"vault"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Server     ServerConfig     `mapstructure:"server"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
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

// ChainConfig covers the single execution chain of this deployment.
type ChainConfig struct {
	ID              int64             `mapstructure:"id"`
	RPCURL          string            `mapstructure:"rpc_url"`
	RPCURLs         map[string]string `mapstructure:"rpc_urls"`
	RequestTimeout  time.Duration     `mapstructure:"request_timeout"`
	SimulateTimeout time.Duration     `mapstructure:"simulate_timeout"`
	ReceiptAttempts int               `mapstructure:"receipt_attempts"`
	ReceiptInterval time.Duration     `mapstructure:"receipt_interval"`
	GasBufferPct    int               `mapstructure:"gas_buffer_pct"`
}

// ContractsConfig lists the on-chain addresses the engine trusts.
type ContractsConfig struct {
	Permit2       string   `mapstructure:"permit2"`
	Spenders      []string `mapstructure:"spenders"`
	WrappedNative string   `mapstructure:"wrapped_native"`
}

// AggregatorConfig captures swap-quote aggregator connectivity.
type AggregatorConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	APIVersion    string        `mapstructure:"api_version"`
	Strategies    []string      `mapstructure:"strategies"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	UserAgent     string        `mapstructure:"user_agent"`
}

// SafetyConfig holds the hard execution limits.
type SafetyConfig struct {
	MaxSellAmount    string        `mapstructure:"max_sell_amount"`
	MaxSlippageBps   int           `mapstructure:"max_slippage_bps"`
	BuyCooldown      time.Duration `mapstructure:"buy_cooldown"`
	SellCooldown     time.Duration `mapstructure:"sell_cooldown"`
	AutoTripFailures int           `mapstructure:"auto_trip_failures"`
}

// EngineConfig governs the trade lifecycle orchestrator.
type EngineConfig struct {
	DryRun       bool               `mapstructure:"dry_run"`
	LockTTL      time.Duration      `mapstructure:"lock_ttl"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities"`
	// PermitEncoding is "appended" (signature on the swap calldata) or
	// "standalone" (a Permit2 permit transaction ahead of the swap).
	PermitEncoding string `mapstructure:"permit_encoding"`
}

// CapabilitiesConfig toggles optional execution behaviour.
type CapabilitiesConfig struct {
	AutoWrap           bool `mapstructure:"auto_wrap"`
	AutoPermit         bool `mapstructure:"auto_permit"`
	SystemOperator     bool `mapstructure:"system_operator"`
	RiskReducingBypass bool `mapstructure:"risk_reducing_bypass"`
}

// VaultConfig carries versioned key-encryption-keys.
type VaultConfig struct {
	CurrentVersion int               `mapstructure:"current_version"`
	KEKs           map[string]string `mapstructure:"keks"`
}

// JobsConfig tunes the execution job worker.
type JobsConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	ReconcileEvery  time.Duration `mapstructure:"reconcile_every"`
	BatchSize       int           `mapstructure:"batch_size"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ServerConfig drives the operational HTTP surface.
type ServerConfig struct {
	Listen         string        `mapstructure:"listen"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Channels []string `mapstructure:"channels"`

	// DedupWindow suppresses repeats of the same alert.
	DedupWindow time.Duration  `mapstructure:"dedup_window"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram alert parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls prometheus exposition.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxRows int `mapstructure:"max_rows"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotenv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("TRADEXEC")
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
	cfg.Vault.KEKs = mergeEnvKEKs(cfg.Vault.KEKs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotenv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
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

// mergeEnvKEKs picks up TRADEXEC_VAULT_KEK_V<n> variables; viper cannot
// enumerate env keys of a map, so versions are scanned explicitly.
func mergeEnvKEKs(keks map[string]string) map[string]string {
	if keks == nil {
		keks = make(map[string]string)
	}
	for version := 1; version <= 32; version++ {
		if value := os.Getenv(fmt.Sprintf("TRADEXEC_VAULT_KEK_V%d", version)); value != "" {
			keks[strconv.Itoa(version)] = value
		}
	}
	return keks
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tradexec")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("chain.id", int64(8453))
	v.SetDefault("chain.request_timeout", "10s")
	v.SetDefault("chain.simulate_timeout", "15s")
	v.SetDefault("chain.receipt_attempts", 30)
	v.SetDefault("chain.receipt_interval", "4s")
	v.SetDefault("chain.gas_buffer_pct", 20)

	v.SetDefault("contracts.permit2", "0x000000000022D473030F116dDEE9F6B43aC78BA3")

	v.SetDefault("aggregator.base_url", "https://api.0x.org")
	v.SetDefault("aggregator.api_version", "v2")
	v.SetDefault("aggregator.strategies", []string{"permit2", "allowance-holder"})
	v.SetDefault("aggregator.timeout", "10s")
	v.SetDefault("aggregator.rate_per_second", 5.0)
	v.SetDefault("aggregator.burst", 5)
	v.SetDefault("aggregator.user_agent", "tradexec/1.0")

	v.SetDefault("safety.max_sell_amount", "200000000000000000")
	v.SetDefault("safety.max_slippage_bps", 75)
	v.SetDefault("safety.buy_cooldown", "0s")
	v.SetDefault("safety.sell_cooldown", "0s")
	v.SetDefault("safety.auto_trip_failures", 3)

	v.SetDefault("engine.dry_run", true)
	v.SetDefault("engine.lock_ttl", "10m")
	v.SetDefault("engine.permit_encoding", "appended")

	v.SetDefault("vault.current_version", 1)

	v.SetDefault("jobs.poll_interval", "2s")
	v.SetDefault("jobs.stale_after", "5m")
	v.SetDefault("jobs.reconcile_every", "15s")
	v.SetDefault("jobs.batch_size", 20)
	v.SetDefault("jobs.advisory_lock_key", int64(0))
	v.SetDefault("jobs.startup_delay", "0s")

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.rate_per_second", 20.0)
	v.SetDefault("server.burst", 50)
	v.SetDefault("server.request_timeout", "60s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.dedup_window", "5m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "tradexec")

	v.SetDefault("export.max_rows", 100000)
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

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Chain.ID <= 0 {
		return fmt.Errorf("chain.id must be greater than zero")
	}
	if c.ResolveRPCURL() == "" {
		return fmt.Errorf("chain.rpc_url (or chain.rpc_urls[%d]) must be configured", c.Chain.ID)
	}
	if c.Chain.ReceiptAttempts <= 0 {
		return fmt.Errorf("chain.receipt_attempts must be greater than zero")
	}
	if c.Chain.ReceiptInterval <= 0 {
		return fmt.Errorf("chain.receipt_interval must be greater than zero")
	}
	if c.Chain.GasBufferPct < 0 {
		return fmt.Errorf("chain.gas_buffer_pct cannot be negative")
	}
	if !common.IsHexAddress(c.Contracts.Permit2) {
		return fmt.Errorf("contracts.permit2 must be a hex address")
	}
	for _, spender := range c.Contracts.Spenders {
		if !common.IsHexAddress(spender) {
			return fmt.Errorf("contracts.spenders contains invalid address %q", spender)
		}
	}
	if c.Contracts.WrappedNative != "" && !common.IsHexAddress(c.Contracts.WrappedNative) {
		return fmt.Errorf("contracts.wrapped_native must be a hex address")
	}
	if len(c.Aggregator.Strategies) == 0 {
		return fmt.Errorf("aggregator.strategies must list at least one strategy")
	}
	if _, err := c.MaxSellAmount(); err != nil {
		return err
	}
	if c.Safety.MaxSlippageBps < 0 || c.Safety.MaxSlippageBps > 10_000 {
		return fmt.Errorf("safety.max_slippage_bps must be within 0..10000")
	}
	if c.Safety.BuyCooldown < 0 || c.Safety.SellCooldown < 0 {
		return fmt.Errorf("safety cooldowns cannot be negative")
	}
	if c.Engine.LockTTL <= 0 {
		return fmt.Errorf("engine.lock_ttl must be greater than zero")
	}
	switch strings.ToLower(strings.TrimSpace(c.Engine.PermitEncoding)) {
	case "", "appended", "standalone":
	default:
		return fmt.Errorf("engine.permit_encoding must be appended or standalone, got %q", c.Engine.PermitEncoding)
	}
	if wait := c.MaxLockedWait(); c.Engine.LockTTL <= wait {
		return fmt.Errorf("engine.lock_ttl (%s) must exceed the longest wait under the lock (%s)", c.Engine.LockTTL, wait)
	}
	if c.Vault.CurrentVersion <= 0 {
		return fmt.Errorf("vault.current_version must be greater than zero")
	}
	for version, kek := range c.Vault.KEKs {
		if _, err := strconv.Atoi(version); err != nil {
			return fmt.Errorf("vault.keks key %q is not a version number", version)
		}
		if err := checkKEKFormat(kek); err != nil {
			return fmt.Errorf("vault.keks[%s]: %w", version, err)
		}
	}
	if c.Jobs.PollInterval <= 0 {
		return fmt.Errorf("jobs.poll_interval must be greater than zero")
	}
	if c.Jobs.BatchSize <= 0 {
		return fmt.Errorf("jobs.batch_size must be greater than zero")
	}
	if c.Export.MaxRows <= 0 {
		return fmt.Errorf("export.max_rows must be greater than zero")
	}
	for _, channel := range c.Alerting.Channels {
		switch channel {
		case "log":
		case "telegram":
			if c.Alerting.Enabled && !c.Alerting.Telegram.Enabled {
				return fmt.Errorf("alerting.channels lists telegram but alerting.telegram.enabled is false")
			}
		default:
			return fmt.Errorf("alerting.channels: unknown channel %q", channel)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be configured")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be configured")
		}
	}
	return nil
}

// checkKEKFormat only inspects shape; the vault re-parses at first use.
func checkKEKFormat(kek string) error {
	trimmed := strings.TrimPrefix(strings.TrimSpace(kek), "0x")
	if len(trimmed) != 64 {
		return fmt.Errorf("expected 64 hex characters")
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return fmt.Errorf("not hex encoded")
	}
	return nil
}

// ResolveRPCURL prefers the per-chain entry over the generic URL.
func (c *Config) ResolveRPCURL() string {
	if url, ok := c.Chain.RPCURLs[strconv.FormatInt(c.Chain.ID, 10)]; ok && strings.TrimSpace(url) != "" {
		return strings.TrimSpace(url)
	}
	return strings.TrimSpace(c.Chain.RPCURL)
}

// MaxLockedWait bounds how long a send can block under the scope lock: one
// receipt wait each for an auto-wrap, an approval and a standalone permit.
func (c *Config) MaxLockedWait() time.Duration {
	return 3 * time.Duration(c.Chain.ReceiptAttempts) * c.Chain.ReceiptInterval
}

// MaxSellAmount parses the sell ceiling in atomic units.
func (c *Config) MaxSellAmount() (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(c.Safety.MaxSellAmount), 10)
	if !ok || value.Sign() <= 0 {
		return nil, fmt.Errorf("safety.max_sell_amount must be a positive integer in atomic units")
	}
	return value, nil
}

// VaultKEKs converts the configured keys into a version map.
func (c *Config) VaultKEKs() map[int]string {
	out := make(map[int]string, len(c.Vault.KEKs))
	for version, kek := range c.Vault.KEKs {
		n, err := strconv.Atoi(version)
		if err != nil {
			continue
		}
		out[n] = kek
	}
	return out
}

// ResolveMaxRows returns either the CLI override or config default.
func (c *Config) ResolveMaxRows(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxRows
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nexus-trading/nexus-swap/internal/adapters/helius"
	"github.com/nexus-trading/nexus-swap/internal/adapters/jupiter"
	"github.com/nexus-trading/nexus-swap/internal/adapters/rugcheck"
	"github.com/nexus-trading/nexus-swap/internal/amount"
	"github.com/nexus-trading/nexus-swap/internal/execution"
	"github.com/nexus-trading/nexus-swap/internal/features"
	"github.com/nexus-trading/nexus-swap/internal/position"
	"github.com/nexus-trading/nexus-swap/internal/risk"
	"github.com/nexus-trading/nexus-swap/internal/scheduler"
	"github.com/nexus-trading/nexus-swap/internal/solana"
	"github.com/nexus-trading/nexus-swap/internal/strategy"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for nexus-swap.
type Config struct {
	General    GeneralConfig    `yaml:"general"`
	Solana     SolanaConfig     `yaml:"solana"`
	Jupiter    jupiter.Config   `yaml:"jupiter"`
	Helius     helius.Config    `yaml:"helius"`
	RugCheck   RugCheckConfig   `yaml:"rug_check"`
	Pipeline   execution.Config `yaml:"pipeline"`
	Amount     amount.Config    `yaml:"amount"`
	Scheduler  scheduler.Config `yaml:"scheduler"`
	Strategy   StrategyConfig   `yaml:"strategy"`
	Storage    StorageConfig    `yaml:"storage"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	DryRun      bool   `yaml:"dry_run"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
}

// SolanaConfig covers the RPC client, the live wallet and the paper wallet
// used in dry runs.
type SolanaConfig struct {
	RPC               solana.RPCConfig              `yaml:"rpc"`
	Wallet            solana.WalletConfig           `yaml:"wallet"`
	Watcher           solana.SignatureWatcherConfig `yaml:"watcher"`
	UseWatcher        bool                          `yaml:"use_watcher"` // confirm over websocket instead of polling
	PaperStartSOL     decimal.Decimal               `yaml:"paper_start_sol"`
	PaperConfirmDelay time.Duration                 `yaml:"paper_confirm_delay"`
	PaperOwner        string                        `yaml:"paper_owner"`
}

type RugCheckConfig struct {
	API    rugcheck.Config `yaml:"api"`
	Policy risk.Config     `yaml:"policy"`
}

type StrategyConfig struct {
	strategy.Config `yaml:",inline"`
	Exits           position.ExitConfig    `yaml:"exits"`
	Features        features.Config        `yaml:"features"`
	Pairs           []scheduler.PairConfig `yaml:"pairs"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite|postgres|memory
	Path   string `yaml:"path"`   // sqlite file
	DSN    string `yaml:"dsn"`    // postgres
}

type ClickHouseConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DSN           string        `yaml:"dsn"`
	TablePrefix   string        `yaml:"table_prefix"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type KafkaConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	SchemaVersion string        `yaml:"schema_version"`
	Linger        time.Duration `yaml:"linger"`
	AuditBuffer   int           `yaml:"audit_buffer"` // in-memory audit entries kept for queries
}

type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// Defaults returns a configuration with every component default filled in.
// Load decodes the file on top of it.
func Defaults() *Config {
	return &Config{
		Solana: SolanaConfig{
			RPC:     solana.DefaultRPCConfig(),
			Wallet:  solana.DefaultWalletConfig(),
			Watcher: solana.DefaultSignatureWatcherConfig(),
		},
		Jupiter:   jupiter.DefaultConfig(),
		Helius:    helius.DefaultConfig(),
		RugCheck:  RugCheckConfig{Policy: risk.DefaultConfig()},
		Pipeline:  execution.DefaultConfig(),
		Amount:    amount.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Strategy: StrategyConfig{
			Config:   strategy.Config{Kind: strategy.KindVolume, Pump: strategy.DefaultPumpConfig()},
			Exits:    position.DefaultExitConfig(),
			Features: features.DefaultConfig(),
		},
	}
}

// Load reads and parses a YAML configuration file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML after expanding ${VAR} references from the environment.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "nexus-swap-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if cfg.Solana.PaperStartSOL.IsZero() {
		cfg.Solana.PaperStartSOL = decimal.NewFromInt(1)
	}
	if cfg.Solana.PaperConfirmDelay == 0 {
		cfg.Solana.PaperConfirmDelay = 500 * time.Millisecond
	}
	if cfg.Solana.Watcher.WSEndpoint == "" {
		cfg.Solana.Watcher.WSEndpoint = cfg.Solana.RPC.WSEndpoint
	}
	if cfg.Helius.APIKey == "" {
		cfg.Helius.APIKey = os.Getenv("HELIUS_API_KEY")
	}
	if cfg.Solana.RPC.PrivateKey == "" {
		cfg.Solana.RPC.PrivateKey = os.Getenv("PRIVATE_KEY")
	}

	for i := range cfg.Strategy.Pairs {
		p := &cfg.Strategy.Pairs[i]
		if p.Base == "" {
			p.Base = solana.SOLMint
		}
		if p.TradeInterval == 0 {
			p.TradeInterval = cfg.Scheduler.MinTradeInterval
		}
		if p.SlippageBps == 0 {
			p.SlippageBps = 50
		}
		if p.PriorityFee.Level == "" {
			p.PriorityFee.Level = solana.PriorityMedium
		}
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "nexus-swap.db"
	}
	if cfg.ClickHouse.DSN == "" {
		cfg.ClickHouse.DSN = "clickhouse://localhost:9000/nexus"
	}
	if cfg.ClickHouse.BatchSize == 0 {
		cfg.ClickHouse.BatchSize = 500
	}
	if cfg.ClickHouse.FlushInterval == 0 {
		cfg.ClickHouse.FlushInterval = 5 * time.Second
	}
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.SchemaVersion == "" {
		cfg.Kafka.SchemaVersion = "1.0.0"
	}
	if cfg.Kafka.Linger == 0 {
		cfg.Kafka.Linger = 5 * time.Millisecond
	}
	if cfg.Kafka.AuditBuffer == 0 {
		cfg.Kafka.AuditBuffer = 1000
	}
	if cfg.Metrics.PrometheusPort == 0 {
		cfg.Metrics.PrometheusPort = 9090
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	switch c.General.LogFormat {
	case "json", "text":
	default:
		add("general.log_format %q: want json or text", c.General.LogFormat)
	}
	if !c.General.DryRun && c.Solana.RPC.PrivateKey == "" {
		add("solana.rpc.private_key is required outside dry run (set PRIVATE_KEY)")
	}
	if c.General.DryRun && c.Solana.PaperOwner != "" {
		if _, err := solana.ParsePubkey(c.Solana.PaperOwner); err != nil {
			add("solana.paper_owner: %v", err)
		}
	}

	switch c.Strategy.Kind {
	case strategy.KindVolume, strategy.KindPump:
	default:
		add("strategy.kind %q: want volume or pump", c.Strategy.Kind)
	}
	if len(c.Strategy.Pairs) == 0 {
		add("strategy.pairs: at least one pair is required")
	}
	seen := make(map[string]bool)
	for i, p := range c.Strategy.Pairs {
		if err := validatePair(p); err != nil {
			add("strategy.pairs[%d]: %v", i, err)
			continue
		}
		if seen[p.ID()] {
			add("strategy.pairs[%d]: duplicate pair %s", i, p.ID())
		}
		seen[p.ID()] = true
	}

	switch c.Storage.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			add("storage.dsn is required for the postgres driver")
		}
	default:
		add("storage.driver %q: want sqlite, postgres or memory", c.Storage.Driver)
	}

	if c.Kafka.Enabled {
		for _, b := range c.Kafka.Brokers {
			if strings.TrimSpace(b) == "" {
				add("kafka.brokers: empty broker address")
			}
		}
	}
	if c.Metrics.Enabled && (c.Metrics.PrometheusPort <= 0 || c.Metrics.PrometheusPort > 65535) {
		add("metrics.prometheus_port %d out of range", c.Metrics.PrometheusPort)
	}
	if c.Scheduler.MaxRetries <= 0 {
		add("scheduler.max_retries must be positive")
	}
	return errors.Join(errs...)
}

func validatePair(p scheduler.PairConfig) error {
	if _, err := solana.ParsePubkey(string(p.Base)); err != nil {
		return fmt.Errorf("base: %w", err)
	}
	if _, err := solana.ParsePubkey(string(p.Quote)); err != nil {
		return fmt.Errorf("quote: %w", err)
	}
	if p.Base == p.Quote {
		return fmt.Errorf("base and quote are the same mint")
	}
	if !p.MinTradeSize.IsPositive() {
		return fmt.Errorf("min_trade_size must be positive")
	}
	if p.MaxTradeSize.LessThan(p.MinTradeSize) {
		return fmt.Errorf("max_trade_size %s below min_trade_size %s", p.MaxTradeSize, p.MinTradeSize)
	}
	if p.VolumeAmount.IsNegative() {
		return fmt.Errorf("volume_amount must not be negative")
	}
	if p.SlippageBps < 0 || p.SlippageBps > 10_000 {
		return fmt.Errorf("slippage_bps %d out of range", p.SlippageBps)
	}
	switch p.PriorityFee.Level {
	case solana.PriorityMedium, solana.PriorityHigh, solana.PriorityVeryHigh:
	default:
		return fmt.Errorf("priority_fee.priority_level %q: want medium, high or veryHigh", p.PriorityFee.Level)
	}
	return nil
}

// Mints returns the traded token of every pair.
func (c *Config) Mints() []solana.Pubkey {
	out := make([]solana.Pubkey, 0, len(c.Strategy.Pairs))
	for _, p := range c.Strategy.Pairs {
		out = append(out, p.Quote)
	}
	return out
}

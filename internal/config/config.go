package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"dn-arb-bot/internal/domain"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        LoggingConfig      `yaml:"log"`
	State      StateConfig        `yaml:"state"`
	Metrics    MetricsConfig      `yaml:"metrics"`
	Timescale  TimescaleConfig    `yaml:"timescale"`
	Telegram   TelegramConfig     `yaml:"telegram"`
	Feed       FeedConfig         `yaml:"feed"`
	Engine     EngineConfig       `yaml:"engine"`
	Exchanges  []string           `yaml:"exchanges"`
	Instrument []InstrumentConfig `yaml:"instruments"`
	Pairs      []PairConfig       `yaml:"pairs"`
	HedgeRules []HedgeRuleConfig  `yaml:"hedge_rules"`
	Risk       RiskConfig         `yaml:"risk"`

	instruments map[string]domain.Instrument
	pairs       []domain.ArbitragePair
	hedgeRules  []domain.HedgeRule
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type FeedConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type EngineConfig struct {
	TickInterval  time.Duration `yaml:"tick_interval"`
	HedgeInterval time.Duration `yaml:"hedge_interval"`
	FeeBps        float64       `yaml:"fee_bps"`
	SlippageBps   float64       `yaml:"slippage_bps"`

	// Paper balances seed each configured exchange when no reconciled
	// balance source exists.
	PaperCashUSD   float64 `yaml:"paper_cash_usd"`
	PaperMarginUSD float64 `yaml:"paper_margin_usd"`
}

type InstrumentConfig struct {
	Symbol       string  `yaml:"symbol"`
	Exchange     string  `yaml:"exchange"`
	TradingPair  string  `yaml:"trading_pair"`
	Type         string  `yaml:"type"`
	Settlement   string  `yaml:"settlement"`
	Leverage     float64 `yaml:"leverage"`
	Expiry       string  `yaml:"expiry"`
	MinTradeSize float64 `yaml:"min_trade_size"`
}

type PairConfig struct {
	ID                    string      `yaml:"id"`
	LegA                  string      `yaml:"leg_a"`
	LegB                  string      `yaml:"leg_b"`
	Mode                  string      `yaml:"mode"`
	MinProfitThresholdBps float64     `yaml:"min_profit_threshold_bps"`
	MaxInventoryRatio     float64     `yaml:"max_inventory_ratio"`
	Enabled               *bool       `yaml:"enabled"`
	Risk                  *RiskConfig `yaml:"risk"`
}

type HedgeRuleConfig struct {
	Primary      string  `yaml:"primary"`
	Hedge        string  `yaml:"hedge"`
	Ratio        float64 `yaml:"ratio"`
	ThresholdBps float64 `yaml:"threshold_bps"`
	MaxSizeUSD   float64 `yaml:"max_size_usd"`
	MinSizeUSD   float64 `yaml:"min_size_usd"`
	Mode         string  `yaml:"mode"`
	Priority     int     `yaml:"priority"`
}

type RiskConfig struct {
	MaxInventorySizeUSD float64       `yaml:"max_inventory_size_usd"`
	MaxTradeSizeUSD     float64       `yaml:"max_trade_size_usd"`
	MinProfitBps        float64       `yaml:"min_profit_bps"`
	MaxProfitBps        float64       `yaml:"max_profit_bps"`
	StopLossBps         float64       `yaml:"stop_loss_bps"`
	TakeProfitBps       float64       `yaml:"take_profit_bps"`
	MaxPositionAge      time.Duration `yaml:"max_position_age"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	EntryFillWindow     time.Duration `yaml:"entry_fill_window"`
	MaxOrderRetries     int           `yaml:"max_order_retries"`
	MinDaysToExpiry     float64       `yaml:"min_days_to_expiry"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/dn-arb-bot.db"
	}
	if cfg.Feed.ReconnectDelay == 0 {
		cfg.Feed.ReconnectDelay = 3 * time.Second
	}
	if cfg.Feed.PingInterval == 0 {
		cfg.Feed.PingInterval = 15 * time.Second
	}
	if cfg.Engine.TickInterval == 0 {
		cfg.Engine.TickInterval = time.Second
	}
	if cfg.Engine.HedgeInterval == 0 {
		cfg.Engine.HedgeInterval = 5 * time.Second
	}
	if cfg.Engine.PaperCashUSD == 0 {
		cfg.Engine.PaperCashUSD = 100000
	}
	if cfg.Engine.PaperMarginUSD == 0 {
		cfg.Engine.PaperMarginUSD = 100000
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Risk.HeartbeatTimeout == 0 {
		cfg.Risk.HeartbeatTimeout = 60 * time.Second
	}
	if cfg.Risk.EntryFillWindow == 0 {
		cfg.Risk.EntryFillWindow = 10 * time.Second
	}
	if cfg.Risk.MaxOrderRetries == 0 {
		cfg.Risk.MaxOrderRetries = 5
	}
	if cfg.Risk.MaxPositionAge == 0 {
		cfg.Risk.MaxPositionAge = 2 * time.Hour
	}
	if cfg.Risk.MinDaysToExpiry == 0 {
		cfg.Risk.MinDaysToExpiry = 3
	}
}

// resolve builds the domain objects and rejects invalid configuration.
// Startup fails on any error; the engine never runs with partial config.
func (cfg *Config) resolve() error {
	if len(cfg.Exchanges) == 0 {
		return errors.New("at least one exchange is required")
	}
	known := make(map[string]struct{}, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		if ex == "" {
			return errors.New("exchange name must not be empty")
		}
		known[ex] = struct{}{}
	}

	cfg.instruments = make(map[string]domain.Instrument, len(cfg.Instrument))
	for _, ic := range cfg.Instrument {
		inst, err := ic.toDomain()
		if err != nil {
			return err
		}
		if _, ok := known[inst.Exchange]; !ok {
			return fmt.Errorf("instrument %s references unknown exchange %q", inst.Symbol, inst.Exchange)
		}
		if _, dup := cfg.instruments[inst.Symbol]; dup {
			return fmt.Errorf("duplicate instrument symbol %q", inst.Symbol)
		}
		cfg.instruments[inst.Symbol] = inst
	}

	globalRisk := cfg.Risk.toDomain()
	if err := globalRisk.Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}

	if len(cfg.Pairs) == 0 {
		return errors.New("at least one pair is required")
	}
	seenPair := make(map[string]struct{}, len(cfg.Pairs))
	cfg.pairs = make([]domain.ArbitragePair, 0, len(cfg.Pairs))
	for _, pc := range cfg.Pairs {
		if _, dup := seenPair[pc.ID]; dup {
			return fmt.Errorf("duplicate pair id %q", pc.ID)
		}
		seenPair[pc.ID] = struct{}{}
		legA, err := cfg.lookup(pc.LegA)
		if err != nil {
			return fmt.Errorf("pair %s: %w", pc.ID, err)
		}
		legB, err := cfg.lookup(pc.LegB)
		if err != nil {
			return fmt.Errorf("pair %s: %w", pc.ID, err)
		}
		pair := domain.ArbitragePair{
			ID:                    pc.ID,
			LegA:                  legA,
			LegB:                  legB,
			Mode:                  domain.ArbitrageMode(pc.Mode),
			MinProfitThresholdBps: pc.MinProfitThresholdBps,
			MaxInventoryRatio:     pc.MaxInventoryRatio,
			Enabled:               pc.Enabled == nil || *pc.Enabled,
		}
		if pc.Risk != nil {
			override := pc.Risk.toDomain()
			pair.Risk = &override
		}
		if err := pair.Validate(); err != nil {
			return err
		}
		cfg.pairs = append(cfg.pairs, pair)
	}

	cfg.hedgeRules = make([]domain.HedgeRule, 0, len(cfg.HedgeRules))
	for i, hc := range cfg.HedgeRules {
		primary, err := cfg.lookup(hc.Primary)
		if err != nil {
			return fmt.Errorf("hedge rule %d: %w", i, err)
		}
		hedge, err := cfg.lookup(hc.Hedge)
		if err != nil {
			return fmt.Errorf("hedge rule %d: %w", i, err)
		}
		rule := domain.HedgeRule{
			Primary:      primary,
			Hedge:        hedge,
			Ratio:        hc.Ratio,
			ThresholdBps: hc.ThresholdBps,
			MaxSizeUSD:   hc.MaxSizeUSD,
			MinSizeUSD:   hc.MinSizeUSD,
			Mode:         domain.HedgeMode(hc.Mode),
			Priority:     hc.Priority,
		}
		if rule.Mode == "" {
			rule.Mode = domain.HedgeImmediate
		}
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("hedge rule %d: %w", i, err)
		}
		cfg.hedgeRules = append(cfg.hedgeRules, rule)
	}
	return nil
}

func (cfg *Config) lookup(symbol string) (domain.Instrument, error) {
	if symbol == "" {
		return domain.Instrument{}, errors.New("instrument reference is empty")
	}
	inst, ok := cfg.instruments[symbol]
	if !ok {
		return domain.Instrument{}, fmt.Errorf("unknown instrument %q", symbol)
	}
	return inst, nil
}

func (ic InstrumentConfig) toDomain() (domain.Instrument, error) {
	inst := domain.Instrument{
		Symbol:       ic.Symbol,
		Exchange:     ic.Exchange,
		TradingPair:  ic.TradingPair,
		Type:         domain.InstrumentType(ic.Type),
		Settlement:   domain.Settlement(ic.Settlement),
		Leverage:     ic.Leverage,
		MinTradeSize: ic.MinTradeSize,
	}
	if inst.Settlement == "" {
		if inst.Type == domain.TypeSpot {
			inst.Settlement = domain.SettleCash
		} else {
			inst.Settlement = domain.SettleMargin
		}
	}
	if ic.Expiry != "" {
		expiry, err := time.Parse(time.RFC3339, ic.Expiry)
		if err != nil {
			return domain.Instrument{}, fmt.Errorf("instrument %s: invalid expiry: %w", ic.Symbol, err)
		}
		inst.Expiry = expiry.UTC()
	}
	return inst, inst.Validate()
}

func (rc RiskConfig) toDomain() domain.RiskParameters {
	return domain.RiskParameters{
		MaxInventorySizeUSD: rc.MaxInventorySizeUSD,
		MaxTradeSizeUSD:     rc.MaxTradeSizeUSD,
		MinProfitBps:        rc.MinProfitBps,
		MaxProfitBps:        rc.MaxProfitBps,
		StopLossBps:         rc.StopLossBps,
		TakeProfitBps:       rc.TakeProfitBps,
		MaxPositionAge:      rc.MaxPositionAge,
		HeartbeatTimeout:    rc.HeartbeatTimeout,
		EntryFillWindow:     rc.EntryFillWindow,
		MaxOrderRetries:     rc.MaxOrderRetries,
		MinDaysToExpiry:     rc.MinDaysToExpiry,
	}
}

// ArbitragePairs returns the resolved pairs. The slice is a copy; the
// configuration is immutable for the run.
func (cfg *Config) ArbitragePairs() []domain.ArbitragePair {
	out := make([]domain.ArbitragePair, len(cfg.pairs))
	copy(out, cfg.pairs)
	return out
}

func (cfg *Config) DomainHedgeRules() []domain.HedgeRule {
	out := make([]domain.HedgeRule, len(cfg.hedgeRules))
	copy(out, cfg.hedgeRules)
	return out
}

func (cfg *Config) RiskParameters() domain.RiskParameters {
	return cfg.Risk.toDomain()
}

func (cfg *Config) Instruments() []domain.Instrument {
	out := make([]domain.Instrument, 0, len(cfg.instruments))
	for _, inst := range cfg.instruments {
		out = append(out, inst)
	}
	return out
}

// InstrumentsByKey indexes resolved instruments by exchange:trading_pair.
func (cfg *Config) InstrumentsByKey() map[string]domain.Instrument {
	out := make(map[string]domain.Instrument, len(cfg.instruments))
	for _, inst := range cfg.instruments {
		out[inst.Key()] = inst
	}
	return out
}

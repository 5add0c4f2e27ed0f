package domain

import (
	"errors"
	"fmt"
	"time"
)

type ArbitrageMode string

const (
	ModeFundingRate ArbitrageMode = "funding_rate"
	ModePriceSpread ArbitrageMode = "price_spread"
	ModeBasis       ArbitrageMode = "basis"
)

// ArbitragePair couples two instruments traded against each other. The entry
// direction per leg is decided at evaluation time from the signal sign.
type ArbitragePair struct {
	ID                    string
	LegA                  Instrument
	LegB                  Instrument
	Mode                  ArbitrageMode
	MinProfitThresholdBps float64
	MaxInventoryRatio     float64
	Enabled               bool
	Risk                  *RiskParameters
}

func (p ArbitragePair) Validate() error {
	if p.ID == "" {
		return errors.New("pair id is required")
	}
	if err := p.LegA.Validate(); err != nil {
		return fmt.Errorf("pair %s leg_a: %w", p.ID, err)
	}
	if err := p.LegB.Validate(); err != nil {
		return fmt.Errorf("pair %s leg_b: %w", p.ID, err)
	}
	if p.LegA.Key() == p.LegB.Key() {
		return fmt.Errorf("pair %s: legs reference the same market %s", p.ID, p.LegA.Key())
	}
	switch p.Mode {
	case ModeFundingRate:
		if !p.LegA.HasFunding() && !p.LegB.HasFunding() {
			return fmt.Errorf("pair %s: funding_rate mode requires a perpetual leg", p.ID)
		}
	case ModePriceSpread:
	case ModeBasis:
		if !p.LegA.HasExpiry() && !p.LegB.HasExpiry() {
			return fmt.Errorf("pair %s: basis mode requires a dated future leg", p.ID)
		}
		if p.LegA.Type != TypeSpot && p.LegB.Type != TypeSpot {
			return fmt.Errorf("pair %s: basis mode requires a spot leg", p.ID)
		}
	default:
		return fmt.Errorf("pair %s: unknown mode %q", p.ID, p.Mode)
	}
	if p.MaxInventoryRatio <= 0 || p.MaxInventoryRatio > 1 {
		return fmt.Errorf("pair %s: max_inventory_ratio must be in (0, 1]", p.ID)
	}
	if p.MinProfitThresholdBps < 0 {
		return fmt.Errorf("pair %s: min_profit_threshold_bps must be >= 0", p.ID)
	}
	if p.Risk != nil {
		if err := p.Risk.Validate(); err != nil {
			return fmt.Errorf("pair %s risk: %w", p.ID, err)
		}
	}
	return nil
}

// Exchanges lists the distinct exchanges this pair touches.
func (p ArbitragePair) Exchanges() []string {
	if p.LegA.Exchange == p.LegB.Exchange {
		return []string{p.LegA.Exchange}
	}
	return []string{p.LegA.Exchange, p.LegB.Exchange}
}

// Touches reports whether either leg trades on the given exchange.
func (p ArbitragePair) Touches(exchange string) bool {
	return p.LegA.Exchange == exchange || p.LegB.Exchange == exchange
}

// EffectiveRisk merges the pair override, if any, over the global parameters.
func (p ArbitragePair) EffectiveRisk(global RiskParameters) RiskParameters {
	if p.Risk == nil {
		return global
	}
	return *p.Risk
}

// RiskParameters bound position taking. All sizes are denominated in the
// quote currency.
type RiskParameters struct {
	MaxInventorySizeUSD float64
	MaxTradeSizeUSD     float64
	MinProfitBps        float64
	MaxProfitBps        float64
	StopLossBps         float64
	TakeProfitBps       float64
	MaxPositionAge      time.Duration
	HeartbeatTimeout    time.Duration
	EntryFillWindow     time.Duration
	MaxOrderRetries     int
	MinDaysToExpiry     float64
}

func (r RiskParameters) Validate() error {
	if r.MaxInventorySizeUSD <= 0 {
		return errors.New("max_inventory_size_usd must be > 0")
	}
	if r.MaxTradeSizeUSD <= 0 {
		return errors.New("max_trade_size_usd must be > 0")
	}
	if r.MinProfitBps < 0 {
		return errors.New("min_profit_bps must be >= 0")
	}
	if r.MaxProfitBps > 0 && r.MinProfitBps > r.MaxProfitBps {
		return errors.New("min_profit_bps exceeds max_profit_bps")
	}
	if r.StopLossBps < 0 || r.TakeProfitBps < 0 {
		return errors.New("stop_loss_bps and take_profit_bps must be >= 0")
	}
	if r.HeartbeatTimeout <= 0 {
		return errors.New("heartbeat_timeout must be > 0")
	}
	if r.EntryFillWindow <= 0 {
		return errors.New("entry_fill_window must be > 0")
	}
	if r.MaxOrderRetries <= 0 {
		return errors.New("max_order_retries must be > 0")
	}
	return nil
}

type HedgeMode string

const (
	HedgeImmediate HedgeMode = "immediate"
	HedgeScheduled HedgeMode = "scheduled"
)

// HedgeRule drives delta correction independent of pair entry logic.
type HedgeRule struct {
	Primary      Instrument
	Hedge        Instrument
	Ratio        float64
	ThresholdBps float64
	MaxSizeUSD   float64
	MinSizeUSD   float64
	Mode         HedgeMode
	Priority     int
}

func (h HedgeRule) Validate() error {
	if err := h.Primary.Validate(); err != nil {
		return fmt.Errorf("hedge primary: %w", err)
	}
	if err := h.Hedge.Validate(); err != nil {
		return fmt.Errorf("hedge instrument: %w", err)
	}
	if h.Primary.Key() == h.Hedge.Key() {
		return fmt.Errorf("hedge rule: primary and hedge reference the same market %s", h.Primary.Key())
	}
	if h.Ratio == 0 {
		return errors.New("hedge rule: ratio must be non-zero")
	}
	if h.ThresholdBps <= 0 {
		return errors.New("hedge rule: threshold_bps must be > 0")
	}
	if h.MaxSizeUSD <= 0 {
		return errors.New("hedge rule: max_size_usd must be > 0")
	}
	if h.MinSizeUSD < 0 || h.MinSizeUSD > h.MaxSizeUSD {
		return errors.New("hedge rule: min_size_usd must be in [0, max_size_usd]")
	}
	switch h.Mode {
	case HedgeImmediate, HedgeScheduled:
	default:
		return fmt.Errorf("hedge rule: unknown mode %q", h.Mode)
	}
	return nil
}

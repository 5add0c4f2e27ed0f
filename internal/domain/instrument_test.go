package domain

import (
	"testing"
	"time"
)

func perp(symbol, exchange, pair string) Instrument {
	return Instrument{
		Symbol:      symbol,
		Exchange:    exchange,
		TradingPair: pair,
		Type:        TypePerpetual,
		Settlement:  SettleMargin,
		Leverage:    10,
	}
}

func spot(symbol, exchange, pair string) Instrument {
	return Instrument{
		Symbol:      symbol,
		Exchange:    exchange,
		TradingPair: pair,
		Type:        TypeSpot,
		Settlement:  SettleCash,
	}
}

func TestInstrumentCapabilities(t *testing.T) {
	s := spot("BTC-SPOT", "binance", "BTC-USDT")
	if !s.AffectsCashBalance() || s.AffectsMarginExposure() {
		t.Fatalf("spot must settle cash only")
	}
	if s.HasFunding() || s.HasExpiry() {
		t.Fatalf("spot has neither funding nor expiry")
	}

	p := perp("BTC-PERP", "okx", "BTC-USDT-SWAP")
	if p.AffectsCashBalance() || !p.AffectsMarginExposure() {
		t.Fatalf("perp must settle margin only")
	}
	if !p.HasFunding() {
		t.Fatalf("perp has funding")
	}

	f := Instrument{
		Symbol:      "BTC-0926",
		Exchange:    "okx",
		TradingPair: "BTC-USD-260926",
		Type:        TypeDatedFuture,
		Settlement:  SettleMargin,
		Expiry:      time.Now().Add(90 * 24 * time.Hour),
	}
	if !f.HasExpiry() || f.HasFunding() {
		t.Fatalf("dated future has expiry, no funding")
	}
}

func TestInstrumentValidate(t *testing.T) {
	bad := spot("BTC-SPOT", "binance", "BTC-USDT")
	bad.Settlement = SettleMargin
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for margin-settled spot")
	}

	fut := perp("BTC-FUT", "okx", "BTC-USD-260926")
	fut.Type = TypeDatedFuture
	if err := fut.Validate(); err == nil {
		t.Fatalf("expected error for dated future without expiry")
	}
}

func TestPairValidateDistinctMarkets(t *testing.T) {
	p := ArbitragePair{
		ID:                "dup",
		LegA:              perp("A", "okx", "BTC-USDT-SWAP"),
		LegB:              perp("B", "okx", "BTC-USDT-SWAP"),
		Mode:              ModeFundingRate,
		MaxInventoryRatio: 0.5,
	}
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for duplicate (exchange, trading_pair)")
	}
}

func TestPairValidateFundingModeNeedsPerp(t *testing.T) {
	p := ArbitragePair{
		ID:                "no-perp",
		LegA:              spot("A", "binance", "BTC-USDT"),
		LegB:              spot("B", "okx", "BTC-USDT"),
		Mode:              ModeFundingRate,
		MaxInventoryRatio: 0.5,
	}
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for funding pair without perpetual leg")
	}
}

func TestEffectiveRiskOverride(t *testing.T) {
	global := RiskParameters{MaxTradeSizeUSD: 1000}
	override := RiskParameters{MaxTradeSizeUSD: 250}
	p := ArbitragePair{Risk: &override}
	if got := p.EffectiveRisk(global).MaxTradeSizeUSD; got != 250 {
		t.Fatalf("expected override 250, got %f", got)
	}
	p.Risk = nil
	if got := p.EffectiveRisk(global).MaxTradeSizeUSD; got != 1000 {
		t.Fatalf("expected global 1000, got %f", got)
	}
}

func TestRiskParametersValidate(t *testing.T) {
	r := RiskParameters{
		MaxInventorySizeUSD: 10000,
		MaxTradeSizeUSD:     1000,
		MinProfitBps:        20,
		MaxProfitBps:        10,
		HeartbeatTimeout:    time.Minute,
		EntryFillWindow:     5 * time.Second,
		MaxOrderRetries:     3,
	}
	if err := r.Validate(); err == nil {
		t.Fatalf("expected error for min_profit_bps > max_profit_bps")
	}
	r.MaxProfitBps = 50
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHedgeRuleValidate(t *testing.T) {
	rule := HedgeRule{
		Primary:      spot("BTC-SPOT", "binance", "BTC-USDT"),
		Hedge:        perp("BTC-PERP", "okx", "BTC-USDT-SWAP"),
		Ratio:        1,
		ThresholdBps: 15,
		MaxSizeUSD:   5000,
		MinSizeUSD:   100,
		Mode:         HedgeImmediate,
	}
	if err := rule.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rule.Ratio = 0
	if err := rule.Validate(); err == nil {
		t.Fatalf("expected error for zero ratio")
	}
}

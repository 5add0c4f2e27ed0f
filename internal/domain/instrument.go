package domain

import (
	"errors"
	"fmt"
	"time"
)

type InstrumentType string

const (
	TypeSpot        InstrumentType = "spot"
	TypePerpetual   InstrumentType = "perpetual"
	TypeDatedFuture InstrumentType = "dated_future"
)

type Settlement string

const (
	SettleCash   Settlement = "cash"
	SettleMargin Settlement = "margin"
)

// Instrument describes a single tradable contract. Instances are built from
// configuration and never mutated after startup.
type Instrument struct {
	Symbol       string
	Exchange     string
	TradingPair  string
	Type         InstrumentType
	Settlement   Settlement
	Leverage     float64
	Expiry       time.Time
	MinTradeSize float64
}

// Key identifies the instrument's market: one writer per key mutates ledger
// state.
func (i Instrument) Key() string {
	return i.Exchange + ":" + i.TradingPair
}

func (i Instrument) AffectsCashBalance() bool {
	return i.Settlement == SettleCash
}

func (i Instrument) AffectsMarginExposure() bool {
	return i.Settlement == SettleMargin
}

func (i Instrument) HasFunding() bool {
	return i.Type == TypePerpetual
}

func (i Instrument) HasExpiry() bool {
	return i.Type == TypeDatedFuture
}

// EffectiveLeverage treats unset leverage as 1x.
func (i Instrument) EffectiveLeverage() float64 {
	if i.Leverage <= 0 {
		return 1
	}
	return i.Leverage
}

func (i Instrument) Validate() error {
	if i.Symbol == "" {
		return errors.New("instrument symbol is required")
	}
	if i.Exchange == "" {
		return fmt.Errorf("instrument %s: exchange is required", i.Symbol)
	}
	if i.TradingPair == "" {
		return fmt.Errorf("instrument %s: trading_pair is required", i.Symbol)
	}
	switch i.Type {
	case TypeSpot, TypePerpetual, TypeDatedFuture:
	default:
		return fmt.Errorf("instrument %s: unknown type %q", i.Symbol, i.Type)
	}
	switch i.Settlement {
	case SettleCash, SettleMargin:
	default:
		return fmt.Errorf("instrument %s: unknown settlement %q", i.Symbol, i.Settlement)
	}
	if i.Type == TypeSpot && i.Settlement != SettleCash {
		return fmt.Errorf("instrument %s: spot instruments settle cash", i.Symbol)
	}
	if i.Type != TypeSpot && i.Settlement != SettleMargin {
		return fmt.Errorf("instrument %s: derivative instruments settle margin", i.Symbol)
	}
	if i.Type == TypeDatedFuture && i.Expiry.IsZero() {
		return fmt.Errorf("instrument %s: dated_future requires expiry", i.Symbol)
	}
	if i.Leverage < 0 {
		return fmt.Errorf("instrument %s: leverage must be >= 0", i.Symbol)
	}
	if i.MinTradeSize < 0 {
		return fmt.Errorf("instrument %s: min_trade_size must be >= 0", i.Symbol)
	}
	return nil
}

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

func (s Side) Sign() float64 {
	switch s {
	case SideLong:
		return 1
	case SideShort:
		return -1
	default:
		return 0
	}
}

// Leg is an instrument plus the direction and quantity the strategy wants to
// hold on it.
type Leg struct {
	Instrument Instrument
	Side       Side
	Quantity   float64
}

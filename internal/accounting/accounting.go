package accounting

import (
	"math"

	"dn-arb-bot/internal/ledger"
)

// PortfolioState is derived bottom-up from positions and marks on every
// evaluation. Nothing here is inferred from cash flow: a margin-settled
// position contributes exposure without ever having moved spendable balance.
type PortfolioState struct {
	NetDelta           float64
	TotalExposure      float64
	TotalUnrealizedPnL float64
	TotalRealizedPnL   float64
	TotalFundingPnL    float64

	CashByExchange            map[string]float64
	AvailableMarginByExchange map[string]float64

	ExposureByPair map[string]float64
	PnLByPair      map[string]float64
	NotionalByKey  map[string]float64
}

// Compute folds a ledger snapshot and current marks into portfolio state.
// Net delta is the sum of signed notionals across every instrument
// regardless of how it settles or what leverage it runs at: a 1x spot long
// and a 5x perp short of equal notional are flat. Leverage only enters
// margin consumption.
func Compute(snap ledger.Snapshot, marks map[string]float64) PortfolioState {
	ps := PortfolioState{
		CashByExchange:            make(map[string]float64, len(snap.CashByExchange)),
		AvailableMarginByExchange: make(map[string]float64, len(snap.MarginByExchange)),
		ExposureByPair:            make(map[string]float64),
		PnLByPair:                 make(map[string]float64),
		NotionalByKey:             make(map[string]float64),
	}
	for ex, v := range snap.CashByExchange {
		ps.CashByExchange[ex] = v
	}
	for ex, v := range snap.MarginByExchange {
		ps.AvailableMarginByExchange[ex] = v
	}

	for _, pos := range snap.Positions {
		key := pos.Instrument.Key()
		mark, ok := marks[key]
		if !ok {
			// No mark: fall back to entry so exposure never silently drops
			// to zero on a quote gap.
			mark = pos.AvgEntryPrice
		}
		notional := pos.Notional(mark)
		ps.NotionalByKey[key] += notional
		ps.NetDelta += notional
		ps.TotalExposure += math.Abs(notional)
		ps.ExposureByPair[pos.PairID] += math.Abs(notional)

		upnl := pos.UnrealizedPnL(mark)
		ps.TotalUnrealizedPnL += upnl
		ps.TotalRealizedPnL += pos.RealizedPnL
		ps.TotalFundingPnL += pos.FundingPnL
		ps.PnLByPair[pos.PairID] += upnl + pos.RealizedPnL

		// Margin consumed by open derivative positions reduces what is left
		// to place new trades with.
		if pos.Instrument.AffectsMarginExposure() {
			ps.AvailableMarginByExchange[pos.Instrument.Exchange] -= math.Abs(notional) / pos.Instrument.EffectiveLeverage()
			ps.AvailableMarginByExchange[pos.Instrument.Exchange] += upnl
		}
	}
	return ps
}

// PairPnLBps expresses a pair's total P&L in basis points of its current
// exposure. Returns 0 for a flat pair.
func (ps PortfolioState) PairPnLBps(pairID string) float64 {
	expo := ps.ExposureByPair[pairID]
	if expo <= 0 {
		return 0
	}
	// Exposure counts both legs; P&L is measured against one side.
	return ps.PnLByPair[pairID] / (expo / 2) * 10000
}

// PairInventory returns the pair's gross exposure in USD.
func (ps PortfolioState) PairInventory(pairID string) float64 {
	return ps.ExposureByPair[pairID]
}

// AvailableMargin returns the spendable margin on an exchange after open
// positions are accounted for.
func (ps PortfolioState) AvailableMargin(exchange string) float64 {
	return ps.AvailableMarginByExchange[exchange]
}

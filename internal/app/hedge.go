package app

import (
	"context"
	"time"

	"dn-arb-bot/internal/accounting"
	"dn-arb-bot/internal/domain"
	"dn-arb-bot/internal/hedge"
	"dn-arb-bot/internal/risk"
	"dn-arb-bot/internal/timescale"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// runHedger drives the scheduled hedge rules and publishes portfolio state.
// Immediate rules are additionally re-planned from the fill pump; running
// them here too corrects any drift from funding or mark moves.
func (a *App) runHedger(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Engine.HedgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.accrueFunding(time.Now().UTC())
			a.publishPortfolio()
			if a.emergency.Load() {
				continue
			}
			a.hedgePass(ctx, domain.HedgeScheduled)
			a.hedgePass(ctx, domain.HedgeImmediate)
		}
	}
}

// hedgePass plans against the current portfolio and executes the actions
// whose rule mode matches.
func (a *App) hedgePass(ctx context.Context, mode domain.HedgeMode) {
	if a.emergency.Load() {
		return
	}
	ps := a.portfolio()
	for _, action := range a.hedger.Plan(ps) {
		if action.Rule.Mode != mode {
			continue
		}
		a.executeHedge(ctx, action, ps)
	}
}

func (a *App) executeHedge(ctx context.Context, action hedge.Action, ps accounting.PortfolioState) {
	quote, ok := a.md.Quote(action.Instrument.Key())
	if !ok || quote.Mid() <= 0 {
		a.log.Warn("no quote for hedge instrument",
			zap.String("market", action.Instrument.Key()))
		return
	}
	// Hedges draw from the same settlement budget as entries.
	notional := action.NotionalUSD
	if budget := risk.LegBudget(action.Instrument, ps); budget < notional {
		a.log.Warn("hedge clamped to settlement budget",
			zap.String("market", action.Instrument.Key()),
			zap.Float64("wanted_usd", notional),
			zap.Float64("budget_usd", budget))
		notional = budget
	}
	if notional <= 0 {
		return
	}
	qty := notional / quote.Mid()
	if qty < action.Instrument.MinTradeSize {
		a.log.Debug("hedge below min trade size",
			zap.String("market", action.Instrument.Key()),
			zap.Float64("qty", qty))
		return
	}
	intent := domain.OrderIntent{
		Instrument:    action.Instrument,
		IsBuy:         action.IsBuy,
		Quantity:      qty,
		Purpose:       domain.PurposeHedge,
		ClientOrderID: uuid.NewString(),
	}
	if _, err := a.placeIntent(ctx, intent); err != nil {
		a.log.Warn("hedge order failed",
			zap.String("market", action.Instrument.Key()),
			zap.Error(err))
		return
	}
	a.metrics.HedgesPlaced.Inc()
	a.log.Info("hedge placed",
		zap.String("market", action.Instrument.Key()),
		zap.Bool("buy", action.IsBuy),
		zap.Float64("notional_usd", notional),
		zap.Float64("imbalance_bps", action.ImbalanceBps))
}

// accrueFunding settles funding payments onto perpetual positions once per
// funding event. Longs pay a positive rate, shorts receive it. Only the
// hedger goroutine touches lastFunding.
func (a *App) accrueFunding(now time.Time) {
	if a.lastFunding == nil {
		a.lastFunding = make(map[string]time.Time)
	}
	for _, pos := range a.ledger.Snapshot().Positions {
		if !pos.Instrument.HasFunding() || pos.IsFlat() {
			continue
		}
		f, ok := a.md.Funding(pos.Instrument.Key())
		if !ok || f.NextFunding.IsZero() || now.Before(f.NextFunding) {
			continue
		}
		key := pos.PairID + "|" + pos.Instrument.Key()
		if last, seen := a.lastFunding[key]; seen && !f.NextFunding.After(last) {
			continue
		}
		a.lastFunding[key] = f.NextFunding
		mark := pos.AvgEntryPrice
		if quote, ok := a.md.Quote(pos.Instrument.Key()); ok && quote.Mid() > 0 {
			mark = quote.Mid()
		}
		payment := -pos.Quantity * mark * f.Rate
		a.ledger.ApplyFunding(pos.PairID, pos.Instrument, payment, now)
		a.log.Debug("funding settled",
			zap.String("pair", pos.PairID),
			zap.String("market", pos.Instrument.Key()),
			zap.Float64("payment", payment))
	}
}

func (a *App) publishPortfolio() {
	ps := a.portfolio()
	a.metrics.NetDeltaUSD.Set(ps.NetDelta)
	a.metrics.TotalExposureUSD.Set(ps.TotalExposure)
	a.metrics.RealizedPnLUSD.Set(ps.TotalRealizedPnL)
	snap := a.ledger.Snapshot()
	a.timescale.EnqueuePortfolio(timescale.PortfolioSnapshot{
		Time:             time.Now().UTC(),
		NetDeltaUSD:      ps.NetDelta,
		TotalExposureUSD: ps.TotalExposure,
		UnrealizedPnL:    ps.TotalUnrealizedPnL,
		RealizedPnL:      ps.TotalRealizedPnL,
		FundingPnL:       ps.TotalFundingPnL,
		OpenOrders:       len(snap.OpenOrders),
		OpenPositions:    len(snap.Positions),
	})
}

package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"dn-arb-bot/internal/alerts"
	"dn-arb-bot/internal/domain"
	"dn-arb-bot/internal/evaluator"
	"dn-arb-bot/internal/exec"
	"dn-arb-bot/internal/ledger"
	"dn-arb-bot/internal/risk"
	"dn-arb-bot/internal/timescale"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type pairRuntime struct {
	pair domain.ArbitragePair
	risk domain.RiskParameters
	sm   *risk.StateMachine

	entryPlacedAt time.Time
	openedAt      time.Time
}

func (a *App) runPair(ctx context.Context, rt *pairRuntime) error {
	ticker := time.NewTicker(a.cfg.Engine.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.tickPair(ctx, rt)
		}
	}
}

func (a *App) tickPair(ctx context.Context, rt *pairRuntime) {
	if a.emergency.Load() {
		if rt.sm.Current() != risk.StateEmergencyStopped {
			rt.sm.Apply(risk.EventEmergencyStop)
		}
		return
	}
	now := time.Now().UTC()
	if err := risk.CheckFreshness(rt.pair, rt.risk, a.exchangeAges(rt.pair, now)); err != nil {
		a.metrics.StaleTicks.Inc()
		if !a.ledger.IsFlat(rt.pair.ID) || len(a.ledger.OpenOrdersForPair(rt.pair.ID)) > 0 {
			a.triggerEmergency(ctx, fmt.Sprintf("pair %s: %v with exposure on book", rt.pair.ID, err))
			return
		}
		a.log.Warn("pair paused on stale data", zap.String("pair", rt.pair.ID), zap.Error(err))
		return
	}

	switch rt.sm.Current() {
	case risk.StateIdle:
		rt.sm.Apply(risk.EventEvaluate)
	case risk.StateEvaluating:
		a.evaluatePair(ctx, rt, now)
	case risk.StateEntering:
		a.checkEntry(ctx, rt, now)
	case risk.StateMonitoring:
		a.monitorPair(ctx, rt, now)
	case risk.StateUnwinding:
		a.checkUnwind(ctx, rt)
	case risk.StateClosed:
		rt.openedAt = time.Time{}
		rt.entryPlacedAt = time.Time{}
		rt.sm.Apply(risk.EventReset)
	}
}

func (a *App) exchangeAges(pair domain.ArbitragePair, now time.Time) map[string]time.Duration {
	ages := make(map[string]time.Duration, 2)
	for _, ex := range pair.Exchanges() {
		if age, ok := a.md.ExchangeAge(ex, now); ok {
			ages[ex] = age
		}
	}
	return ages
}

func (a *App) evaluatePair(ctx context.Context, rt *pairRuntime, now time.Time) {
	sig, err := a.evaluator.Evaluate(rt.pair, rt.risk)
	if err != nil {
		switch {
		case errors.Is(err, evaluator.ErrNoQuote), errors.Is(err, evaluator.ErrExpiryTooNear):
			a.log.Debug("pair not evaluable", zap.String("pair", rt.pair.ID), zap.Error(err))
		case errors.Is(err, evaluator.ErrSuspiciousEdge):
			a.log.Warn("edge rejected as suspicious", zap.String("pair", rt.pair.ID), zap.Error(err))
		default:
			a.log.Warn("evaluation failed", zap.String("pair", rt.pair.ID), zap.Error(err))
		}
		rt.sm.Apply(risk.EventNoOpportunity)
		return
	}

	threshold := rt.pair.MinProfitThresholdBps
	if rt.risk.MinProfitBps > threshold {
		threshold = rt.risk.MinProfitBps
	}
	viable := sig.Viable(threshold)
	a.recordSignal(sig, viable)
	if !viable {
		rt.sm.Apply(risk.EventNoOpportunity)
		return
	}

	ps := a.portfolio()
	sizeUSD, err := risk.SizeEntry(rt.pair, rt.risk, ps)
	if err != nil {
		a.log.Debug("no entry capacity", zap.String("pair", rt.pair.ID), zap.Error(err))
		rt.sm.Apply(risk.EventNoOpportunity)
		return
	}
	longQty := sizeUSD / sig.LongMark
	shortQty := sizeUSD / sig.ShortMark
	if longQty < sig.LongLeg.MinTradeSize || shortQty < sig.ShortLeg.MinTradeSize {
		a.log.Debug("entry below min trade size", zap.String("pair", rt.pair.ID),
			zap.Float64("size_usd", sizeUSD))
		rt.sm.Apply(risk.EventNoOpportunity)
		return
	}

	a.log.Info("entering pair",
		zap.String("pair", rt.pair.ID),
		zap.String("mode", string(sig.Mode)),
		zap.Float64("net_edge_bps", sig.NetEdgeBps),
		zap.Float64("size_usd", sizeUSD),
		zap.String("long", sig.LongLeg.Key()),
		zap.String("short", sig.ShortLeg.Key()))

	rt.sm.Apply(risk.EventEnter)
	rt.entryPlacedAt = now

	legs := []domain.OrderIntent{
		{
			PairID:        rt.pair.ID,
			Instrument:    sig.LongLeg,
			IsBuy:         true,
			Quantity:      longQty,
			Purpose:       domain.PurposeEnter,
			ClientOrderID: uuid.NewString(),
		},
		{
			PairID:        rt.pair.ID,
			Instrument:    sig.ShortLeg,
			IsBuy:         false,
			Quantity:      shortQty,
			Purpose:       domain.PurposeEnter,
			ClientOrderID: uuid.NewString(),
		},
	}
	for i, intent := range legs {
		if _, err := a.placeIntent(ctx, intent); err != nil {
			a.log.Error("entry leg failed",
				zap.String("pair", rt.pair.ID),
				zap.Int("leg", i),
				zap.Error(err))
			// A one-legged book is directional exposure; unwind whatever
			// landed rather than waiting for the fill window.
			a.startUnwind(ctx, rt, "entry_failed")
			return
		}
	}
	a.metrics.EntriesOpened.Inc()
}

func (a *App) checkEntry(ctx context.Context, rt *pairRuntime, now time.Time) {
	var pending int
	for _, o := range a.ledger.OpenOrdersForPair(rt.pair.ID) {
		if o.Purpose == domain.PurposeEnter {
			pending++
		}
	}
	if pending == 0 {
		rt.openedAt = now
		rt.sm.Apply(risk.EventEntered)
		a.log.Info("pair entered", zap.String("pair", rt.pair.ID))
		return
	}
	if risk.FillWindowExceeded(rt.risk, rt.entryPlacedAt, now) {
		a.log.Warn("entry fill window exceeded",
			zap.String("pair", rt.pair.ID),
			zap.Int("pending_legs", pending),
			zap.Error(risk.ErrPartialFill))
		a.startUnwind(ctx, rt, "partial_fill")
	}
}

func (a *App) monitorPair(ctx context.Context, rt *pairRuntime, now time.Time) {
	ps := a.portfolio()
	pnlBps := ps.PairPnLBps(rt.pair.ID)
	reason, ok := risk.ShouldUnwind(rt.risk, pnlBps, rt.openedAt, now)
	if !ok {
		if !a.signalReversed(rt) {
			return
		}
		reason = "signal_reversal"
	}
	a.log.Info("unwind triggered",
		zap.String("pair", rt.pair.ID),
		zap.String("reason", string(reason)),
		zap.Float64("pnl_bps", pnlBps))
	if err := a.alerts.Send(ctx, alerts.Alert{
		Kind:        alerts.KindUnwind,
		PairID:      rt.pair.ID,
		Reason:      string(reason),
		PnLBps:      pnlBps,
		NetDeltaUSD: ps.NetDelta,
		ExposureUSD: ps.ExposureByPair[rt.pair.ID],
	}); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
	a.startUnwind(ctx, rt, string(reason))
}

// signalReversed reports whether the edge now points the other way: the leg
// held long is the one a fresh viable signal wants short. Holding through a
// reversal pays the carry instead of earning it.
func (a *App) signalReversed(rt *pairRuntime) bool {
	sig, err := a.evaluator.Evaluate(rt.pair, rt.risk)
	if err != nil {
		return false
	}
	threshold := rt.pair.MinProfitThresholdBps
	if rt.risk.MinProfitBps > threshold {
		threshold = rt.risk.MinProfitBps
	}
	if !sig.Viable(threshold) {
		return false
	}
	for _, pos := range a.ledger.PositionsForPair(rt.pair.ID) {
		if pos.Quantity > 0 && pos.Instrument.Key() == sig.ShortLeg.Key() {
			return true
		}
	}
	return false
}

// startUnwind cancels whatever is resting and places reduce-only exits for
// every leg still holding quantity. Safe to call from Entering or Monitoring.
func (a *App) startUnwind(ctx context.Context, rt *pairRuntime, reason string) {
	a.metrics.Unwinds.Inc()
	for _, o := range a.ledger.OpenOrdersForPair(rt.pair.ID) {
		if err := a.executor.Cancel(ctx, o.Instrument, o.OrderID); err != nil {
			a.log.Warn("cancel failed during unwind",
				zap.String("order_id", o.OrderID), zap.Error(err))
			continue
		}
		a.ledger.DropOrder(o.OrderID)
	}
	rt.sm.Apply(risk.EventUnwind)
	a.placeExits(ctx, rt, reason)
}

// checkUnwind re-places exits if earlier ones were rejected and completes the
// cycle once the pair is flat.
func (a *App) checkUnwind(ctx context.Context, rt *pairRuntime) {
	if a.ledger.IsFlat(rt.pair.ID) {
		rt.sm.Apply(risk.EventClosed)
		a.log.Info("pair closed", zap.String("pair", rt.pair.ID))
		return
	}
	if len(a.ledger.OpenOrdersForPair(rt.pair.ID)) == 0 {
		a.placeExits(ctx, rt, "retry")
	}
}

func (a *App) placeExits(ctx context.Context, rt *pairRuntime, reason string) {
	for _, pos := range a.ledger.PositionsForPair(rt.pair.ID) {
		if pos.IsFlat() {
			continue
		}
		qty := pos.Quantity
		intent := domain.OrderIntent{
			PairID:        rt.pair.ID,
			Instrument:    pos.Instrument,
			IsBuy:         qty < 0,
			Quantity:      math.Abs(qty),
			ReduceOnly:    true,
			Purpose:       domain.PurposeUnwind,
			ClientOrderID: uuid.NewString(),
		}
		if reason == "partial_fill" || reason == "entry_failed" {
			intent.Purpose = domain.PurposeFlatten
		}
		if _, err := a.placeIntent(ctx, intent); err != nil {
			a.log.Error("exit leg failed",
				zap.String("pair", rt.pair.ID),
				zap.String("market", pos.Instrument.Key()),
				zap.Error(err))
		}
	}
}

// placeIntent registers the order with the ledger, routes it through the
// durable executor, then confirms the venue id. Fatal connectivity failures
// engage the emergency stop.
func (a *App) placeIntent(ctx context.Context, intent domain.OrderIntent) (string, error) {
	// Register before placing: the gateway can report the fill while the
	// placement call is still in flight, and a fill that matches no order
	// would leave a phantom resting leg behind.
	a.ledger.RecordOrder(ledger.OpenOrder{
		ClientOrderID: intent.ClientOrderID,
		PairID:        intent.PairID,
		Instrument:    intent.Instrument,
		IsBuy:         intent.IsBuy,
		Quantity:      intent.Quantity,
		Remaining:     intent.Quantity,
		Purpose:       intent.Purpose,
		PlacedAt:      time.Now().UTC(),
	})
	orderID, err := a.executor.Place(ctx, intent)
	if err != nil {
		a.ledger.DropPending(intent.ClientOrderID)
		a.metrics.OrdersFailed.Inc()
		if errors.Is(err, exec.ErrConnectivityFatal) {
			a.triggerEmergency(ctx, fmt.Sprintf("order placement: %v", err))
		}
		return "", err
	}
	a.ledger.ConfirmOrder(intent.ClientOrderID, orderID)
	a.metrics.OrdersPlaced.Inc()
	return orderID, nil
}

func (a *App) recordSignal(sig evaluator.Signal, viable bool) {
	a.timescale.EnqueueSignal(timescale.SignalRow{
		Time:         sig.EvaluatedAt,
		PairID:       sig.PairID,
		Mode:         string(sig.Mode),
		RawEdgeBps:   sig.RawEdgeBps,
		NetEdgeBps:   sig.NetEdgeBps,
		Viable:       viable,
		LongMarket:   sig.LongLeg.Key(),
		ShortMarket:  sig.ShortLeg.Key(),
		DaysToExpiry: sig.DaysToExpiry,
	})
}

package app

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"dn-arb-bot/internal/alerts"
	"dn-arb-bot/internal/config"
	"dn-arb-bot/internal/domain"
	"dn-arb-bot/internal/evaluator"
	"dn-arb-bot/internal/exec"
	"dn-arb-bot/internal/feed"
	"dn-arb-bot/internal/hedge"
	"dn-arb-bot/internal/ledger"
	"dn-arb-bot/internal/marketdata"
	"dn-arb-bot/internal/metrics"
	"dn-arb-bot/internal/risk"
	"dn-arb-bot/internal/state/sqlite"

	"go.uber.org/zap"
)

func testPerp(exchange string) domain.Instrument {
	return domain.Instrument{
		Symbol:       exchange + "-btc-perp",
		Exchange:     exchange,
		TradingPair:  "BTC-USD",
		Type:         domain.TypePerpetual,
		Settlement:   domain.SettleMargin,
		Leverage:     5,
		MinTradeSize: 0.001,
	}
}

func testRisk() domain.RiskParameters {
	return domain.RiskParameters{
		MaxInventorySizeUSD: 50000,
		MaxTradeSizeUSD:     10000,
		MinProfitBps:        5,
		TakeProfitBps:       10,
		StopLossBps:         100,
		MaxPositionAge:      time.Hour,
		HeartbeatTimeout:    time.Minute,
		EntryFillWindow:     10 * time.Second,
		MaxOrderRetries:     2,
		MinDaysToExpiry:     3,
	}
}

func newTestApp(t *testing.T, rules []domain.HedgeRule) *App {
	t.Helper()
	log := zap.NewNop()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	md := marketdata.New(log)
	book := ledger.New(log, store)
	paper := exec.NewPaper(md, 1, log)
	legA := testPerp("binance")
	legB := testPerp("okx")

	a := &App{
		cfg:       &config.Config{},
		log:       log,
		store:     store,
		md:        md,
		ledger:    book,
		evaluator: evaluator.New(md, 1, 0.5, log),
		hedger:    hedge.NewPlanner(rules, log),
		executor:  exec.NewExecutor(paper, store, store, 2, log),
		paper:     paper,
		consumer:  feed.NewConsumer(md, log),
		metrics:   metrics.NewNoop(),
		alerts:    alerts.NewTelegram(config.TelegramConfig{}, log),
		instruments: map[string]domain.Instrument{
			legA.Key(): legA,
			legB.Key(): legB,
		},
	}
	book.SeedBalances(
		map[string]float64{"binance": 0, "okx": 0},
		map[string]float64{"binance": 100000, "okx": 100000},
	)
	return a
}

func testRuntime(a *App) *pairRuntime {
	rt := &pairRuntime{
		pair: domain.ArbitragePair{
			ID:                    "btc-spread",
			LegA:                  testPerp("binance"),
			LegB:                  testPerp("okx"),
			Mode:                  domain.ModePriceSpread,
			MinProfitThresholdBps: 5,
			MaxInventoryRatio:     0.5,
			Enabled:               true,
		},
		risk: testRisk(),
		sm:   risk.NewStateMachine(),
	}
	a.pairs = []*pairRuntime{rt}
	return rt
}

func seedBooks(a *App, binanceBid, binanceAsk, okxBid, okxAsk float64) {
	now := time.Now().UTC()
	a.md.ApplyBook("binance", "BTC-USD", marketdata.TopOfBook{
		Bid: binanceBid, BidSize: 10, Ask: binanceAsk, AskSize: 10, UpdatedAt: now,
	})
	a.md.ApplyBook("okx", "BTC-USD", marketdata.TopOfBook{
		Bid: okxBid, BidSize: 10, Ask: okxAsk, AskSize: 10, UpdatedAt: now,
	})
}

func drainFills(a *App) int {
	var n int
	for {
		select {
		case ev := <-a.paper.Fills():
			a.applyFill(context.Background(), ev.InstrumentKey, ev.Fill)
			n++
		default:
			return n
		}
	}
}

func TestPairLifecycle(t *testing.T) {
	a := newTestApp(t, nil)
	rt := testRuntime(a)
	ctx := context.Background()

	// Executable spread: buy binance at 50000, sell okx at 50150, ~27 bps net.
	seedBooks(a, 49990, 50000, 50150, 50160)

	a.tickPair(ctx, rt)
	if got := rt.sm.Current(); got != risk.StateEvaluating {
		t.Fatalf("expected EVALUATING, got %s", got)
	}
	a.tickPair(ctx, rt)
	if got := rt.sm.Current(); got != risk.StateEntering {
		t.Fatalf("expected ENTERING, got %s", got)
	}
	if n := drainFills(a); n != 2 {
		t.Fatalf("expected 2 entry fills, got %d", n)
	}
	a.tickPair(ctx, rt)
	if got := rt.sm.Current(); got != risk.StateMonitoring {
		t.Fatalf("expected MONITORING, got %s", got)
	}
	positions := a.ledger.PositionsForPair(rt.pair.ID)
	if len(positions) != 2 {
		t.Fatalf("expected 2 leg positions, got %d", len(positions))
	}
	for _, pos := range positions {
		if pos.Instrument.Exchange == "binance" && pos.Quantity <= 0 {
			t.Fatalf("expected long on binance, got %f", pos.Quantity)
		}
		if pos.Instrument.Exchange == "okx" && pos.Quantity >= 0 {
			t.Fatalf("expected short on okx, got %f", pos.Quantity)
		}
	}

	// Long leg rallies and short leg sinks: well past the take-profit trigger.
	seedBooks(a, 50490, 50510, 49990, 50010)
	a.tickPair(ctx, rt)
	if got := rt.sm.Current(); got != risk.StateUnwinding {
		t.Fatalf("expected UNWINDING, got %s", got)
	}
	if n := drainFills(a); n != 2 {
		t.Fatalf("expected 2 exit fills, got %d", n)
	}
	a.tickPair(ctx, rt)
	if got := rt.sm.Current(); got != risk.StateClosed {
		t.Fatalf("expected CLOSED, got %s", got)
	}
	if !a.ledger.IsFlat(rt.pair.ID) {
		t.Fatalf("expected flat pair after unwind")
	}
	a.tickPair(ctx, rt)
	if got := rt.sm.Current(); got != risk.StateIdle {
		t.Fatalf("expected IDLE after reset, got %s", got)
	}
}

func TestNoOpportunityReturnsToIdle(t *testing.T) {
	a := newTestApp(t, nil)
	rt := testRuntime(a)
	ctx := context.Background()

	// Tight books: spread below friction.
	seedBooks(a, 49999, 50001, 49999, 50001)

	a.tickPair(ctx, rt)
	a.tickPair(ctx, rt)
	if got := rt.sm.Current(); got != risk.StateIdle {
		t.Fatalf("expected IDLE on no opportunity, got %s", got)
	}
	if !a.ledger.IsFlat(rt.pair.ID) {
		t.Fatalf("expected no position")
	}
}

func TestStaleDataWithExposureTriggersEmergency(t *testing.T) {
	a := newTestApp(t, nil)
	rt := testRuntime(a)
	ctx := context.Background()

	// Open exposure but no market data at all.
	a.ledger.ApplyFill(testPerp("binance"), ledger.Fill{
		FillID: "f1", OrderID: "o1", PairID: rt.pair.ID,
		Quantity: 0.2, Price: 50000, Time: time.Now().UTC(),
	})
	a.tickPair(ctx, rt)

	if !a.EmergencyStopped() {
		t.Fatalf("expected emergency stop on stale data with exposure")
	}
	if got := rt.sm.Current(); got != risk.StateEmergencyStopped {
		t.Fatalf("expected EMERGENCY_STOPPED, got %s", got)
	}

	// Further events are absorbed until an operator clears the stop.
	a.tickPair(ctx, rt)
	if got := rt.sm.Current(); got != risk.StateEmergencyStopped {
		t.Fatalf("expected stop to hold, got %s", got)
	}
	a.ClearEmergency()
	if a.EmergencyStopped() {
		t.Fatalf("expected stop cleared")
	}
	if got := rt.sm.Current(); got != risk.StateIdle {
		t.Fatalf("expected IDLE after clear, got %s", got)
	}
}

func TestStaleDataFlatPairPauses(t *testing.T) {
	a := newTestApp(t, nil)
	rt := testRuntime(a)
	ctx := context.Background()

	a.tickPair(ctx, rt)
	if a.EmergencyStopped() {
		t.Fatalf("flat pair on stale data must pause, not stop")
	}
	if got := rt.sm.Current(); got != risk.StateIdle {
		t.Fatalf("expected IDLE, got %s", got)
	}
}

func TestEntryFillWindowFlattensPartialLeg(t *testing.T) {
	a := newTestApp(t, nil)
	rt := testRuntime(a)
	ctx := context.Background()

	seedBooks(a, 49990, 50000, 50150, 50160)

	// One leg filled, the other still resting past the window.
	a.ledger.ApplyFill(testPerp("binance"), ledger.Fill{
		FillID: "f1", OrderID: "o1", PairID: rt.pair.ID,
		Quantity: 0.2, Price: 50000, Time: time.Now().UTC(),
	})
	a.ledger.RecordOrder(ledger.OpenOrder{
		OrderID: "o2", ClientOrderID: "c2", PairID: rt.pair.ID,
		Instrument: testPerp("okx"), IsBuy: false,
		Quantity: 0.2, Remaining: 0.2,
		Purpose:  domain.PurposeEnter,
		PlacedAt: time.Now().UTC().Add(-time.Minute),
	})
	rt.sm.SetState(risk.StateEntering)
	rt.entryPlacedAt = time.Now().UTC().Add(-time.Minute)

	a.tickPair(ctx, rt)
	if got := rt.sm.Current(); got != risk.StateUnwinding {
		t.Fatalf("expected UNWINDING on fill window breach, got %s", got)
	}
	if orders := a.ledger.OpenOrdersForPair(rt.pair.ID); len(orders) != 0 {
		t.Fatalf("expected resting entry order cancelled, got %d", len(orders))
	}
	if n := drainFills(a); n != 1 {
		t.Fatalf("expected 1 flatten fill, got %d", n)
	}
	a.tickPair(ctx, rt)
	if !a.ledger.IsFlat(rt.pair.ID) {
		t.Fatalf("expected flat pair after flatten")
	}
}

func TestMonitoringSignalReversalUnwinds(t *testing.T) {
	a := newTestApp(t, nil)
	rt := testRuntime(a)
	ctx := context.Background()

	// Exit triggers wide open so only the reversal check can fire.
	rt.risk.TakeProfitBps = 100000
	rt.risk.StopLossBps = 100000
	rt.risk.MaxPositionAge = 24 * time.Hour

	now := time.Now().UTC()
	a.ledger.ApplyFill(testPerp("binance"), ledger.Fill{
		FillID: "f1", OrderID: "o1", PairID: rt.pair.ID,
		Quantity: 0.2, Price: 50000, Time: now,
	})
	a.ledger.ApplyFill(testPerp("okx"), ledger.Fill{
		FillID: "f2", OrderID: "o2", PairID: rt.pair.ID,
		Quantity: -0.2, Price: 50150, Time: now,
	})
	rt.sm.SetState(risk.StateMonitoring)
	rt.openedAt = now

	// The spread flips: binance is now the expensive venue, so a fresh signal
	// wants the leg we hold long on the short side.
	seedBooks(a, 50150, 50160, 49990, 50000)

	a.tickPair(ctx, rt)
	if got := rt.sm.Current(); got != risk.StateUnwinding {
		t.Fatalf("expected UNWINDING on signal reversal, got %s", got)
	}
	if n := drainFills(a); n != 2 {
		t.Fatalf("expected 2 exit fills, got %d", n)
	}
	if !a.ledger.IsFlat(rt.pair.ID) {
		t.Fatalf("expected flat pair after reversal unwind")
	}
}

func TestHedgePassSellsLongResidual(t *testing.T) {
	rule := domain.HedgeRule{
		Primary:      testPerp("binance"),
		Hedge:        testPerp("okx"),
		Ratio:        1,
		ThresholdBps: 10,
		MaxSizeUSD:   100000,
		Mode:         domain.HedgeImmediate,
	}
	a := newTestApp(t, []domain.HedgeRule{rule})
	ctx := context.Background()

	seedBooks(a, 49995, 50005, 49995, 50005)
	a.ledger.ApplyFill(testPerp("binance"), ledger.Fill{
		FillID: "f1", OrderID: "o1", PairID: "btc-spread",
		Quantity: 0.2, Price: 50000, Time: time.Now().UTC(),
	})

	a.hedgePass(ctx, domain.HedgeImmediate)
	if n := drainFills(a); n != 1 {
		t.Fatalf("expected 1 hedge fill, got %d", n)
	}

	ps := a.portfolio()
	hedged := ps.NotionalByKey["okx:BTC-USD"]
	if hedged >= 0 {
		t.Fatalf("expected short hedge, got notional %f", hedged)
	}
	if residual := ps.NotionalByKey["binance:BTC-USD"] + hedged; math.Abs(residual) > 50 {
		t.Fatalf("expected hedged book, residual %f", residual)
	}
}

func TestRecoverAdoptsVenuePositionIntoMonitoring(t *testing.T) {
	a := newTestApp(t, nil)
	rt := testRuntime(a)
	ctx := context.Background()
	seedBooks(a, 49995, 50005, 49995, 50005)

	// The venue holds 0.2 BTC from before the restart. The fill for it was
	// consumed in the previous run and is not replayed.
	if _, err := a.paper.PlaceOrder(ctx, domain.OrderIntent{
		PairID:        "btc-spread",
		Instrument:    testPerp("binance"),
		IsBuy:         true,
		Quantity:      0.2,
		Purpose:       domain.PurposeEnter,
		ClientOrderID: "c-prev",
	}); err != nil {
		t.Fatalf("seed venue position: %v", err)
	}
	<-a.paper.Fills()

	if err := a.recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	ps := a.portfolio()
	if math.Abs(ps.TotalExposure-10000) > 50 {
		t.Fatalf("exposure = %v, want ~10000 from the adopted position", ps.TotalExposure)
	}
	if got := rt.sm.Current(); got != risk.StateMonitoring {
		t.Fatalf("state = %s, want MONITORING for a recovered pair with exposure", got)
	}
}

func TestHedgePassClampedToSettlementBudget(t *testing.T) {
	rule := domain.HedgeRule{
		Primary:      testPerp("binance"),
		Hedge:        testPerp("okx"),
		Ratio:        1,
		ThresholdBps: 10,
		MaxSizeUSD:   100000,
		Mode:         domain.HedgeImmediate,
	}
	a := newTestApp(t, []domain.HedgeRule{rule})
	ctx := context.Background()

	// Free margin on the hedge exchange supports 400 * 5x = 2000 USD, far
	// less than the 10000 USD imbalance.
	a.ledger.SeedBalances(nil, map[string]float64{"okx": 400})
	seedBooks(a, 49995, 50005, 49995, 50005)
	a.ledger.ApplyFill(testPerp("binance"), ledger.Fill{
		FillID: "f1", OrderID: "o1", PairID: "btc-spread",
		Quantity: 0.2, Price: 50000, Time: time.Now().UTC(),
	})

	a.hedgePass(ctx, domain.HedgeImmediate)
	if n := drainFills(a); n != 1 {
		t.Fatalf("expected 1 hedge fill, got %d", n)
	}

	ps := a.portfolio()
	hedged := ps.NotionalByKey["okx:BTC-USD"]
	if hedged >= 0 {
		t.Fatalf("expected short hedge, got notional %f", hedged)
	}
	if math.Abs(hedged+2000) > 50 {
		t.Fatalf("expected hedge clamped near 2000 USD, got %f", hedged)
	}
}

func TestFundingAccruedOncePerEvent(t *testing.T) {
	a := newTestApp(t, nil)

	now := time.Now().UTC()
	seedBooks(a, 49995, 50005, 49995, 50005)
	a.ledger.ApplyFill(testPerp("binance"), ledger.Fill{
		FillID: "f1", OrderID: "o1", PairID: "btc-carry",
		Quantity: 0.2, Price: 50000, Time: now,
	})
	a.md.ApplyFunding("binance", "BTC-USD", marketdata.FundingInfo{
		Rate:          0.0001,
		IntervalHours: 8,
		NextFunding:   now.Add(-time.Second),
		UpdatedAt:     now,
	})

	a.accrueFunding(now)
	a.accrueFunding(now.Add(time.Second))

	positions := a.ledger.PositionsForPair("btc-carry")
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	// Long pays the positive rate: -0.2 * 50000 * 0.0001, settled once.
	want := -1.0
	if got := positions[0].FundingPnL; math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected funding pnl %f, got %f", want, got)
	}
}

func TestHedgePassSkippedDuringEmergency(t *testing.T) {
	rule := domain.HedgeRule{
		Primary:      testPerp("binance"),
		Hedge:        testPerp("okx"),
		Ratio:        1,
		ThresholdBps: 10,
		MaxSizeUSD:   100000,
		Mode:         domain.HedgeImmediate,
	}
	a := newTestApp(t, []domain.HedgeRule{rule})
	ctx := context.Background()

	seedBooks(a, 49995, 50005, 49995, 50005)
	a.ledger.ApplyFill(testPerp("binance"), ledger.Fill{
		FillID: "f1", OrderID: "o1", PairID: "btc-spread",
		Quantity: 0.2, Price: 50000, Time: time.Now().UTC(),
	})
	a.emergency.Store(true)

	a.hedgePass(ctx, domain.HedgeImmediate)
	if n := drainFills(a); n != 0 {
		t.Fatalf("expected no hedge during emergency, got %d fills", n)
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"dn-arb-bot/internal/accounting"
	"dn-arb-bot/internal/alerts"
	"dn-arb-bot/internal/config"
	"dn-arb-bot/internal/domain"
	"dn-arb-bot/internal/evaluator"
	"dn-arb-bot/internal/exec"
	"dn-arb-bot/internal/feed"
	"dn-arb-bot/internal/feed/ws"
	"dn-arb-bot/internal/hedge"
	"dn-arb-bot/internal/ledger"
	"dn-arb-bot/internal/marketdata"
	"dn-arb-bot/internal/metrics"
	"dn-arb-bot/internal/recovery"
	"dn-arb-bot/internal/risk"
	"dn-arb-bot/internal/state/sqlite"
	"dn-arb-bot/internal/timescale"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *sqlite.Store
	md        *marketdata.MarketData
	ledger    *ledger.Ledger
	evaluator *evaluator.Evaluator
	hedger    *hedge.Planner
	executor  *exec.Executor
	paper     *exec.Paper
	consumer  *feed.Consumer
	wsClient  *ws.Client
	timescale *timescale.Writer
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	alerts    *alerts.Telegram

	pairs       []*pairRuntime
	instruments map[string]domain.Instrument
	emergency   atomic.Bool

	// owned by the hedger goroutine
	lastFunding map[string]time.Time
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	md := marketdata.New(log)
	book := ledger.New(log, store)
	ev := evaluator.New(md, cfg.Engine.FeeBps, cfg.Engine.SlippageBps, log)
	paper := exec.NewPaper(md, cfg.Engine.FeeBps, log)
	executor := exec.NewExecutor(paper, store, store, cfg.Risk.MaxOrderRetries, log)
	planner := hedge.NewPlanner(cfg.DomainHedgeRules(), log)
	consumer := feed.NewConsumer(md, log)

	var wsClient *ws.Client
	if cfg.Feed.URL != "" {
		wsClient = ws.New(cfg.Feed.URL, cfg.Feed.ReconnectDelay, cfg.Feed.PingInterval, log)
	}
	tsWriter, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.ListenAddr != "" {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	globalRisk := cfg.RiskParameters()
	var runtimes []*pairRuntime
	for _, pair := range cfg.ArbitragePairs() {
		if !pair.Enabled {
			log.Info("pair disabled", zap.String("pair", pair.ID))
			continue
		}
		runtimes = append(runtimes, &pairRuntime{
			pair: pair,
			risk: pair.EffectiveRisk(globalRisk),
			sm:   risk.NewStateMachine(),
		})
	}

	return &App{
		cfg:         cfg,
		log:         log,
		store:       store,
		md:          md,
		ledger:      book,
		evaluator:   ev,
		hedger:      planner,
		executor:    executor,
		paper:       paper,
		consumer:    consumer,
		wsClient:    wsClient,
		timescale:   tsWriter,
		metrics:     m,
		prom:        prom,
		alerts:      alerts.NewTelegram(cfg.Telegram, log),
		pairs:       runtimes,
		instruments: cfg.InstrumentsByKey(),
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.timescale.Close()

	if err := a.recover(ctx); err != nil {
		return err
	}
	a.seedBalances()
	a.timescale.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	if a.prom != nil {
		g.Go(func() error {
			return a.serveMetrics(gctx)
		})
	}
	if a.wsClient != nil {
		g.Go(func() error {
			if err := a.wsClient.Connect(gctx); err != nil {
				return fmt.Errorf("feed connect: %w", err)
			}
			for key, inst := range a.instruments {
				if err := a.wsClient.SubscribeMarket(gctx, inst.Exchange, inst.TradingPair); err != nil {
					return fmt.Errorf("subscribe %s: %w", key, err)
				}
			}
			return a.wsClient.Run(gctx, a.consumer.Handle)
		})
	}
	g.Go(func() error {
		return a.pumpFills(gctx)
	})
	for _, rt := range a.pairs {
		rt := rt
		g.Go(func() error {
			return a.runPair(gctx, rt)
		})
	}
	g.Go(func() error {
		return a.runHedger(gctx)
	})
	return g.Wait()
}

// recover joins the durable intent log against venue state before any new
// order is placed. Unknown venue orders are cancelled: nothing this engine
// did not durably intend is allowed to rest.
func (a *App) recover(ctx context.Context) error {
	res, err := recovery.Reconcile(ctx, a.store, a.paper, a.instruments, a.log)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	pairForKey := make(map[string]string)
	for _, rt := range a.pairs {
		pairForKey[rt.pair.LegA.Key()] = rt.pair.ID
		pairForKey[rt.pair.LegB.Key()] = rt.pair.ID
	}
	now := time.Now().UTC()
	recovery.Seed(a.ledger, res, a.instruments, pairForKey, now, a.log)
	// Pairs that came back with exposure resume monitoring so stop-loss,
	// take-profit and age limits apply to the recovered book.
	for _, rt := range a.pairs {
		if !a.ledger.IsFlat(rt.pair.ID) {
			rt.sm.SetState(risk.StateMonitoring)
			rt.openedAt = now
		}
	}
	for _, ro := range res.Unknown {
		inst, ok := a.instruments[ro.Exchange+":"+ro.TradingPair]
		if !ok {
			a.log.Warn("unknown order on unconfigured market",
				zap.String("order_id", ro.OrderID),
				zap.String("market", ro.Exchange+":"+ro.TradingPair))
			continue
		}
		if err := a.executor.Cancel(ctx, inst, ro.OrderID); err != nil {
			a.log.Warn("failed to cancel unknown order",
				zap.String("order_id", ro.OrderID), zap.Error(err))
		}
	}
	for _, rec := range res.Unmatched {
		a.log.Info("intent without venue order",
			zap.String("cloid", rec.Intent.ClientOrderID),
			zap.String("pair", rec.Intent.PairID),
			zap.String("purpose", string(rec.Intent.Purpose)))
	}
	return nil
}

func (a *App) seedBalances() {
	cash := make(map[string]float64, len(a.cfg.Exchanges))
	margin := make(map[string]float64, len(a.cfg.Exchanges))
	for _, ex := range a.cfg.Exchanges {
		cash[ex] = a.cfg.Engine.PaperCashUSD
		margin[ex] = a.cfg.Engine.PaperMarginUSD
	}
	a.ledger.SeedBalances(cash, margin)
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// pumpFills is the single writer applying execution reports to the ledger.
func (a *App) pumpFills(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-a.consumer.Fills():
			a.applyFill(ctx, ev.InstrumentKey, ev.Fill)
		case ev := <-a.paper.Fills():
			a.applyFill(ctx, ev.InstrumentKey, ev.Fill)
		}
	}
}

func (a *App) applyFill(ctx context.Context, instrumentKey string, fill ledger.Fill) {
	inst, ok := a.instruments[instrumentKey]
	if !ok {
		a.log.Warn("fill on unconfigured market",
			zap.String("market", instrumentKey),
			zap.String("fill_id", fill.FillID))
		return
	}
	if !a.ledger.ApplyFill(inst, fill) {
		a.metrics.DuplicateFills.Inc()
		return
	}
	// Immediate hedge rules re-plan as soon as delta moves.
	a.hedgePass(ctx, domain.HedgeImmediate)
}

func (a *App) triggerEmergency(ctx context.Context, reason string) {
	if !a.emergency.CompareAndSwap(false, true) {
		return
	}
	a.metrics.EmergencyStops.Inc()
	a.log.Error("emergency stop engaged", zap.String("reason", reason))
	for _, rt := range a.pairs {
		rt.sm.Apply(risk.EventEmergencyStop)
	}
	a.cancelAllOrders(ctx)
	a.flattenAll(ctx)
	ps := a.portfolio()
	if err := a.alerts.Send(ctx, alerts.Alert{
		Kind:        alerts.KindEmergencyStop,
		Reason:      reason,
		NetDeltaUSD: ps.NetDelta,
		ExposureUSD: ps.TotalExposure,
	}); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}

// flattenAll places reduce-only exits for every open position. Best effort:
// the venue that tripped the stop may refuse them, which is why the alert
// that follows is not optional.
func (a *App) flattenAll(ctx context.Context) {
	for _, pos := range a.ledger.Snapshot().Positions {
		if pos.IsFlat() {
			continue
		}
		intent := domain.OrderIntent{
			PairID:        pos.PairID,
			Instrument:    pos.Instrument,
			IsBuy:         pos.Quantity < 0,
			Quantity:      math.Abs(pos.Quantity),
			ReduceOnly:    true,
			Purpose:       domain.PurposeFlatten,
			ClientOrderID: uuid.NewString(),
		}
		if _, err := a.executor.Place(ctx, intent); err != nil {
			a.log.Warn("emergency flatten failed",
				zap.String("pair", pos.PairID),
				zap.String("market", pos.Instrument.Key()),
				zap.Error(err))
		}
	}
}

// ClearEmergency resumes trading after an operator has verified venue state.
func (a *App) ClearEmergency() {
	if !a.emergency.CompareAndSwap(true, false) {
		return
	}
	a.metrics.EmergencyCleared.Inc()
	for _, rt := range a.pairs {
		rt.sm.Apply(risk.EventEmergencyClear)
	}
	a.log.Info("emergency stop cleared")
}

// EmergencyStopped reports whether the stop flag is engaged.
func (a *App) EmergencyStopped() bool {
	return a.emergency.Load()
}

func (a *App) cancelAllOrders(ctx context.Context) {
	snap := a.ledger.Snapshot()
	for _, o := range snap.OpenOrders {
		if err := a.executor.Cancel(ctx, o.Instrument, o.OrderID); err != nil {
			a.log.Warn("failed to cancel order",
				zap.String("order_id", o.OrderID), zap.Error(err))
			continue
		}
		a.ledger.DropOrder(o.OrderID)
	}
}

func (a *App) portfolio() accounting.PortfolioState {
	return accounting.Compute(a.ledger.Snapshot(), a.md.Marks())
}

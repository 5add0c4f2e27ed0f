package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"dn-arb-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// PortfolioSnapshot is one row of derived portfolio state per tick.
type PortfolioSnapshot struct {
	Time             time.Time
	NetDeltaUSD      float64
	TotalExposureUSD float64
	UnrealizedPnL    float64
	RealizedPnL      float64
	FundingPnL       float64
	OpenOrders       int
	OpenPositions    int
}

// SignalRow records one pair evaluation outcome.
type SignalRow struct {
	Time         time.Time
	PairID       string
	Mode         string
	RawEdgeBps   float64
	NetEdgeBps   float64
	Viable       bool
	LongMarket   string
	ShortMarket  string
	DaysToExpiry float64
}

type Writer struct {
	db         *sql.DB
	log        *zap.Logger
	schema     string
	portfolios chan PortfolioSnapshot
	signals    chan SignalRow
	started    atomic.Bool
	dropPort   atomic.Uint64
	dropSignal atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:         db,
		log:        log,
		schema:     schema,
		portfolios: make(chan PortfolioSnapshot, queueSize),
		signals:    make(chan SignalRow, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueuePortfolio(snapshot PortfolioSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.portfolios <- snapshot:
		return
	default:
		if w.dropPort.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale portfolio queue full")
		}
	}
}

func (w *Writer) EnqueueSignal(row SignalRow) {
	if w == nil {
		return
	}
	select {
	case w.signals <- row:
		return
	default:
		if w.dropSignal.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale signal queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.portfolios:
			w.writePortfolio(ctx, snap)
		case row := <-w.signals:
			w.writeSignal(ctx, row)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		net_delta_usd DOUBLE PRECISION NOT NULL,
		total_exposure_usd DOUBLE PRECISION NOT NULL,
		unrealized_pnl DOUBLE PRECISION NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL,
		funding_pnl DOUBLE PRECISION NOT NULL,
		open_orders INTEGER NOT NULL,
		open_positions INTEGER NOT NULL
	)`, w.table("portfolio_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		pair_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		raw_edge_bps DOUBLE PRECISION NOT NULL,
		net_edge_bps DOUBLE PRECISION NOT NULL,
		viable BOOLEAN NOT NULL,
		long_market TEXT NOT NULL,
		short_market TEXT NOT NULL,
		days_to_expiry DOUBLE PRECISION NOT NULL
	)`, w.table("pair_signals"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("portfolio_snapshots"))); err != nil && w.log != nil {
		w.log.Warn("timescale portfolio_snapshots hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("pair_signals"))); err != nil && w.log != nil {
		w.log.Warn("timescale pair_signals hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writePortfolio(ctx context.Context, snap PortfolioSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, net_delta_usd, total_exposure_usd, unrealized_pnl, realized_pnl,
		funding_pnl, open_orders, open_positions
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8
	)`, w.table("portfolio_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.NetDeltaUSD,
		snap.TotalExposureUSD,
		snap.UnrealizedPnL,
		snap.RealizedPnL,
		snap.FundingPnL,
		snap.OpenOrders,
		snap.OpenPositions,
	); err != nil && w.log != nil {
		w.log.Warn("timescale portfolio insert failed", zap.Error(err))
	}
}

func (w *Writer) writeSignal(ctx context.Context, row SignalRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, pair_id, mode, raw_edge_bps, net_edge_bps, viable,
		long_market, short_market, days_to_expiry
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9
	)`, w.table("pair_signals"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time,
		row.PairID,
		row.Mode,
		row.RawEdgeBps,
		row.NetEdgeBps,
		row.Viable,
		row.LongMarket,
		row.ShortMarket,
		row.DaysToExpiry,
	); err != nil && w.log != nil {
		w.log.Warn("timescale signal insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}

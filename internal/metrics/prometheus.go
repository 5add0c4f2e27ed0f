package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "dn_arb_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry

	ordersPlaced     prometheus.Counter
	ordersFailed     prometheus.Counter
	entriesOpened    prometheus.Counter
	unwinds          prometheus.Counter
	hedgesPlaced     prometheus.Counter
	duplicateFills   prometheus.Counter
	staleTicks       prometheus.Counter
	emergencyStops   prometheus.Counter
	emergencyCleared prometheus.Counter
	netDelta         prometheus.Gauge
	totalExposure    prometheus.Gauge
	realizedPnL      prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	ordersPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_placed_total",
		Help:      "Total number of orders placed.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of order placement failures.",
	})
	entriesOpened := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "entries_opened_total",
		Help:      "Total number of pair entries opened.",
	})
	unwinds := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "unwinds_total",
		Help:      "Total number of pair unwinds started.",
	})
	hedgesPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "hedges_placed_total",
		Help:      "Total number of hedge orders placed.",
	})
	duplicateFills := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "duplicate_fills_total",
		Help:      "Total number of duplicate fill deliveries ignored.",
	})
	staleTicks := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "stale_ticks_total",
		Help:      "Total number of pair ticks skipped on stale data.",
	})
	emergencyStops := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "emergency_stops_total",
		Help:      "Total number of emergency stop engagements.",
	})
	emergencyCleared := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "emergency_cleared_total",
		Help:      "Total number of emergency stop clears.",
	})
	netDelta := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "net_delta_usd",
		Help:      "Net delta as signed notional across all instruments in USD.",
	})
	totalExposure := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "total_exposure_usd",
		Help:      "Gross notional exposure in USD.",
	})
	realizedPnL := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "realized_pnl_usd",
		Help:      "Cumulative realized P&L across open positions in USD.",
	})

	registry.MustRegister(ordersPlaced, ordersFailed, entriesOpened, unwinds, hedgesPlaced,
		duplicateFills, staleTicks, emergencyStops, emergencyCleared, netDelta, totalExposure,
		realizedPnL)

	m := &Metrics{
		OrdersPlaced:     promCounter{ordersPlaced},
		OrdersFailed:     promCounter{ordersFailed},
		EntriesOpened:    promCounter{entriesOpened},
		Unwinds:          promCounter{unwinds},
		HedgesPlaced:     promCounter{hedgesPlaced},
		DuplicateFills:   promCounter{duplicateFills},
		StaleTicks:       promCounter{staleTicks},
		EmergencyStops:   promCounter{emergencyStops},
		EmergencyCleared: promCounter{emergencyCleared},
		NetDeltaUSD:      promGauge{netDelta},
		TotalExposureUSD: promGauge{totalExposure},
		RealizedPnLUSD:   promGauge{realizedPnL},
	}

	return &Prometheus{
		Metrics:          m,
		registry:         registry,
		ordersPlaced:     ordersPlaced,
		ordersFailed:     ordersFailed,
		entriesOpened:    entriesOpened,
		unwinds:          unwinds,
		hedgesPlaced:     hedgesPlaced,
		duplicateFills:   duplicateFills,
		staleTicks:       staleTicks,
		emergencyStops:   emergencyStops,
		emergencyCleared: emergencyCleared,
		netDelta:         netDelta,
		totalExposure:    totalExposure,
		realizedPnL:      realizedPnL,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

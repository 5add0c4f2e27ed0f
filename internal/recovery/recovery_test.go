package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"dn-arb-bot/internal/accounting"
	"dn-arb-bot/internal/domain"
	"dn-arb-bot/internal/exec"
	"dn-arb-bot/internal/ledger"

	"go.uber.org/zap"
)

type memoryIntentLog struct {
	mu      sync.Mutex
	entries [][]byte
}

func (m *memoryIntentLog) AppendIntent(ctx context.Context, payload []byte) (int64, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	m.entries = append(m.entries, buf)
	return int64(len(m.entries)), nil
}

func (m *memoryIntentLog) Intents(ctx context.Context) ([][]byte, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

type staticReporter struct {
	orders    []exec.ReportedOrder
	positions []exec.ReportedPosition
}

func (s *staticReporter) OpenOrders(context.Context) ([]exec.ReportedOrder, error) {
	return s.orders, nil
}

func (s *staticReporter) OpenPositions(context.Context) ([]exec.ReportedPosition, error) {
	return s.positions, nil
}

func perpInst() domain.Instrument {
	return domain.Instrument{
		Symbol:      "BTC-PERP-BINANCE",
		Exchange:    "binance",
		TradingPair: "BTC-USDT-PERP",
		Type:        domain.TypePerpetual,
		Settlement:  domain.SettleMargin,
		Leverage:    5,
	}
}

func logIntent(t *testing.T, log *memoryIntentLog, cloid string) exec.IntentRecord {
	t.Helper()
	rec := exec.IntentRecord{
		Intent: domain.OrderIntent{
			PairID:        "btc-carry",
			Instrument:    perpInst(),
			IsBuy:         true,
			Quantity:      2,
			Purpose:       domain.PurposeEnter,
			ClientOrderID: cloid,
		},
		LoggedAt: time.Now().UTC().Truncate(time.Second),
	}
	payload, err := exec.EncodeIntent(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := log.AppendIntent(context.Background(), payload); err != nil {
		t.Fatalf("append: %v", err)
	}
	return rec
}

func TestReconcileRoundTrip(t *testing.T) {
	intents := &memoryIntentLog{}
	logIntent(t, intents, "c1")
	logIntent(t, intents, "c2")

	reporter := &staticReporter{
		orders: []exec.ReportedOrder{
			{
				Exchange:      "binance",
				TradingPair:   "BTC-USDT-PERP",
				OrderID:       "oid-1",
				ClientOrderID: "c1",
				IsBuy:         true,
				Quantity:      2,
				Remaining:     1.5,
				Price:         50000,
			},
			{
				Exchange:      "binance",
				TradingPair:   "BTC-USDT-PERP",
				OrderID:       "oid-stray",
				ClientOrderID: "someone-else",
				IsBuy:         false,
				Quantity:      1,
				Remaining:     1,
			},
		},
		positions: []exec.ReportedPosition{
			{Exchange: "binance", TradingPair: "BTC-USDT-PERP", Quantity: 0.5, EntryPrice: 50000},
		},
	}
	instruments := map[string]domain.Instrument{perpInst().Key(): perpInst()}

	res, err := Reconcile(context.Background(), intents, reporter, instruments, zap.NewNop())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(res.Confirmed) != 1 {
		t.Fatalf("confirmed = %d, want 1", len(res.Confirmed))
	}
	got := res.Confirmed[0]
	if got.OrderID != "oid-1" || got.PairID != "btc-carry" || got.Remaining != 1.5 {
		t.Fatalf("confirmed order = %+v", got)
	}
	if got.Purpose != domain.PurposeEnter {
		t.Fatalf("purpose = %s, want enter", got.Purpose)
	}
	if len(res.Unmatched) != 1 || res.Unmatched[0].Intent.ClientOrderID != "c2" {
		t.Fatalf("unmatched = %+v, want c2", res.Unmatched)
	}
	if len(res.Unknown) != 1 || res.Unknown[0].OrderID != "oid-stray" {
		t.Fatalf("unknown = %+v, want oid-stray", res.Unknown)
	}
	if len(res.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(res.Positions))
	}
}

func TestReconcileSkipsTornEntry(t *testing.T) {
	intents := &memoryIntentLog{}
	logIntent(t, intents, "c1")
	if _, err := intents.AppendIntent(context.Background(), []byte{0xc1, 0x00}); err != nil {
		t.Fatalf("append: %v", err)
	}

	res, err := Reconcile(context.Background(), intents, &staticReporter{}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(res.Unmatched) != 1 {
		t.Fatalf("unmatched = %d, want 1 surviving intent", len(res.Unmatched))
	}
}

func TestSeedRegistersConfirmedOrders(t *testing.T) {
	l := ledger.New(zap.NewNop(), nil)
	res := Result{
		Confirmed: []ledger.OpenOrder{
			{
				OrderID:       "oid-1",
				ClientOrderID: "c1",
				PairID:        "btc-carry",
				Instrument:    perpInst(),
				IsBuy:         true,
				Quantity:      2,
				Remaining:     1.5,
				Purpose:       domain.PurposeEnter,
			},
		},
	}
	Seed(l, res, nil, nil, time.Now().UTC(), zap.NewNop())
	orders := l.OpenOrdersForPair("btc-carry")
	if len(orders) != 1 || orders[0].Remaining != 1.5 {
		t.Fatalf("orders = %+v, want seeded oid-1 remaining 1.5", orders)
	}
	// A fill for the recovered order resumes matching by order id.
	l.ApplyFill(perpInst(), ledger.Fill{
		FillID:   "f1",
		OrderID:  "oid-1",
		PairID:   "btc-carry",
		Quantity: 1.5,
		Price:    50000,
		Time:     time.Now().UTC(),
	})
	if got := l.OpenOrdersForPair("btc-carry"); len(got) != 0 {
		t.Fatalf("order should complete after fill, have %d", len(got))
	}
}

func TestSeedAdoptsVenuePositions(t *testing.T) {
	l := ledger.New(zap.NewNop(), nil)
	res := Result{
		Positions: []exec.ReportedPosition{
			{Exchange: "binance", TradingPair: "BTC-USDT-PERP", Quantity: 2, EntryPrice: 50000},
			{Exchange: "kraken", TradingPair: "ETH-USD", Quantity: 1, EntryPrice: 3000},
		},
	}
	instruments := map[string]domain.Instrument{perpInst().Key(): perpInst()}
	pairForKey := map[string]string{perpInst().Key(): "btc-carry"}
	Seed(l, res, instruments, pairForKey, time.Now().UTC(), zap.NewNop())

	positions := l.PositionsForPair("btc-carry")
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want the adopted binance position", len(positions))
	}
	if positions[0].Quantity != 2 || positions[0].AvgEntryPrice != 50000 {
		t.Fatalf("adopted position = %+v, want qty 2 at 50000", positions[0])
	}
	if l.IsFlat("btc-carry") {
		t.Fatal("pair with adopted exposure must not be flat")
	}

	ps := accounting.Compute(l.Snapshot(), map[string]float64{perpInst().Key(): 50000})
	if ps.TotalExposure != 100000 {
		t.Fatalf("exposure = %v, want 100000 from the adopted position", ps.TotalExposure)
	}
}

func TestSeedSkipsUnconfiguredMarkets(t *testing.T) {
	l := ledger.New(zap.NewNop(), nil)
	res := Result{
		Positions: []exec.ReportedPosition{
			{Exchange: "kraken", TradingPair: "ETH-USD", Quantity: 1, EntryPrice: 3000},
		},
	}
	Seed(l, res, nil, nil, time.Now().UTC(), zap.NewNop())
	if len(l.Snapshot().Positions) != 0 {
		t.Fatal("position on an unconfigured market must not be adopted")
	}
}

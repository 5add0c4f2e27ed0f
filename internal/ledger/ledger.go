package ledger

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"sync"
	"time"

	"dn-arb-bot/internal/domain"
	"dn-arb-bot/internal/state"

	"go.uber.org/zap"
)

const (
	maxSeenFillKeys = 4000
	flatEpsilon     = 1e-9
)

// Fill is a normalized execution report. Quantity is signed: positive buys,
// negative sells.
type Fill struct {
	FillID        string
	OrderID       string
	ClientOrderID string
	PairID        string
	Quantity      float64
	Price         float64
	Fee           float64
	Sequence      uint64
	Time          time.Time
}

// Position is the net holding for one leg of one pair.
type Position struct {
	PairID        string
	Instrument    domain.Instrument
	Quantity      float64
	AvgEntryPrice float64
	RealizedPnL   float64
	FundingPnL    float64
	OpenedAt      time.Time
	LastUpdateAt  time.Time
}

func (p Position) UnrealizedPnL(mark float64) float64 {
	if mark <= 0 || p.Quantity == 0 {
		return 0
	}
	return p.Quantity * (mark - p.AvgEntryPrice)
}

// Notional is the signed exposure of the position at the given mark.
func (p Position) Notional(mark float64) float64 {
	return p.Quantity * mark
}

func (p Position) IsFlat() bool {
	return math.Abs(p.Quantity) <= flatEpsilon
}

// OpenOrder tracks an order between placement and full fill or cancel.
type OpenOrder struct {
	OrderID       string
	ClientOrderID string
	PairID        string
	Instrument    domain.Instrument
	IsBuy         bool
	Quantity      float64
	Remaining     float64
	Purpose       domain.IntentPurpose
	PlacedAt      time.Time
}

// Snapshot is a consistent copy of ledger state. The accounting framework
// recomputes from snapshots only and never observes a partially-applied fill.
type Snapshot struct {
	Positions        []Position
	OpenOrders       []OpenOrder
	CashByExchange   map[string]float64
	MarginByExchange map[string]float64
}

// Ledger applies fills and funding events to positions and tracks open
// orders. A single writer mutates state; all mutations for a given market
// are serialized behind the write lock.
type Ledger struct {
	log      *zap.Logger
	archiver state.PositionArchiver

	mu        sync.RWMutex
	positions map[string]*Position
	archived  []Position
	orders    map[string]*OpenOrder
	byCloid   map[string]string
	cash      map[string]float64
	margin    map[string]float64
	seen      map[string]struct{}
	seenOrder []string
	lastSeq   map[string]uint64
}

func New(log *zap.Logger, archiver state.PositionArchiver) *Ledger {
	return &Ledger{
		log:       log,
		archiver:  archiver,
		positions: make(map[string]*Position),
		orders:    make(map[string]*OpenOrder),
		byCloid:   make(map[string]string),
		cash:      make(map[string]float64),
		margin:    make(map[string]float64),
		seen:      make(map[string]struct{}),
		lastSeq:   make(map[string]uint64),
	}
}

func positionKey(pairID, instrumentKey string) string {
	return pairID + "|" + instrumentKey
}

// SeedBalances installs the reconciled point-in-time balances. Called once at
// startup before any fill is applied.
func (l *Ledger) SeedBalances(cash, margin map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ex, v := range cash {
		l.cash[ex] = v
	}
	for ex, v := range margin {
		l.margin[ex] = v
	}
}

// SeedPosition installs a venue-reported position during recovery. Entry
// price is as reported; realized history did not survive the restart and
// restarts at zero.
func (l *Ledger) SeedPosition(pairID string, inst domain.Instrument, quantity, entryPrice float64, ts time.Time) {
	if math.Abs(quantity) <= flatEpsilon {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := positionKey(pairID, inst.Key())
	l.positions[key] = &Position{
		PairID:        pairID,
		Instrument:    inst,
		Quantity:      quantity,
		AvgEntryPrice: entryPrice,
		OpenedAt:      ts,
		LastUpdateAt:  ts,
	}
}

// RecordOrder registers an order so fills can be matched and partial-leg
// exposure detected. Orders are registered before the placement call goes
// out, keyed by client order id until ConfirmOrder installs the venue id, so
// a fill that arrives while placement is still in flight finds its order.
func (l *Ledger) RecordOrder(order OpenOrder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if order.Remaining == 0 {
		order.Remaining = order.Quantity
	}
	if order.PlacedAt.IsZero() {
		order.PlacedAt = time.Now().UTC()
	}
	key := order.OrderID
	if key == "" {
		key = order.ClientOrderID
	}
	stored := order
	l.orders[key] = &stored
	if order.ClientOrderID != "" {
		l.byCloid[order.ClientOrderID] = key
	}
}

// ConfirmOrder rekeys a pre-registered order once the venue acknowledges
// placement. A no-op when the order already filled away in the interim.
func (l *Ledger) ConfirmOrder(clientOrderID, orderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key, ok := l.byCloid[clientOrderID]
	if !ok || key == orderID {
		return
	}
	o, ok := l.orders[key]
	if !ok {
		return
	}
	delete(l.orders, key)
	o.OrderID = orderID
	l.orders[orderID] = o
	l.byCloid[clientOrderID] = orderID
}

// DropPending removes a pre-registered order whose placement failed.
func (l *Ledger) DropPending(clientOrderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key, ok := l.byCloid[clientOrderID]
	if !ok {
		return
	}
	delete(l.byCloid, clientOrderID)
	delete(l.orders, key)
}

// DropOrder removes an order after a cancel acknowledgment.
func (l *Ledger) DropOrder(orderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if o, ok := l.orders[orderID]; ok {
		delete(l.byCloid, o.ClientOrderID)
		delete(l.orders, orderID)
	}
}

// ApplyFill mutates the owning position. Duplicate deliveries, identified by
// fill id, are ignored idempotently. Returns true when the fill was applied.
func (l *Ledger) ApplyFill(inst domain.Instrument, f Fill) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	dedupKey := f.FillID
	if dedupKey == "" {
		dedupKey = f.OrderID + "#" + strconv.FormatUint(f.Sequence, 10)
	}
	if _, dup := l.seen[dedupKey]; dup {
		return false
	}
	l.markSeen(dedupKey)

	key := inst.Key()
	if f.Sequence != 0 {
		if last := l.lastSeq[key]; f.Sequence <= last {
			l.log.Warn("out-of-order fill applied",
				zap.String("market", key),
				zap.Uint64("sequence", f.Sequence),
				zap.Uint64("last", last))
		} else {
			l.lastSeq[key] = f.Sequence
		}
	}

	pos, ok := l.positions[positionKey(f.PairID, key)]
	if !ok {
		pos = &Position{
			PairID:     f.PairID,
			Instrument: inst,
			OpenedAt:   f.Time,
		}
		l.positions[positionKey(f.PairID, key)] = pos
	}
	realized := applyToPosition(pos, f)

	// Settlement dispatch: cash-settled fills move spendable balance on the
	// execution exchange; margin-settled fills settle only realized P&L and
	// fees into margin.
	if inst.AffectsCashBalance() {
		l.cash[inst.Exchange] -= f.Quantity * f.Price
		l.cash[inst.Exchange] -= f.Fee
	} else {
		l.margin[inst.Exchange] += realized
		l.margin[inst.Exchange] -= f.Fee
	}

	l.reduceOrder(f)

	if pos.IsFlat() {
		l.archiveLocked(pos)
		delete(l.positions, positionKey(f.PairID, key))
	}
	return true
}

// applyToPosition folds a signed fill into quantity, average entry price and
// realized P&L. Returns the realized amount excluding the fee.
func applyToPosition(pos *Position, f Fill) float64 {
	q, dq := pos.Quantity, f.Quantity
	var realized float64
	switch {
	case q == 0 || sameSign(q, dq):
		total := math.Abs(q) + math.Abs(dq)
		if total > 0 {
			pos.AvgEntryPrice = (pos.AvgEntryPrice*math.Abs(q) + f.Price*math.Abs(dq)) / total
		}
		pos.Quantity = q + dq
	default:
		closed := math.Min(math.Abs(dq), math.Abs(q))
		realized = closed * (f.Price - pos.AvgEntryPrice) * sign(q)
		pos.Quantity = q + dq
		if !sameSign(pos.Quantity, q) && math.Abs(pos.Quantity) > flatEpsilon {
			// Crossed through flat: the residual opens at the fill price.
			pos.AvgEntryPrice = f.Price
		}
	}
	pos.RealizedPnL += realized - f.Fee
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = f.Time
	}
	pos.LastUpdateAt = f.Time
	return realized
}

// ApplyFunding credits a periodic funding payment to the owning position's
// realized P&L without changing its quantity.
func (l *Ledger) ApplyFunding(pairID string, inst domain.Instrument, amount float64, ts time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.margin[inst.Exchange] += amount
	pos, ok := l.positions[positionKey(pairID, inst.Key())]
	if !ok {
		l.log.Warn("funding payment without open position",
			zap.String("pair", pairID),
			zap.String("market", inst.Key()),
			zap.Float64("amount", amount))
		return
	}
	pos.RealizedPnL += amount
	pos.FundingPnL += amount
	pos.LastUpdateAt = ts
}

func (l *Ledger) reduceOrder(f Fill) {
	key := f.OrderID
	o, ok := l.orders[key]
	if !ok && f.ClientOrderID != "" {
		// The order may still be keyed by client order id while the
		// placement ack is in flight.
		key = l.byCloid[f.ClientOrderID]
		o, ok = l.orders[key]
	}
	if !ok {
		return
	}
	o.Remaining -= math.Abs(f.Quantity)
	if o.Remaining <= flatEpsilon {
		delete(l.byCloid, o.ClientOrderID)
		delete(l.orders, key)
	}
}

func (l *Ledger) archiveLocked(pos *Position) {
	closed := *pos
	l.archived = append(l.archived, closed)
	if l.archiver == nil {
		return
	}
	payload, err := json.Marshal(closed)
	if err != nil {
		l.log.Warn("position archive encode failed", zap.Error(err))
		return
	}
	if err := l.archiver.ArchivePosition(context.Background(), closed.PairID, closed.Instrument.Key(), payload); err != nil {
		l.log.Warn("position archive failed", zap.Error(err))
	}
}

func (l *Ledger) markSeen(key string) {
	l.seen[key] = struct{}{}
	l.seenOrder = append(l.seenOrder, key)
	if len(l.seenOrder) > maxSeenFillKeys {
		drop := l.seenOrder[0]
		l.seenOrder = l.seenOrder[1:]
		delete(l.seen, drop)
	}
}

// Snapshot returns a deep copy of current ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap := Snapshot{
		Positions:        make([]Position, 0, len(l.positions)),
		OpenOrders:       make([]OpenOrder, 0, len(l.orders)),
		CashByExchange:   make(map[string]float64, len(l.cash)),
		MarginByExchange: make(map[string]float64, len(l.margin)),
	}
	for _, pos := range l.positions {
		snap.Positions = append(snap.Positions, *pos)
	}
	for _, o := range l.orders {
		snap.OpenOrders = append(snap.OpenOrders, *o)
	}
	for ex, v := range l.cash {
		snap.CashByExchange[ex] = v
	}
	for ex, v := range l.margin {
		snap.MarginByExchange[ex] = v
	}
	return snap
}

// PositionsForPair returns copies of the pair's open positions.
func (l *Ledger) PositionsForPair(pairID string) []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Position
	for _, pos := range l.positions {
		if pos.PairID == pairID {
			out = append(out, *pos)
		}
	}
	return out
}

// OpenOrdersForPair returns copies of the pair's resting orders.
func (l *Ledger) OpenOrdersForPair(pairID string) []OpenOrder {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []OpenOrder
	for _, o := range l.orders {
		if o.PairID == pairID {
			out = append(out, *o)
		}
	}
	return out
}

// OpenOrdersForExchange returns copies of all resting orders on an exchange.
func (l *Ledger) OpenOrdersForExchange(exchange string) []OpenOrder {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []OpenOrder
	for _, o := range l.orders {
		if o.Instrument.Exchange == exchange {
			out = append(out, *o)
		}
	}
	return out
}

// IsFlat reports whether the pair holds no exposure and no resting orders.
func (l *Ledger) IsFlat(pairID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, pos := range l.positions {
		if pos.PairID == pairID && !pos.IsFlat() {
			return false
		}
	}
	for _, o := range l.orders {
		if o.PairID == pairID {
			return false
		}
	}
	return true
}

// Archived returns closed position history retained for accounting and
// recovery matching.
func (l *Ledger) Archived() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Position, len(l.archived))
	copy(out, l.archived)
	return out
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

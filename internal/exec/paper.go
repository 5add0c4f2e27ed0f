package exec

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"dn-arb-bot/internal/domain"
	"dn-arb-bot/internal/ledger"
	"dn-arb-bot/internal/marketdata"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReportedOrder is a venue's view of a resting order, used to reconcile the
// intent log against exchange state on startup.
type ReportedOrder struct {
	Exchange      string
	TradingPair   string
	OrderID       string
	ClientOrderID string
	IsBuy         bool
	Quantity      float64
	Remaining     float64
	Price         float64
}

// ReportedPosition is a venue's view of a net position.
type ReportedPosition struct {
	Exchange    string
	TradingPair string
	Quantity    float64
	EntryPrice  float64
}

// StateReporter exposes the venue-side truth recovery reconciles against.
type StateReporter interface {
	OpenOrders(ctx context.Context) ([]ReportedOrder, error)
	OpenPositions(ctx context.Context) ([]ReportedPosition, error)
}

// FillEvent is an execution report tagged with the market it happened on.
type FillEvent struct {
	InstrumentKey string
	Fill          ledger.Fill
}

// Paper is an in-process gateway that fills marketable orders against the
// live top of book. It keeps the engine runnable end to end with no venue
// credentials.
type Paper struct {
	md     *marketdata.MarketData
	feeBps float64
	log    *zap.Logger

	mu        sync.Mutex
	seq       uint64
	positions map[string]*ReportedPosition
	fills     chan FillEvent
	dropped   int
}

func NewPaper(md *marketdata.MarketData, feeBps float64, log *zap.Logger) *Paper {
	return &Paper{
		md:        md,
		feeBps:    feeBps,
		log:       log,
		positions: make(map[string]*ReportedPosition),
		fills:     make(chan FillEvent, 1024),
	}
}

// Fills streams executions the way a venue's private feed would.
func (p *Paper) Fills() <-chan FillEvent {
	return p.fills
}

func (p *Paper) PlaceOrder(_ context.Context, intent domain.OrderIntent) (string, error) {
	key := intent.Instrument.Key()
	tob, ok := p.md.Quote(key)
	if !ok {
		return "", fmt.Errorf("%w: no quote for %s", ErrOrderRejected, key)
	}
	price := tob.Ask
	if !intent.IsBuy {
		price = tob.Bid
	}
	if price <= 0 {
		return "", fmt.Errorf("%w: empty book for %s", ErrOrderRejected, key)
	}
	if intent.LimitPrice > 0 {
		if intent.IsBuy && intent.LimitPrice < price {
			return "", fmt.Errorf("%w: buy limit %.2f below ask %.2f", ErrOrderRejected, intent.LimitPrice, price)
		}
		if !intent.IsBuy && intent.LimitPrice > price {
			return "", fmt.Errorf("%w: sell limit %.2f above bid %.2f", ErrOrderRejected, intent.LimitPrice, price)
		}
		price = intent.LimitPrice
	}

	p.mu.Lock()
	p.seq++
	seq := p.seq
	pos, ok := p.positions[key]
	if !ok {
		pos = &ReportedPosition{Exchange: intent.Instrument.Exchange, TradingPair: intent.Instrument.TradingPair}
		p.positions[key] = pos
	}
	signed := intent.SignedQuantity()
	pos.Quantity += signed
	pos.EntryPrice = price
	if math.Abs(pos.Quantity) < 1e-9 {
		delete(p.positions, key)
	}
	p.mu.Unlock()

	orderID := "paper-" + uuid.NewString()
	event := FillEvent{
		InstrumentKey: key,
		Fill: ledger.Fill{
			FillID:        uuid.NewString(),
			OrderID:       orderID,
			ClientOrderID: intent.ClientOrderID,
			PairID:        intent.PairID,
			Quantity:      signed,
			Price:         price,
			Fee:           math.Abs(signed) * price * p.feeBps / 10000,
			Sequence:      seq,
			Time:          time.Now().UTC(),
		},
	}
	select {
	case p.fills <- event:
	default:
		p.mu.Lock()
		p.dropped++
		dropped := p.dropped
		p.mu.Unlock()
		p.log.Warn("paper fill dropped, channel full",
			zap.String("fill_id", event.Fill.FillID),
			zap.Int("dropped", dropped))
	}
	return orderID, nil
}

// CancelOrder is a no-op: paper orders fill immediately and never rest.
func (p *Paper) CancelOrder(context.Context, domain.Instrument, string) error {
	return nil
}

func (p *Paper) OpenOrders(context.Context) ([]ReportedOrder, error) {
	return nil, nil
}

func (p *Paper) OpenPositions(context.Context) ([]ReportedPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ReportedPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

package feed

import (
	"encoding/json"
	"time"

	"dn-arb-bot/internal/ledger"
	"dn-arb-bot/internal/marketdata"

	"go.uber.org/zap"
)

// Message is the normalized envelope every upstream adapter speaks. One feed
// process per venue translates the venue's native stream into these.
type Message struct {
	Type        string  `json:"type"`
	Exchange    string  `json:"exchange"`
	TradingPair string  `json:"trading_pair"`
	Bid         float64 `json:"bid,omitempty"`
	BidSize     float64 `json:"bid_size,omitempty"`
	Ask         float64 `json:"ask,omitempty"`
	AskSize     float64 `json:"ask_size,omitempty"`
	Sequence    uint64  `json:"sequence,omitempty"`

	Rate          float64 `json:"rate,omitempty"`
	IntervalHours float64 `json:"interval_hours,omitempty"`
	NextFunding   int64   `json:"next_funding,omitempty"`

	FillID        string  `json:"fill_id,omitempty"`
	OrderID       string  `json:"order_id,omitempty"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
	PairID        string  `json:"pair_id,omitempty"`
	Quantity      float64 `json:"quantity,omitempty"`
	Price         float64 `json:"price,omitempty"`
	Fee           float64 `json:"fee,omitempty"`

	Timestamp int64 `json:"ts,omitempty"`
}

// FillEvent carries a normalized execution report with the market it
// happened on.
type FillEvent struct {
	InstrumentKey string
	Fill          ledger.Fill
}

// Consumer applies normalized messages to the market data cache and forwards
// execution reports. It is transport-agnostic: the ws client, a replay file,
// or a test can push raw messages through Handle.
type Consumer struct {
	md    *marketdata.MarketData
	fills chan FillEvent
	log   *zap.Logger
	now   func() time.Time
}

func NewConsumer(md *marketdata.MarketData, log *zap.Logger) *Consumer {
	return &Consumer{
		md:    md,
		fills: make(chan FillEvent, 1024),
		now:   time.Now,
		log:   log,
	}
}

func (c *Consumer) Fills() <-chan FillEvent {
	return c.fills
}

// Handle decodes and dispatches one raw message. Malformed input is logged
// and dropped so one bad frame cannot stall the stream.
func (c *Consumer) Handle(raw json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn("undecodable feed message", zap.Error(err))
		return
	}
	switch msg.Type {
	case "book":
		c.md.ApplyBook(msg.Exchange, msg.TradingPair, marketdata.TopOfBook{
			Bid:       msg.Bid,
			BidSize:   msg.BidSize,
			Ask:       msg.Ask,
			AskSize:   msg.AskSize,
			Sequence:  msg.Sequence,
			UpdatedAt: c.eventTime(msg),
		})
	case "funding":
		c.md.ApplyFunding(msg.Exchange, msg.TradingPair, marketdata.FundingInfo{
			Rate:          msg.Rate,
			IntervalHours: msg.IntervalHours,
			NextFunding:   time.UnixMilli(msg.NextFunding).UTC(),
			UpdatedAt:     c.eventTime(msg),
		})
	case "fill":
		event := FillEvent{
			InstrumentKey: msg.Exchange + ":" + msg.TradingPair,
			Fill: ledger.Fill{
				FillID:        msg.FillID,
				OrderID:       msg.OrderID,
				ClientOrderID: msg.ClientOrderID,
				PairID:        msg.PairID,
				Quantity:      msg.Quantity,
				Price:         msg.Price,
				Fee:           msg.Fee,
				Sequence:      msg.Sequence,
				Time:          c.eventTime(msg),
			},
		}
		select {
		case c.fills <- event:
		default:
			c.log.Warn("fill channel full, dropping",
				zap.String("fill_id", msg.FillID),
				zap.String("market", event.InstrumentKey))
		}
	case "pong", "":
	default:
		c.log.Debug("ignoring feed message", zap.String("type", msg.Type))
	}
}

func (c *Consumer) eventTime(msg Message) time.Time {
	if msg.Timestamp > 0 {
		return time.UnixMilli(msg.Timestamp).UTC()
	}
	return c.now().UTC()
}

package feed

import (
	"encoding/json"
	"testing"

	"dn-arb-bot/internal/marketdata"

	"go.uber.org/zap"
)

func TestConsumerAppliesBook(t *testing.T) {
	md := marketdata.New(zap.NewNop())
	c := NewConsumer(md, zap.NewNop())
	c.Handle(json.RawMessage(`{
		"type":"book","exchange":"binance","trading_pair":"BTC-USDT-PERP",
		"bid":49995,"bid_size":3,"ask":50005,"ask_size":2,"sequence":7,"ts":1700000000000
	}`))
	tob, ok := md.Quote("binance:BTC-USDT-PERP")
	if !ok {
		t.Fatal("quote not applied")
	}
	if tob.Bid != 49995 || tob.Ask != 50005 || tob.Sequence != 7 {
		t.Fatalf("quote = %+v", tob)
	}
}

func TestConsumerAppliesFunding(t *testing.T) {
	md := marketdata.New(zap.NewNop())
	c := NewConsumer(md, zap.NewNop())
	c.Handle(json.RawMessage(`{
		"type":"funding","exchange":"binance","trading_pair":"BTC-USDT-PERP",
		"rate":0.0008,"interval_hours":8
	}`))
	f, ok := md.Funding("binance:BTC-USDT-PERP")
	if !ok {
		t.Fatal("funding not applied")
	}
	if f.Rate != 0.0008 || f.IntervalHours != 8 {
		t.Fatalf("funding = %+v", f)
	}
}

func TestConsumerForwardsFills(t *testing.T) {
	md := marketdata.New(zap.NewNop())
	c := NewConsumer(md, zap.NewNop())
	c.Handle(json.RawMessage(`{
		"type":"fill","exchange":"binance","trading_pair":"BTC-USDT-PERP",
		"fill_id":"f1","order_id":"o1","client_order_id":"c1","pair_id":"btc-carry",
		"quantity":-0.5,"price":50000,"fee":2.5,"sequence":11
	}`))
	select {
	case ev := <-c.Fills():
		if ev.InstrumentKey != "binance:BTC-USDT-PERP" {
			t.Fatalf("market = %s", ev.InstrumentKey)
		}
		if ev.Fill.FillID != "f1" || ev.Fill.Quantity != -0.5 || ev.Fill.Fee != 2.5 {
			t.Fatalf("fill = %+v", ev.Fill)
		}
	default:
		t.Fatal("no fill forwarded")
	}
}

func TestConsumerDropsMalformed(t *testing.T) {
	md := marketdata.New(zap.NewNop())
	c := NewConsumer(md, zap.NewNop())
	c.Handle(json.RawMessage(`{not json`))
	c.Handle(json.RawMessage(`{"type":"unknown-kind"}`))
	if _, ok := md.Quote("binance:BTC-USDT-PERP"); ok {
		t.Fatal("malformed input must not mutate state")
	}
}

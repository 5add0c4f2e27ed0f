package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// subscribeFrame is the feed's market subscription request. One frame covers
// the market's book, funding and fill stream.
type subscribeFrame struct {
	Op          string `json:"op"`
	Exchange    string `json:"exchange"`
	TradingPair string `json:"trading_pair"`
}

// pingFrame keeps the connection alive; the feed answers with a pong the
// consumer discards.
type pingFrame struct {
	Op string `json:"op"`
}

// Client maintains one long-lived connection to the normalized market data
// feed. Subscribed markets are remembered and replayed after every
// reconnect, so callers subscribe once and the client owns connection churn.
type Client struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	markets []subscribeFrame
}

func New(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Client {
	return &Client{url: url, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log}
}

// Connect dials the feed. Safe to call when already connected.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.ensureConn(ctx)
	return err
}

func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// SubscribeMarket registers a market and sends the subscribe request on the
// live connection. Duplicate registrations collapse to one.
func (c *Client) SubscribeMarket(ctx context.Context, exchange, tradingPair string) error {
	frame := subscribeFrame{Op: "subscribe", Exchange: exchange, TradingPair: tradingPair}
	c.mu.Lock()
	known := false
	for _, m := range c.markets {
		if m == frame {
			known = true
			break
		}
	}
	if !known {
		c.markets = append(c.markets, frame)
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	return c.send(ctx, conn, frame)
}

// Run reads feed messages until the context ends, reconnecting and replaying
// market subscriptions after transport failures.
func (c *Client) Run(ctx context.Context, handler func(json.RawMessage)) error {
	for {
		conn, err := c.ensureConn(ctx)
		if err != nil {
			return err
		}
		if err = c.replay(ctx, conn); err == nil {
			err = c.consume(ctx, conn, handler)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logDisconnect(err)
		c.drop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

// consume reads from one connection until it fails, pinging in the
// background for the session's lifetime.
func (c *Client) consume(ctx context.Context, conn *websocket.Conn, handler func(json.RawMessage)) error {
	pingCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.keepAlive(pingCtx, conn)
	}()
	defer func() {
		cancel()
		<-done
	}()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn) {
	if c.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(ctx, conn, pingFrame{Op: "ping"}); err != nil {
				return
			}
		}
	}
}

func (c *Client) replay(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	markets := append([]subscribeFrame(nil), c.markets...)
	c.mu.Unlock()
	for _, m := range markets {
		if err := c.send(ctx, conn, m); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, conn *websocket.Conn, frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) logDisconnect(err error) {
	if c.log == nil || err == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		c.log.Info("feed connection closed", zap.Error(err))
		return
	}
	c.log.Warn("feed connection lost", zap.Error(err))
}

func (c *Client) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reconnect")
		c.conn = nil
	}
}

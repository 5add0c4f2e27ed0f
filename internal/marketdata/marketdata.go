package marketdata

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Funding intervals vary per exchange; 8 hours is the convention when the
// feed does not say.
const defaultFundingIntervalHours = 8

// TopOfBook is the normalized best bid/ask for one market. Sequence numbers
// are exchange-reported and strictly increasing per market.
type TopOfBook struct {
	Bid       float64
	BidSize   float64
	Ask       float64
	AskSize   float64
	Sequence  uint64
	UpdatedAt time.Time
}

func (t TopOfBook) Mid() float64 {
	if t.Bid <= 0 || t.Ask <= 0 {
		return 0
	}
	return (t.Bid + t.Ask) / 2
}

// FundingInfo carries the current funding rate for a derivative market.
// IntervalHours is the exchange's funding interval; rates are normalized to a
// common hourly basis before differencing across exchanges.
type FundingInfo struct {
	Rate          float64
	IntervalHours float64
	NextFunding   time.Time
	UpdatedAt     time.Time
}

// HourlyRate normalizes the funding rate to a one hour basis.
func (f FundingInfo) HourlyRate() float64 {
	if f.IntervalHours <= 0 {
		return f.Rate
	}
	return f.Rate / f.IntervalHours
}

// RateOverInterval projects the hourly-normalized rate back onto the given
// interval.
func (f FundingInfo) RateOverInterval(hours float64) float64 {
	if hours <= 0 {
		return f.HourlyRate()
	}
	return f.HourlyRate() * hours
}

// MarketData holds the live normalized feed state. Writers are the feed
// adapters; readers are the evaluator, risk manager and hedging engine.
type MarketData struct {
	log *zap.Logger

	mu           sync.RWMutex
	books        map[string]TopOfBook
	funding      map[string]FundingInfo
	lastExchange map[string]time.Time
	fundingTTL   time.Duration
}

func New(log *zap.Logger) *MarketData {
	return &MarketData{
		log:          log,
		books:        make(map[string]TopOfBook),
		funding:      make(map[string]FundingInfo),
		lastExchange: make(map[string]time.Time),
		fundingTTL:   5 * time.Minute,
	}
}

// ApplyBook stores a top-of-book update. Updates whose sequence does not
// advance the stored one are dropped; duplicates and reordered deliveries are
// harmless.
func (m *MarketData) ApplyBook(exchange, tradingPair string, tob TopOfBook) bool {
	key := exchange + ":" + tradingPair
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.books[key]; ok && tob.Sequence != 0 && tob.Sequence <= prev.Sequence {
		m.log.Debug("stale book update dropped",
			zap.String("market", key),
			zap.Uint64("sequence", tob.Sequence),
			zap.Uint64("have", prev.Sequence))
		return false
	}
	if tob.UpdatedAt.IsZero() {
		tob.UpdatedAt = time.Now().UTC()
	}
	m.books[key] = tob
	m.lastExchange[exchange] = tob.UpdatedAt
	return true
}

// ApplyFunding stores a funding update. Feeds that omit the interval get the
// conventional 8 hour one; treating a per-interval rate as hourly would
// overstate carry many times over.
func (m *MarketData) ApplyFunding(exchange, tradingPair string, f FundingInfo) {
	key := exchange + ":" + tradingPair
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = time.Now().UTC()
	}
	if f.IntervalHours <= 0 {
		f.IntervalHours = defaultFundingIntervalHours
	}
	m.mu.Lock()
	m.funding[key] = f
	m.lastExchange[exchange] = f.UpdatedAt
	m.mu.Unlock()
}

func (m *MarketData) Quote(instrumentKey string) (TopOfBook, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tob, ok := m.books[instrumentKey]
	return tob, ok
}

// Funding returns the cached funding info for a market. Entries older than
// the cache TTL are treated as missing.
func (m *MarketData) Funding(instrumentKey string) (FundingInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.funding[instrumentKey]
	if !ok {
		return FundingInfo{}, false
	}
	if m.fundingTTL > 0 && time.Since(f.UpdatedAt) > m.fundingTTL {
		return FundingInfo{}, false
	}
	return f, true
}

// ExchangeAge reports how long ago the exchange last delivered any update.
// Used every tick for heartbeat checks.
func (m *MarketData) ExchangeAge(exchange string, now time.Time) (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	last, ok := m.lastExchange[exchange]
	if !ok {
		return 0, false
	}
	return now.Sub(last), true
}

// Marks returns the mid price per market for accounting.
func (m *MarketData) Marks() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.books))
	for key, tob := range m.books {
		if mid := tob.Mid(); mid > 0 {
			out[key] = mid
		}
	}
	return out
}

// SetFundingTTL overrides the funding cache TTL; zero disables expiry.
func (m *MarketData) SetFundingTTL(ttl time.Duration) {
	m.mu.Lock()
	m.fundingTTL = ttl
	m.mu.Unlock()
}

package evaluator

import (
	"errors"
	"fmt"
	"math"
	"time"

	"dn-arb-bot/internal/domain"
	"dn-arb-bot/internal/marketdata"

	"go.uber.org/zap"
)

var (
	// ErrNoQuote means a leg is missing a usable top-of-book or funding
	// snapshot. The caller treats the pair's data as stale.
	ErrNoQuote = errors.New("evaluator: missing quote")

	// ErrSuspiciousEdge flags a computed edge above the configured ceiling.
	// Edges that look too good are treated as bad data, not opportunity.
	ErrSuspiciousEdge = errors.New("evaluator: edge above profit ceiling")

	// ErrExpiryTooNear rejects basis trades whose future expires before the
	// annualization floor.
	ErrExpiryTooNear = errors.New("evaluator: expiry below minimum days")
)

// Signal is the outcome of evaluating one pair on one tick.
type Signal struct {
	PairID       string
	Mode         domain.ArbitrageMode
	RawEdgeBps   float64
	NetEdgeBps   float64
	LongLeg      domain.Instrument
	ShortLeg     domain.Instrument
	LongMark     float64
	ShortMark    float64
	DaysToExpiry float64
	EvaluatedAt  time.Time
}

// Viable reports whether the net edge clears the pair's entry threshold.
func (s Signal) Viable(minProfitBps float64) bool {
	return s.NetEdgeBps >= minProfitBps
}

// Evaluator prices pair opportunities off the shared market data cache. It
// holds no position state; sizing and admission live with the risk manager.
type Evaluator struct {
	md          *marketdata.MarketData
	feeBps      float64
	slippageBps float64
	log         *zap.Logger
	now         func() time.Time
}

func New(md *marketdata.MarketData, feeBps, slippageBps float64, log *zap.Logger) *Evaluator {
	return &Evaluator{
		md:          md,
		feeBps:      feeBps,
		slippageBps: slippageBps,
		log:         log,
		now:         time.Now,
	}
}

// costBps is the round-trip friction both legs pay on entry.
func (e *Evaluator) costBps() float64 {
	return 2 * (e.feeBps + e.slippageBps)
}

// Evaluate computes the pair's current edge. A returned error means the pair
// must not be entered this tick; a nil error with a sub-threshold edge is the
// ordinary no-opportunity case.
func (e *Evaluator) Evaluate(pair domain.ArbitragePair, risk domain.RiskParameters) (Signal, error) {
	var (
		sig Signal
		err error
	)
	switch pair.Mode {
	case domain.ModeFundingRate:
		sig, err = e.evaluateFunding(pair)
	case domain.ModePriceSpread:
		sig, err = e.evaluateSpread(pair)
	case domain.ModeBasis:
		sig, err = e.evaluateBasis(pair, risk)
	default:
		return Signal{}, fmt.Errorf("evaluator: pair %s: unknown mode %q", pair.ID, pair.Mode)
	}
	if err != nil {
		return Signal{}, err
	}
	sig.PairID = pair.ID
	sig.Mode = pair.Mode
	sig.NetEdgeBps = sig.RawEdgeBps - e.costBps()
	sig.EvaluatedAt = e.now().UTC()
	if risk.MaxProfitBps > 0 && sig.RawEdgeBps > risk.MaxProfitBps {
		e.log.Warn("edge above ceiling, treating as bad data",
			zap.String("pair", pair.ID),
			zap.Float64("raw_bps", sig.RawEdgeBps),
			zap.Float64("ceiling_bps", risk.MaxProfitBps))
		return Signal{}, fmt.Errorf("%w: pair %s raw %.1f bps > %.1f bps",
			ErrSuspiciousEdge, pair.ID, sig.RawEdgeBps, risk.MaxProfitBps)
	}
	return sig, nil
}

// evaluateFunding compares hourly-normalized funding between two perpetuals.
// The leg paying the higher rate is shorted so the pair collects the
// differential; the edge is quoted as daily carry in basis points.
func (e *Evaluator) evaluateFunding(pair domain.ArbitragePair) (Signal, error) {
	fa, okA := e.md.Funding(pair.LegA.Key())
	fb, okB := e.md.Funding(pair.LegB.Key())
	if !okA || !okB {
		return Signal{}, fmt.Errorf("%w: pair %s funding", ErrNoQuote, pair.ID)
	}
	qa, qb, err := e.quotes(pair)
	if err != nil {
		return Signal{}, err
	}
	diff := fa.HourlyRate() - fb.HourlyRate()
	sig := Signal{RawEdgeBps: math.Abs(diff) * 24 * 10000}
	if diff > 0 {
		// Leg A pays more: short A, long B.
		sig.ShortLeg, sig.LongLeg = pair.LegA, pair.LegB
		sig.ShortMark, sig.LongMark = qa.Mid(), qb.Mid()
	} else {
		sig.ShortLeg, sig.LongLeg = pair.LegB, pair.LegA
		sig.ShortMark, sig.LongMark = qb.Mid(), qa.Mid()
	}
	return sig, nil
}

// evaluateSpread prices the executable cross: buy at one venue's ask, sell at
// the other's bid, in whichever direction is wider.
func (e *Evaluator) evaluateSpread(pair domain.ArbitragePair) (Signal, error) {
	qa, qb, err := e.quotes(pair)
	if err != nil {
		return Signal{}, err
	}
	mid := (qa.Mid() + qb.Mid()) / 2
	if mid <= 0 {
		return Signal{}, fmt.Errorf("%w: pair %s degenerate mid", ErrNoQuote, pair.ID)
	}
	buyAsellB := (qb.Bid - qa.Ask) / mid * 10000
	buyBsellA := (qa.Bid - qb.Ask) / mid * 10000
	sig := Signal{}
	if buyAsellB >= buyBsellA {
		sig.RawEdgeBps = buyAsellB
		sig.LongLeg, sig.ShortLeg = pair.LegA, pair.LegB
		sig.LongMark, sig.ShortMark = qa.Ask, qb.Bid
	} else {
		sig.RawEdgeBps = buyBsellA
		sig.LongLeg, sig.ShortLeg = pair.LegB, pair.LegA
		sig.LongMark, sig.ShortMark = qb.Ask, qa.Bid
	}
	return sig, nil
}

// evaluateBasis annualizes the future-spot premium by days to expiry. A
// positive basis sells the future against spot; the edge below the expiry
// floor is rejected outright because annualization blows up near expiry.
func (e *Evaluator) evaluateBasis(pair domain.ArbitragePair, risk domain.RiskParameters) (Signal, error) {
	future, spot := pair.LegA, pair.LegB
	if !future.HasExpiry() {
		future, spot = pair.LegB, pair.LegA
	}
	qf, okF := e.md.Quote(future.Key())
	qs, okS := e.md.Quote(spot.Key())
	if !okF || !okS {
		return Signal{}, fmt.Errorf("%w: pair %s book", ErrNoQuote, pair.ID)
	}
	days := future.Expiry.Sub(e.now().UTC()).Hours() / 24
	minDays := risk.MinDaysToExpiry
	if minDays <= 0 {
		minDays = 1
	}
	if days < minDays {
		return Signal{}, fmt.Errorf("%w: pair %s %.1f days remain, floor %.0f",
			ErrExpiryTooNear, pair.ID, days, minDays)
	}
	spotMid := qs.Mid()
	if spotMid <= 0 {
		return Signal{}, fmt.Errorf("%w: pair %s degenerate spot mid", ErrNoQuote, pair.ID)
	}
	basisBps := (qf.Mid() - spotMid) / spotMid * 10000
	sig := Signal{
		RawEdgeBps:   math.Abs(basisBps) * 365 / days,
		DaysToExpiry: days,
	}
	if basisBps >= 0 {
		// Contango: sell the rich future, hold spot.
		sig.ShortLeg, sig.LongLeg = future, spot
		sig.ShortMark, sig.LongMark = qf.Mid(), spotMid
	} else {
		sig.ShortLeg, sig.LongLeg = spot, future
		sig.ShortMark, sig.LongMark = spotMid, qf.Mid()
	}
	return sig, nil
}

func (e *Evaluator) quotes(pair domain.ArbitragePair) (marketdata.TopOfBook, marketdata.TopOfBook, error) {
	qa, okA := e.md.Quote(pair.LegA.Key())
	qb, okB := e.md.Quote(pair.LegB.Key())
	if !okA || !okB {
		return marketdata.TopOfBook{}, marketdata.TopOfBook{}, fmt.Errorf("%w: pair %s book", ErrNoQuote, pair.ID)
	}
	return qa, qb, nil
}

package recovery

import (
	"context"
	"fmt"
	"time"

	"dn-arb-bot/internal/domain"
	"dn-arb-bot/internal/exec"
	"dn-arb-bot/internal/ledger"
	"dn-arb-bot/internal/state"

	"go.uber.org/zap"
)

// Result is the reconciled picture of what survived a restart.
type Result struct {
	// Confirmed are logged orders the venue still reports open. They are
	// re-registered with the ledger so fills resume matching.
	Confirmed []ledger.OpenOrder

	// Unmatched are logged intents with no venue-side order. Each either
	// filled before the crash or never reached the venue; the fill stream
	// and position reconciliation disambiguate.
	Unmatched []exec.IntentRecord

	// Unknown are venue orders with no logged intent. These were not placed
	// by this engine's durable path and are cancel candidates.
	Unknown []exec.ReportedOrder

	// Positions is the venue-reported exposure to seed accounting with.
	Positions []exec.ReportedPosition
}

// Reconcile joins the intent log against venue-reported open orders by
// client order id. instruments maps exchange:trading_pair keys to configured
// instruments so confirmed orders rebuild with full contract terms.
func Reconcile(ctx context.Context, intents state.IntentLog, reporter exec.StateReporter, instruments map[string]domain.Instrument, log *zap.Logger) (Result, error) {
	payloads, err := intents.Intents(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read intent log: %w", err)
	}
	byCloid := make(map[string]exec.IntentRecord, len(payloads))
	var order []string
	for i, payload := range payloads {
		rec, err := exec.DecodeIntent(payload)
		if err != nil {
			// A torn tail entry from a crash mid-append is tolerable; a torn
			// middle entry is not, but either way the rest must still load.
			log.Warn("skipping undecodable intent log entry",
				zap.Int("index", i), zap.Error(err))
			continue
		}
		if _, dup := byCloid[rec.Intent.ClientOrderID]; !dup {
			order = append(order, rec.Intent.ClientOrderID)
		}
		byCloid[rec.Intent.ClientOrderID] = rec
	}

	reported, err := reporter.OpenOrders(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fetch open orders: %w", err)
	}
	positions, err := reporter.OpenPositions(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fetch positions: %w", err)
	}

	var res Result
	res.Positions = positions
	matched := make(map[string]bool, len(reported))
	for _, ro := range reported {
		rec, ok := byCloid[ro.ClientOrderID]
		if !ok {
			res.Unknown = append(res.Unknown, ro)
			continue
		}
		matched[ro.ClientOrderID] = true
		inst, ok := instruments[ro.Exchange+":"+ro.TradingPair]
		if !ok {
			inst = rec.Intent.Instrument
		}
		res.Confirmed = append(res.Confirmed, ledger.OpenOrder{
			OrderID:       ro.OrderID,
			ClientOrderID: ro.ClientOrderID,
			PairID:        rec.Intent.PairID,
			Instrument:    inst,
			IsBuy:         ro.IsBuy,
			Quantity:      ro.Quantity,
			Remaining:     ro.Remaining,
			Purpose:       rec.Intent.Purpose,
			PlacedAt:      rec.LoggedAt,
		})
	}
	for _, cloid := range order {
		if !matched[cloid] {
			res.Unmatched = append(res.Unmatched, byCloid[cloid])
		}
	}

	log.Info("recovery reconciled",
		zap.Int("logged_intents", len(byCloid)),
		zap.Int("confirmed", len(res.Confirmed)),
		zap.Int("unmatched", len(res.Unmatched)),
		zap.Int("unknown", len(res.Unknown)),
		zap.Int("positions", len(res.Positions)))
	return res, nil
}

// Seed registers confirmed orders with the ledger so the fill stream resumes
// matching where it left off, and adopts venue-reported positions so
// accounting restarts from real exposure instead of a flat book. pairForKey
// attributes each market to a configured pair; positions on markets no pair
// trades land in the unpaired book, where the hedger still sees them.
func Seed(l *ledger.Ledger, res Result, instruments map[string]domain.Instrument, pairForKey map[string]string, now time.Time, log *zap.Logger) {
	for _, o := range res.Confirmed {
		l.RecordOrder(o)
	}
	for _, p := range res.Positions {
		key := p.Exchange + ":" + p.TradingPair
		inst, ok := instruments[key]
		if !ok {
			log.Warn("venue position on unconfigured market, not adopted",
				zap.String("market", key),
				zap.Float64("quantity", p.Quantity))
			continue
		}
		pairID := pairForKey[key]
		log.Warn("adopting venue-reported position",
			zap.String("market", key),
			zap.String("pair", pairID),
			zap.Float64("quantity", p.Quantity),
			zap.Float64("entry_price", p.EntryPrice))
		l.SeedPosition(pairID, inst, p.Quantity, p.EntryPrice, now)
	}
}

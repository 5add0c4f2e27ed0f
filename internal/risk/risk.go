package risk

import (
	"errors"
	"fmt"
	"math"
	"time"

	"dn-arb-bot/internal/accounting"
	"dn-arb-bot/internal/domain"
)

var (
	// ErrDataStale means a feed the pair depends on has not ticked within the
	// heartbeat timeout.
	ErrDataStale = errors.New("market data stale")

	// ErrInsufficientCapacity means inventory or margin limits leave no room
	// for a new entry.
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrPartialFill means one leg filled while the other did not inside the
	// fill window, leaving unhedged exposure.
	ErrPartialFill = errors.New("partial leg fill")

	// ErrEmergencyStopped rejects trading actions while the stop flag is set.
	ErrEmergencyStopped = errors.New("emergency stopped")
)

// CheckFreshness verifies every exchange the pair touches has ticked within
// the heartbeat timeout. ages carries the last-update age per exchange; a
// missing entry means no data was ever received.
func CheckFreshness(pair domain.ArbitragePair, rp domain.RiskParameters, ages map[string]time.Duration) error {
	timeout := rp.HeartbeatTimeout
	if timeout <= 0 {
		return nil
	}
	for _, ex := range pair.Exchanges() {
		age, ok := ages[ex]
		if !ok {
			return fmt.Errorf("exchange %s has no data: %w", ex, ErrDataStale)
		}
		if age > timeout {
			return fmt.Errorf("exchange %s age %s exceeds %s: %w", ex, age, timeout, ErrDataStale)
		}
	}
	return nil
}

// SizeEntry returns the per-leg USD notional for a new entry, bounded by the
// pair's inventory limit, the per-trade cap, and spendable margin on each
// margin-settled leg. A trade that lands inventory exactly on the limit is
// allowed; a pair already at the limit is not.
func SizeEntry(pair domain.ArbitragePair, rp domain.RiskParameters, ps accounting.PortfolioState) (float64, error) {
	maxInv := rp.MaxInventorySizeUSD
	if equity := totalEquity(ps); pair.MaxInventoryRatio > 0 && equity > 0 {
		if ratioCap := pair.MaxInventoryRatio * equity; maxInv <= 0 || ratioCap < maxInv {
			maxInv = ratioCap
		}
	}
	if maxInv <= 0 {
		return 0, fmt.Errorf("pair %s has no inventory budget: %w", pair.ID, ErrInsufficientCapacity)
	}

	// ExposureByPair counts both legs; the limit is per side.
	held := ps.PairInventory(pair.ID) / 2
	capacity := maxInv - held
	if capacity <= 0 {
		return 0, fmt.Errorf("pair %s inventory %.2f at limit %.2f: %w",
			pair.ID, held, maxInv, ErrInsufficientCapacity)
	}

	size := capacity
	if rp.MaxTradeSizeUSD > 0 && size > rp.MaxTradeSizeUSD {
		size = rp.MaxTradeSizeUSD
	}
	for _, leg := range []domain.Instrument{pair.LegA, pair.LegB} {
		budget := LegBudget(leg, ps)
		if budget < size {
			size = budget
		}
	}
	if size <= 0 {
		return 0, fmt.Errorf("pair %s has no margin budget: %w", pair.ID, ErrInsufficientCapacity)
	}
	return size, nil
}

// LegBudget is the largest notional the instrument's settlement balance
// supports: spendable cash for cash-settled legs, free margin times leverage
// for margin-settled ones. Entries and hedges draw from the same budget.
func LegBudget(leg domain.Instrument, ps accounting.PortfolioState) float64 {
	if leg.AffectsCashBalance() {
		return math.Max(ps.CashByExchange[leg.Exchange], 0)
	}
	return math.Max(ps.AvailableMargin(leg.Exchange), 0) * leg.EffectiveLeverage()
}

func totalEquity(ps accounting.PortfolioState) float64 {
	var total float64
	for _, v := range ps.CashByExchange {
		total += v
	}
	for _, v := range ps.AvailableMarginByExchange {
		total += v
	}
	return total
}

// UnwindReason explains why an open pair should be torn down.
type UnwindReason string

const (
	UnwindTakeProfit  UnwindReason = "take_profit"
	UnwindStopLoss    UnwindReason = "stop_loss"
	UnwindPositionAge UnwindReason = "position_age"
)

// ShouldUnwind evaluates the exit triggers for a monitored pair.
func ShouldUnwind(rp domain.RiskParameters, pnlBps float64, openedAt, now time.Time) (UnwindReason, bool) {
	if rp.TakeProfitBps > 0 && pnlBps >= rp.TakeProfitBps {
		return UnwindTakeProfit, true
	}
	if rp.StopLossBps > 0 && pnlBps <= -rp.StopLossBps {
		return UnwindStopLoss, true
	}
	if rp.MaxPositionAge > 0 && !openedAt.IsZero() && now.Sub(openedAt) > rp.MaxPositionAge {
		return UnwindPositionAge, true
	}
	return "", false
}

// FillWindowExceeded reports whether an entry placed at placedAt has run out
// of time to complete both legs.
func FillWindowExceeded(rp domain.RiskParameters, placedAt, now time.Time) bool {
	if rp.EntryFillWindow <= 0 || placedAt.IsZero() {
		return false
	}
	return now.Sub(placedAt) > rp.EntryFillWindow
}

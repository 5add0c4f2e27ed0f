package hedge

import (
	"math"
	"sort"

	"dn-arb-bot/internal/accounting"
	"dn-arb-bot/internal/domain"

	"go.uber.org/zap"
)

// Action is a planned delta correction: trade the hedge instrument for the
// given notional to pull the rule's net exposure back toward zero.
type Action struct {
	Rule         domain.HedgeRule
	Instrument   domain.Instrument
	IsBuy        bool
	NotionalUSD  float64
	ImbalanceBps float64
}

// Planner turns hedge rules and current portfolio state into actions. It
// never places orders itself; the executor owns that.
type Planner struct {
	rules []domain.HedgeRule
	log   *zap.Logger
}

func NewPlanner(rules []domain.HedgeRule, log *zap.Logger) *Planner {
	ordered := make([]domain.HedgeRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})
	return &Planner{rules: ordered, log: log}
}

// Plan walks the rules in priority order and emits one action per rule whose
// imbalance clears its threshold. Rules below the minimum trade size are
// skipped so the planner does not churn dust.
func (p *Planner) Plan(ps accounting.PortfolioState) []Action {
	var actions []Action
	for _, rule := range p.rules {
		action, ok := p.plan(rule, ps)
		if !ok {
			continue
		}
		actions = append(actions, action)
	}
	return actions
}

func (p *Planner) plan(rule domain.HedgeRule, ps accounting.PortfolioState) (Action, bool) {
	primary := ps.NotionalByKey[rule.Primary.Key()]
	hedged := ps.NotionalByKey[rule.Hedge.Key()]
	if primary == 0 && hedged == 0 {
		return Action{}, false
	}

	// A fully hedged book satisfies primary + hedge*ratio = 0. The residual
	// is the unhedged notional the action must offset.
	imbalance := primary + hedged*rule.Ratio
	ref := math.Abs(primary)
	if ref == 0 {
		ref = math.Abs(hedged)
	}
	imbalanceBps := math.Abs(imbalance) / ref * 10000
	if imbalanceBps < rule.ThresholdBps {
		return Action{}, false
	}

	size := math.Abs(imbalance)
	if rule.MaxSizeUSD > 0 && size > rule.MaxSizeUSD {
		size = rule.MaxSizeUSD
	}
	if size < rule.MinSizeUSD {
		p.log.Debug("hedge below minimum size",
			zap.String("market", rule.Hedge.Key()),
			zap.Float64("size_usd", size),
			zap.Float64("min_usd", rule.MinSizeUSD))
		return Action{}, false
	}

	// A positive residual is long exposure: sell the hedge instrument.
	return Action{
		Rule:         rule,
		Instrument:   rule.Hedge,
		IsBuy:        imbalance < 0,
		NotionalUSD:  size,
		ImbalanceBps: imbalanceBps,
	}, true
}

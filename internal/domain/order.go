package domain

import "errors"

type IntentPurpose string

const (
	PurposeEnter   IntentPurpose = "enter"
	PurposeUnwind  IntentPurpose = "unwind"
	PurposeHedge   IntentPurpose = "hedge"
	PurposeFlatten IntentPurpose = "flatten"
)

// OrderIntent is a proposed order. Intents flow from the evaluator or hedging
// engine through the risk manager to the executor; nothing trades directly.
type OrderIntent struct {
	PairID        string
	Instrument    Instrument
	IsBuy         bool
	Quantity      float64
	LimitPrice    float64
	ReduceOnly    bool
	Purpose       IntentPurpose
	ClientOrderID string
}

func (o OrderIntent) Validate() error {
	if o.Quantity <= 0 {
		return errors.New("order quantity must be > 0")
	}
	if o.LimitPrice < 0 {
		return errors.New("order limit price must be >= 0")
	}
	if o.ClientOrderID == "" {
		return errors.New("client order id is required")
	}
	return o.Instrument.Validate()
}

// SignedQuantity returns the position delta the intent produces when fully
// filled.
func (o OrderIntent) SignedQuantity() float64 {
	if o.IsBuy {
		return o.Quantity
	}
	return -o.Quantity
}

package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	OrdersPlaced     Counter
	OrdersFailed     Counter
	EntriesOpened    Counter
	Unwinds          Counter
	HedgesPlaced     Counter
	DuplicateFills   Counter
	StaleTicks       Counter
	EmergencyStops   Counter
	EmergencyCleared Counter

	NetDeltaUSD      Gauge
	TotalExposureUSD Gauge
	RealizedPnLUSD   Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		OrdersPlaced:     n,
		OrdersFailed:     n,
		EntriesOpened:    n,
		Unwinds:          n,
		HedgesPlaced:     n,
		DuplicateFills:   n,
		StaleTicks:       n,
		EmergencyStops:   n,
		EmergencyCleared: n,
		NetDeltaUSD:      g,
		TotalExposureUSD: g,
		RealizedPnLUSD:   g,
	}
}

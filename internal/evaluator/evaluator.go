// Package evaluator decides, for one monitor and one fetched price, whether a
// threshold crossing occurred and what the next baseline is.
package evaluator

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dexmonitor/internal/storage"
)

// Kind enumerates evaluation outcomes.
type Kind int

const (
	// NoPriorBaseline records the price as the first usable baseline.
	NoPriorBaseline Kind = iota + 1
	// BelowThreshold moves the baseline without alerting.
	BelowThreshold
	// Crossed moves the baseline and emits an alert.
	Crossed
	// InvalidPrice rejects the fetched price and keeps the baseline.
	InvalidPrice
)

func (k Kind) String() string {
	switch k {
	case NoPriorBaseline:
		return "no_prior_baseline"
	case BelowThreshold:
		return "below_threshold"
	case Crossed:
		return "crossed"
	case InvalidPrice:
		return "invalid_price"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// PctPlaces is the precision of recorded percent changes.
const PctPlaces = 2

var hundred = decimal.NewFromInt(100)

// Decision is the outcome of evaluating one monitor against one price.
type Decision struct {
	Kind       Kind
	MonitorID  int64
	Price      decimal.Decimal
	ObservedAt time.Time
	// PrevPrice is the baseline compared against; zero for NoPriorBaseline.
	PrevPrice decimal.Decimal
	// PctChange is signed and rounded to PctPlaces; set for BelowThreshold and Crossed.
	PctChange decimal.Decimal
}

// UpdatesBaseline reports whether the decision moves the monitor baseline.
func (d Decision) UpdatesBaseline() bool {
	return d.Kind != InvalidPrice
}

// Alerts reports whether the decision emits an alert.
func (d Decision) Alerts() bool {
	return d.Kind == Crossed
}

// Evaluator holds no state besides its logger.
type Evaluator struct {
	logger zerolog.Logger
}

// New constructs an Evaluator.
func New(logger zerolog.Logger) *Evaluator {
	return &Evaluator{logger: logger.With().Str("component", "evaluator").Logger()}
}

// Decide evaluates current against the monitor baseline. The monitor must be
// active.
func (e *Evaluator) Decide(m storage.Monitor, current decimal.Decimal, observedAt time.Time) Decision {
	if !m.IsActive {
		panic(fmt.Sprintf("evaluator: monitor %d is not active", m.ID))
	}

	d := Decision{MonitorID: m.ID, Price: current, ObservedAt: observedAt}

	if current.Sign() <= 0 {
		d.Kind = InvalidPrice
		e.logger.Warn().
			Int64("monitor_id", m.ID).
			Str("price_usd", current.String()).
			Msg("rejecting non-positive price")
		return d
	}

	if m.PrevPriceUSD == nil {
		d.Kind = NoPriorBaseline
		return d
	}

	prev := *m.PrevPriceUSD
	if prev.Sign() <= 0 {
		d.Kind = NoPriorBaseline
		e.logger.Warn().
			Int64("monitor_id", m.ID).
			Str("prev_price_usd", prev.String()).
			Msg("resetting non-positive baseline")
		return d
	}

	pct := PctChange(prev, current)
	d.PrevPrice = prev
	d.PctChange = pct.Round(PctPlaces)
	if pct.Abs().GreaterThanOrEqual(m.ThresholdPct) {
		d.Kind = Crossed
	} else {
		d.Kind = BelowThreshold
	}
	return d
}

// PctChange returns (current - prev) / prev * 100 unrounded. prev must be
// positive.
func PctChange(prev, current decimal.Decimal) decimal.Decimal {
	return current.Sub(prev).Mul(hundred).Div(prev)
}

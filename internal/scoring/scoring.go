// Package scoring provides the pure numeric primitives used to score a
// transaction against a recurring item.
//
// Every function returns a value in [0,1], has no side effects, and depends only
// on its arguments, so a stored score can be replayed exactly during an audit.
package scoring

import (
	"math"
	"time"

	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/shopspring/decimal"
)

// Version tags scores produced by this package. Items created without an explicit
// score version are stamped with it.
const Version = "v1"

// LookbackHorizonDays normalizes recency so scores compare across items.
const LookbackHorizonDays = 180

var hundred = decimal.NewFromInt(100)

// DueDateScore is 1.0 when the transaction lands on the due date and decays
// linearly across the window on that side. Days are whole calendar days; the
// last day inside the window scores 1/(window+1) and anything beyond scores 0.
func DueDateScore(transactionDate, nextDueDate time.Time, windowBefore, windowAfter int) float64 {
	distance := model.DaysBetween(nextDueDate, transactionDate)
	window := windowAfter
	if distance < 0 {
		distance = -distance
		window = windowBefore
	}
	if distance == 0 {
		return 1.0
	}
	if window <= 0 || distance > window {
		return 0
	}
	return clamp(1 - float64(distance)/float64(window+1))
}

// AmountTolerance is the larger of the percent-derived and absolute tolerances.
func AmountTolerance(expected, variancePercent, varianceAbsolute decimal.Decimal) decimal.Decimal {
	percentTolerance := expected.Abs().Mul(variancePercent).Div(hundred)
	if varianceAbsolute.GreaterThan(percentTolerance) {
		return varianceAbsolute
	}
	return percentTolerance
}

// AmountScore is 1.0 at an exact match and decays linearly to 0 at the tolerance
// boundary. A zero tolerance only accepts exact matches.
func AmountScore(actual, expected, variancePercent, varianceAbsolute decimal.Decimal) float64 {
	delta := actual.Sub(expected).Abs()
	if delta.IsZero() {
		return 1.0
	}

	tolerance := AmountTolerance(expected, variancePercent, varianceAbsolute)
	if !tolerance.IsPositive() || delta.GreaterThanOrEqual(tolerance) {
		return 0
	}

	ratio, _ := delta.Div(tolerance).Float64()
	return clamp(1 - ratio)
}

// RecencyScore favors items confirmed more recently, relative to now. An item
// never observed scores 0; one observed at or after now scores 1.
func RecencyScore(lastObservedAt, now time.Time) float64 {
	if lastObservedAt.IsZero() {
		return 0
	}
	days := model.DaysBetween(lastObservedAt, now)
	if days <= 0 {
		return 1.0
	}
	if days >= LookbackHorizonDays {
		return 0
	}
	return clamp(1 - float64(days)/float64(LookbackHorizonDays))
}

// Breakdown is the per-primitive detail behind a weighted score.
type Breakdown struct {
	DueDate float64 `json:"due_date"`
	Amount  float64 `json:"amount"`
	Recency float64 `json:"recency"`
	Total   float64 `json:"total"`
}

// Score computes the weighted score of txn against item using the item's own
// weights. The transaction date is the reference point for recency.
func Score(txn model.EnrichedTransaction, item model.RecurringItem) Breakdown {
	b := Breakdown{
		DueDate: DueDateScore(txn.Date, item.NextDueDate, item.DueWindowDaysBefore, item.DueWindowDaysAfter),
		Amount:  AmountScore(txn.Amount, item.ExpectedAmount, item.AmountVariancePercent, item.AmountVarianceAbsolute),
		Recency: RecencyScore(item.LastObservedAt, txn.Date),
	}
	b.Total = clamp(item.Weights.DueDate*b.DueDate + item.Weights.Amount*b.Amount + item.Weights.Recency*b.Recency)
	return b
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

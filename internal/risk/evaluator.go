// Package risk implements the challenge rule evaluator and the position-sizing
// caps. Everything in this package is pure computation over snapshots — no
// I/O, no locking — so it can run inside any ledger transaction.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/propmarkets/challenge-engine/internal/model"
)

// Outcome is the evaluator's verdict on a challenge snapshot.
type Outcome string

const (
	// OutcomeNone means no rule fired; the challenge continues.
	OutcomeNone Outcome = "none"

	// OutcomePassed means the profit target was reached.
	OutcomePassed Outcome = "passed"

	// OutcomeHardBreach means the trailing max-drawdown limit was hit;
	// the challenge fails immediately.
	OutcomeHardBreach Outcome = "hard_breach"

	// OutcomeSoftBreach means the daily loss limit was hit; the failure
	// is deferred to end-of-day to allow intraday recovery.
	OutcomeSoftBreach Outcome = "soft_breach"
)

// Decision is the result of evaluating one challenge snapshot.
type Decision struct {
	Equity        decimal.Decimal `json:"equity"`
	HighWaterMark decimal.Decimal `json:"high_water_mark"`

	// TotalDrawdownUsage and DailyDrawdownUsage are fractions of the
	// respective limits; 1 or above means the rule breached. Zero when
	// the rule is non-binding.
	TotalDrawdownUsage decimal.Decimal `json:"total_drawdown_usage"`
	DailyDrawdownUsage decimal.Decimal `json:"daily_drawdown_usage"`

	ProfitProgress decimal.Decimal `json:"profit_progress"` // equity − startingBalance

	Outcome Outcome `json:"outcome"`
}

var one = decimal.NewFromInt(1)

// Evaluate computes equity, drawdown usage, and the rule verdict for a
// challenge given the summed mark-to-market value of its open positions.
//
// The returned HighWaterMark is monotonic: it never falls below the
// challenge's stored mark. A drawdown breach takes precedence over a
// simultaneous profit-target hit — failing is terminal, so a challenge can
// never pass and fail in the same evaluation. Rules whose denominator is
// zero or missing are non-binding rather than a division by zero.
func Evaluate(c *model.Challenge, openPositionValue decimal.Decimal) Decision {
	equity := c.CurrentBalance.Add(openPositionValue)

	hwm := c.HighWaterMark
	if equity.GreaterThan(hwm) {
		hwm = equity
	}

	d := Decision{
		Equity:         equity,
		HighWaterMark:  hwm,
		ProfitProgress: equity.Sub(c.StartingBalance),
		Outcome:        OutcomeNone,
	}

	// Total drawdown: trailing from the high-water mark.
	if c.Risk.MaxDrawdown.IsPositive() {
		loss := hwm.Sub(equity)
		if loss.IsNegative() {
			loss = decimal.Zero
		}
		d.TotalDrawdownUsage = loss.Div(c.Risk.MaxDrawdown)
	}

	// Daily drawdown: anchored at the start-of-day snapshot.
	if allowance := dailyAllowance(c, equity); allowance.IsPositive() {
		loss := c.StartOfDayBalance.Sub(equity)
		if loss.IsNegative() {
			loss = decimal.Zero
		}
		d.DailyDrawdownUsage = loss.Div(allowance)
	}

	switch {
	case d.TotalDrawdownUsage.GreaterThanOrEqual(one):
		d.Outcome = OutcomeHardBreach
	case d.DailyDrawdownUsage.GreaterThanOrEqual(one):
		d.Outcome = OutcomeSoftBreach
	case c.Risk.ProfitTarget.IsPositive() && d.ProfitProgress.GreaterThanOrEqual(c.Risk.ProfitTarget):
		d.Outcome = OutcomePassed
	}
	return d
}

// dailyAllowance returns the cash amount the challenge may lose intraday, or
// zero when the daily rule is non-binding. The static mode (default) fixes
// the denominator at the start-of-day snapshot; the dynamic alternative
// recomputes it against live equity.
func dailyAllowance(c *model.Challenge, equity decimal.Decimal) decimal.Decimal {
	pct := c.Risk.MaxDailyDrawdownPercent
	if !pct.IsPositive() || !c.StartOfDayBalance.IsPositive() {
		return decimal.Zero
	}
	if c.Risk.ResolvedDailyLossMode() == model.DailyLossDynamic {
		if !equity.IsPositive() {
			return decimal.Zero
		}
		return equity.Mul(pct)
	}
	return c.StartOfDayBalance.Mul(pct)
}

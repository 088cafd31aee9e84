package risk_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/propmarkets/challenge-engine/internal/model"
	"github.com/propmarkets/challenge-engine/internal/risk"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newChallenge() *model.Challenge {
	return &model.Challenge{
		ID:                "c1",
		StartingBalance:   d(10000),
		CurrentBalance:    d(10000),
		HighWaterMark:     d(10000),
		StartOfDayBalance: d(10000),
		Status:            model.StatusActive,
		Risk: model.RiskConfig{
			ProfitTarget:            d(800),
			MaxDrawdown:             d(1000),
			MaxDailyDrawdownPercent: d(0.05),
		},
	}
}

func TestEvaluate_Equity(t *testing.T) {
	c := newChallenge()
	c.CurrentBalance = d(9500)

	dec := risk.Evaluate(c, d(800))
	if !dec.Equity.Equal(d(10300)) {
		t.Errorf("expected equity 10300, got %s", dec.Equity)
	}
}

func TestEvaluate_HighWaterMarkMonotonic(t *testing.T) {
	c := newChallenge()
	c.CurrentBalance = d(9500)

	// Equity rises to 10300 → HWM follows.
	dec := risk.Evaluate(c, d(800))
	if !dec.HighWaterMark.Equal(d(10300)) {
		t.Errorf("expected hwm 10300, got %s", dec.HighWaterMark)
	}
	c.HighWaterMark = dec.HighWaterMark

	// Equity falls back → HWM must not decrease.
	dec = risk.Evaluate(c, d(300))
	if !dec.HighWaterMark.Equal(d(10300)) {
		t.Errorf("hwm should never decrease, got %s", dec.HighWaterMark)
	}
}

// Walks the full lifecycle of a $10,000 challenge with an $800 target and a
// $1,000 trailing drawdown: a $500 YES position at 0.50 marked at 0.80, 0.30,
// and finally 0.00.
func TestEvaluate_DrawdownLifecycle(t *testing.T) {
	c := newChallenge()
	c.Risk.MaxDailyDrawdownPercent = decimal.Zero // trailing rule only
	c.CurrentBalance = d(9500)                    // bought $500 of YES at 0.50 → 1000 shares

	// Mark 0.80: equity 10300, no breach, profit below target.
	dec := risk.Evaluate(c, d(800))
	if dec.Outcome != risk.OutcomeNone {
		t.Fatalf("expected no outcome at 0.80, got %s", dec.Outcome)
	}
	if !dec.TotalDrawdownUsage.IsZero() {
		t.Errorf("expected 0%% usage at the high, got %s", dec.TotalDrawdownUsage)
	}
	c.HighWaterMark = dec.HighWaterMark

	// Mark 0.30: equity 9800, drawdown 500 from HWM → usage 50%.
	dec = risk.Evaluate(c, d(300))
	if !dec.TotalDrawdownUsage.Equal(d(0.5)) {
		t.Errorf("expected usage 0.5, got %s", dec.TotalDrawdownUsage)
	}
	if dec.Outcome != risk.OutcomeNone {
		t.Errorf("expected no breach at 50%%, got %s", dec.Outcome)
	}

	// Mark 0.00 (resolved NO): equity 9500, drawdown 800 → usage 80%.
	dec = risk.Evaluate(c, decimal.Zero)
	if !dec.TotalDrawdownUsage.Equal(d(0.8)) {
		t.Errorf("expected usage 0.8, got %s", dec.TotalDrawdownUsage)
	}
	if dec.Outcome != risk.OutcomeNone {
		t.Errorf("challenge should still be live at 80%%, got %s", dec.Outcome)
	}

	// A further loss past $1,000 from the HWM is a hard breach.
	c.CurrentBalance = d(9250)
	dec = risk.Evaluate(c, decimal.Zero)
	if dec.Outcome != risk.OutcomeHardBreach {
		t.Errorf("expected hard breach, got %s", dec.Outcome)
	}
}

func TestEvaluate_ProfitTarget(t *testing.T) {
	c := newChallenge()
	c.CurrentBalance = d(10800)

	dec := risk.Evaluate(c, decimal.Zero)
	if dec.Outcome != risk.OutcomePassed {
		t.Errorf("expected passed at +800, got %s", dec.Outcome)
	}
}

func TestEvaluate_BreachBeatsProfitTarget(t *testing.T) {
	// Equity simultaneously above target and beyond the trailing drawdown:
	// failing is terminal, so the breach must win.
	c := newChallenge()
	c.HighWaterMark = d(12000)
	c.CurrentBalance = d(10900)

	dec := risk.Evaluate(c, decimal.Zero)
	if dec.Outcome != risk.OutcomeHardBreach {
		t.Errorf("breach must take precedence over profit target, got %s", dec.Outcome)
	}
}

func TestEvaluate_DailySoftBreach(t *testing.T) {
	// 5% of 10000 = 500 daily allowance.
	c := newChallenge()
	c.CurrentBalance = d(9500)

	dec := risk.Evaluate(c, decimal.Zero)
	if !dec.DailyDrawdownUsage.Equal(d(1)) {
		t.Errorf("expected daily usage 1, got %s", dec.DailyDrawdownUsage)
	}
	if dec.Outcome != risk.OutcomeSoftBreach {
		t.Errorf("expected soft breach, got %s", dec.Outcome)
	}
}

func TestEvaluate_HardBreachBeatsSoftBreach(t *testing.T) {
	c := newChallenge()
	c.HighWaterMark = d(10500)
	c.CurrentBalance = d(9400) // total loss 1100 > 1000; daily loss 600 > 500

	dec := risk.Evaluate(c, decimal.Zero)
	if dec.Outcome != risk.OutcomeHardBreach {
		t.Errorf("expected hard breach precedence, got %s", dec.Outcome)
	}
}

func TestEvaluate_ZeroDenominatorsNonBinding(t *testing.T) {
	c := newChallenge()
	c.Risk.MaxDrawdown = decimal.Zero
	c.StartOfDayBalance = decimal.Zero
	c.CurrentBalance = d(1) // catastrophic loss

	dec := risk.Evaluate(c, decimal.Zero)
	if dec.Outcome != risk.OutcomeNone {
		t.Errorf("rules with zero denominators must be non-binding, got %s", dec.Outcome)
	}
	if !dec.TotalDrawdownUsage.IsZero() || !dec.DailyDrawdownUsage.IsZero() {
		t.Errorf("expected zero usage, got total=%s daily=%s",
			dec.TotalDrawdownUsage, dec.DailyDrawdownUsage)
	}
}

func TestEvaluate_DynamicDailyMode(t *testing.T) {
	c := newChallenge()
	c.Risk.DailyLossMode = model.DailyLossDynamic
	c.CurrentBalance = d(9600) // loss 400

	// Static: 400/500 = 0.8. Dynamic: allowance 9600×0.05 = 480 → 400/480.
	dec := risk.Evaluate(c, decimal.Zero)
	want := d(400).Div(d(480))
	if !dec.DailyDrawdownUsage.Sub(want).Abs().LessThan(d(0.000001)) {
		t.Errorf("expected dynamic usage %s, got %s", want, dec.DailyDrawdownUsage)
	}
}

func TestPositionValue_Directions(t *testing.T) {
	yes := &model.Position{Direction: model.DirectionYes, Shares: d(100)}
	no := &model.Position{Direction: model.DirectionNo, Shares: d(100)}

	if v := yes.Value(d(0.3)); !v.Equal(d(30)) {
		t.Errorf("YES value: expected 30, got %s", v)
	}
	if v := no.Value(d(0.3)); !v.Equal(d(70)) {
		t.Errorf("NO value: expected 70, got %s", v)
	}
}

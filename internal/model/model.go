// Package model defines the core domain types shared across the challenge
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Challenge lifecycle states.
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusFailed  = "failed"
	StatusPassed  = "passed"
)

// Challenge phases. Promotion between phases is driven by an external
// collaborator; the engine only reads the phase.
const (
	PhaseChallenge    = "challenge"
	PhaseVerification = "verification"
	PhaseFunded       = "funded"
)

// Position directions for binary markets.
const (
	DirectionYes = "YES"
	DirectionNo  = "NO"
)

// Position states.
const (
	PositionOpen   = "OPEN"
	PositionClosed = "CLOSED"
)

// Trade types.
const (
	TradeBuy  = "BUY"
	TradeSell = "SELL"
)

// Challenge is one user's evaluation attempt with its own virtual ledger.
//
// CurrentBalance is cash only; equity (cash + mark-to-market position value)
// is always derived, never stored. CurrentBalance must equal StartingBalance
// plus the signed sum of all trade cash flows — any divergence is a
// ledger-integrity defect surfaced by the audit package.
type Challenge struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	StartingBalance   decimal.Decimal `json:"starting_balance" db:"starting_balance"`
	CurrentBalance    decimal.Decimal `json:"current_balance" db:"current_balance"`
	HighWaterMark     decimal.Decimal `json:"high_water_mark" db:"high_water_mark"`
	StartOfDayBalance decimal.Decimal `json:"start_of_day_balance" db:"start_of_day_balance"`

	Status string `json:"status" db:"status"`
	Phase  string `json:"phase" db:"phase"`

	Risk RiskConfig `json:"risk" db:"risk"`

	// PendingFailureAt marks a soft daily-drawdown breach awaiting
	// end-of-day finalization. Nil when no breach is pending.
	PendingFailureAt *time.Time `json:"pending_failure_at,omitempty" db:"pending_failure_at"`

	// LastDailyResetAt is a date-only (YYYY-MM-DD) idempotency marker for
	// the daily reset scheduler. Empty before the first reset.
	LastDailyResetAt string `json:"last_daily_reset_at,omitempty" db:"last_daily_reset_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Tradable reports whether the challenge can accept trade activity.
// A pending challenge becomes active on its first user action.
func (c *Challenge) Tradable() bool {
	return c.Status == StatusPending || c.Status == StatusActive
}

// Position is one open holding per (challenge, market, direction) tuple.
// Closing and reopening creates a new row.
type Position struct {
	ID          string `json:"id" db:"id"`
	ChallengeID string `json:"challenge_id" db:"challenge_id"`
	MarketID    string `json:"market_id" db:"market_id"`
	Direction   string `json:"direction" db:"direction"` // "YES" or "NO"

	// Category is the market category captured from the quote at open
	// time; it anchors the category-exposure cap. Empty when unknown.
	Category string `json:"category,omitempty" db:"category"`

	Shares     decimal.Decimal `json:"shares" db:"shares"`
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"` // VWAP across all BUYs
	SizeAmount decimal.Decimal `json:"size_amount" db:"size_amount"` // cash committed

	// CurrentPrice is the last observed mark. May be stale; used as a
	// fallback when the quote source has no fresh price.
	CurrentPrice decimal.Decimal `json:"current_price" db:"current_price"`

	Status      string           `json:"status" db:"status"`
	ClosedPrice *decimal.Decimal `json:"closed_price,omitempty" db:"closed_price"`

	OpenedAt time.Time  `json:"opened_at" db:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// Value returns the mark-to-market value of the position at markPrice.
// A YES position is worth shares × price; a NO position shares × (1 − price).
func (p *Position) Value(markPrice decimal.Decimal) decimal.Decimal {
	if p.Direction == DirectionNo {
		return p.Shares.Mul(decimal.NewFromInt(1).Sub(markPrice))
	}
	return p.Shares.Mul(markPrice)
}

// Trade is an immutable append-only ledger entry. Once created, trades are
// never modified or deleted; balance corrections happen only by inserting
// compensating trades.
type Trade struct {
	ID          string `json:"id" db:"id"`
	ChallengeID string `json:"challenge_id" db:"challenge_id"`
	PositionID  string `json:"position_id" db:"position_id"`
	MarketID    string `json:"market_id" db:"market_id"`
	Type        string `json:"type" db:"type"` // "BUY" or "SELL"

	Amount decimal.Decimal `json:"amount" db:"amount"` // cash value of the fill
	Shares decimal.Decimal `json:"shares" db:"shares"`
	Price  decimal.Decimal `json:"price" db:"price"`

	// RealizedPnL is set only on SELL/settlement trades.
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty" db:"realized_pnl"`

	// IdempotencyKey deduplicates close requests. Empty for BUYs and for
	// closes submitted without a key.
	IdempotencyKey string `json:"idempotency_key,omitempty" db:"idempotency_key"`

	ExecutedAt time.Time `json:"executed_at" db:"executed_at"`
}

// CashFlow returns the signed effect of the trade on the challenge balance:
// BUYs subtract cost, SELLs add proceeds.
func (t *Trade) CashFlow() decimal.Decimal {
	if t.Type == TradeBuy {
		return t.Amount.Neg()
	}
	return t.Amount
}

// Package audit recomputes challenge balances from the immutable trade
// history and reports divergence. Violations are surfaced for manual review,
// never auto-corrected: silently healing the balance would mask the bug that
// caused the drift.
package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/propmarkets/challenge-engine/internal/metrics"
	"github.com/propmarkets/challenge-engine/internal/store"
)

// ErrLedgerIntegrity is returned when the balance recomputed from trade
// history does not match the stored balance.
var ErrLedgerIntegrity = errors.New("audit: ledger integrity violation")

// tolerance absorbs NUMERIC rounding at the storage boundary.
var tolerance = decimal.New(1, -6) // 0.000001

// Result is the outcome of reconciling one challenge.
type Result struct {
	ChallengeID     string          `json:"challenge_id"`
	StoredBalance   decimal.Decimal `json:"stored_balance"`
	ComputedBalance decimal.Decimal `json:"computed_balance"`
	Divergence      decimal.Decimal `json:"divergence"`
	TradesReplayed  int             `json:"trades_replayed"`
	Consistent      bool            `json:"consistent"`
}

// Reconciler checks ledger integrity.
type Reconciler struct {
	store store.Store
}

// NewReconciler creates a ledger reconciler.
func NewReconciler(st store.Store) *Reconciler {
	return &Reconciler{store: st}
}

// ReconcileChallenge replays the challenge's full trade history against its
// starting balance: BUYs subtract cost, SELLs add proceeds. If the result
// diverges from the stored balance beyond rounding tolerance, the Result is
// returned alongside ErrLedgerIntegrity.
func (r *Reconciler) ReconcileChallenge(ctx context.Context, challengeID string) (*Result, error) {
	c, err := r.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	trades, err := r.store.ListTradesByChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	computed := c.StartingBalance
	for i := range trades {
		computed = computed.Add(trades[i].CashFlow())
	}

	res := &Result{
		ChallengeID:     challengeID,
		StoredBalance:   c.CurrentBalance,
		ComputedBalance: computed,
		Divergence:      c.CurrentBalance.Sub(computed),
		TradesReplayed:  len(trades),
	}
	res.Consistent = res.Divergence.Abs().LessThanOrEqual(tolerance)

	if !res.Consistent {
		metrics.LedgerIntegrityViolations.Inc()
		return res, fmt.Errorf("%w: challenge %s stored %s != computed %s",
			ErrLedgerIntegrity, challengeID, res.StoredBalance, res.ComputedBalance)
	}
	return res, nil
}

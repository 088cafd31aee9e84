// Package engine executes trades and position closes against the challenge
// ledger and applies the risk rules after every mutation.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Every mutation runs inside a single store transaction holding the
// challenge's exclusive lock, so trade execution, closing, settlement, and
// daily resets on one challenge are linearizable.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/propmarkets/challenge-engine/internal/metrics"
	"github.com/propmarkets/challenge-engine/internal/model"
	"github.com/propmarkets/challenge-engine/internal/quote"
	"github.com/propmarkets/challenge-engine/internal/risk"
	"github.com/propmarkets/challenge-engine/internal/store"
)

// Service is the trade executor and position closer.
type Service struct {
	store  store.Store
	quotes quote.Source
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
	now    func() time.Time
}

// NewService creates a new engine service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, quotes quote.Source, hub *WSHub) *Service {
	return &Service{
		store:  st,
		quotes: quotes,
		wsHub:  hub,
		now:    time.Now,
	}
}

// CreateChallenge provisions a new challenge in pending state. Invoked by the
// external payment/provisioning flow; the risk config is validated once here
// and trusted afterwards.
func (s *Service) CreateChallenge(ctx context.Context, userID string, startingBalance decimal.Decimal, cfg model.RiskConfig) (*model.Challenge, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidOrder)
	}
	if !startingBalance.IsPositive() {
		return nil, fmt.Errorf("%w: starting balance must be positive", ErrInvalidOrder)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &model.Challenge{
		ID:                uuid.New().String(),
		UserID:            userID,
		StartingBalance:   startingBalance,
		CurrentBalance:    startingBalance,
		HighWaterMark:     startingBalance,
		StartOfDayBalance: startingBalance,
		Status:            model.StatusPending,
		Phase:             model.PhaseChallenge,
		Risk:              cfg,
		CreatedAt:         s.now().UTC(),
	}
	if err := s.store.CreateChallenge(ctx, c); err != nil {
		return nil, err
	}

	slog.Info("challenge created",
		"challenge", c.ID,
		"user", userID,
		"starting_balance", startingBalance.String(),
	)
	return c, nil
}

// ExecuteTrade applies one BUY order atomically: preflight caps, VWAP merge
// into any existing open position, balance debit, immutable trade row, and a
// risk evaluation — all inside the challenge's exclusive transaction.
//
// A missing or timed-out quote is rejected with quote.ErrUnavailable before
// any ledger state is touched; the caller may retry once the market-data
// pipeline has refreshed the cache.
func (s *Service) ExecuteTrade(ctx context.Context, challengeID, marketID, direction string, amount decimal.Decimal) (*model.Trade, error) {
	if direction != model.DirectionYes && direction != model.DirectionNo {
		return nil, fmt.Errorf("%w: direction must be YES or NO", ErrInvalidOrder)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}

	q, err := s.quotes.GetQuote(ctx, marketID)
	if err != nil {
		metrics.TradeRejections.WithLabelValues("quote_unavailable").Inc()
		return nil, err
	}
	if !q.Price.IsPositive() || q.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		metrics.TradeRejections.WithLabelValues("quote_unavailable").Inc()
		return nil, fmt.Errorf("%w: unusable price %s for %s", quote.ErrUnavailable, q.Price, marketID)
	}

	execPrice := q.Price
	if direction == model.DirectionNo {
		execPrice = decimal.NewFromInt(1).Sub(q.Price)
	}

	var (
		executed   *model.Trade
		decision   risk.Decision
		transition string
	)

	err = s.store.WithChallengeTx(ctx, challengeID, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.Challenge(ctx)
		if err != nil {
			return err
		}
		if !c.Tradable() {
			return fmt.Errorf("%w: challenge %s is %s", ErrChallengeNotTradable, c.ID, c.Status)
		}

		open, err := tx.ListOpenPositions(ctx)
		if err != nil {
			return err
		}
		openValue, categoryExposure := s.markPositions(ctx, open)
		equity := c.CurrentBalance.Add(openValue)

		if amount.GreaterThan(c.CurrentBalance) {
			return fmt.Errorf("%w: amount %s > balance %s",
				ErrInsufficientBalance, amount, c.CurrentBalance)
		}
		if err := risk.CheckCaps(&c.Risk, equity, amount, q, categoryExposure[q.Category]); err != nil {
			return err
		}

		now := s.now().UTC()
		shares := amount.Div(execPrice)

		// Merge into an existing open position or open a new one.
		pos, err := tx.GetOpenPosition(ctx, marketID, direction)
		switch {
		case err == nil:
			newShares := pos.Shares.Add(shares)
			newSize := pos.SizeAmount.Add(amount)
			pos.EntryPrice = newSize.Div(newShares) // volume-weighted average
			pos.Shares = newShares
			pos.SizeAmount = newSize
			pos.CurrentPrice = q.Price
		case errors.Is(err, store.ErrNotFound):
			pos = &model.Position{
				ID:           uuid.New().String(),
				ChallengeID:  c.ID,
				MarketID:     marketID,
				Direction:    direction,
				Category:     q.Category,
				Shares:       shares,
				EntryPrice:   execPrice,
				SizeAmount:   amount,
				CurrentPrice: q.Price,
				Status:       model.PositionOpen,
				OpenedAt:     now,
			}
		default:
			return err
		}

		c.CurrentBalance = c.CurrentBalance.Sub(amount)
		if c.Status == model.StatusPending {
			c.Status = model.StatusActive // first user action activates
		}

		t := &model.Trade{
			ID:          uuid.New().String(),
			ChallengeID: c.ID,
			PositionID:  pos.ID,
			MarketID:    marketID,
			Type:        model.TradeBuy,
			Amount:      amount,
			Shares:      shares,
			Price:       execPrice,
			ExecutedAt:  now,
		}

		if err := tx.SavePosition(ctx, pos); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, t); err != nil {
			return err
		}

		// The new shares are worth exactly `amount` at the current mark,
		// so post-trade open value is the pre-trade value plus amount.
		decision = risk.Evaluate(c, openValue.Add(amount))
		transition = s.applyDecision(c, decision, now)
		if err := tx.UpdateChallenge(ctx, c); err != nil {
			return err
		}

		executed = t
		return nil
	})
	if err != nil {
		s.countRejection(err)
		return nil, err
	}

	metrics.TradesExecuted.WithLabelValues(model.TradeBuy, direction).Inc()
	slog.Info("trade executed",
		"trade_id", executed.ID,
		"challenge", challengeID,
		"market", marketID,
		"direction", direction,
		"amount", amount.String(),
		"shares", executed.Shares.String(),
		"price", executed.Price.String(),
		"equity", decision.Equity.String(),
		"transition", transition,
	)
	s.broadcast(challengeID, "trade_executed", executed, decision, transition)
	return executed, nil
}

// ClosePosition closes all or part of an OPEN position at the current mark.
// With an idempotency key, replaying the request after the close returns the
// original trade instead of double-crediting the balance. A zero or negative
// shares argument closes the whole position.
func (s *Service) ClosePosition(ctx context.Context, positionID, idempotencyKey string, sharesToClose decimal.Decimal) (*model.Trade, error) {
	// Unserialized read to learn the owning challenge; re-read under lock.
	peek, err := s.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}

	var (
		closed     *model.Trade
		decision   risk.Decision
		transition string
		replayed   bool
	)

	err = s.store.WithChallengeTx(ctx, peek.ChallengeID, func(ctx context.Context, tx store.Tx) error {
		if idempotencyKey != "" {
			if prior, err := tx.FindTradeByIdempotencyKey(ctx, idempotencyKey); err == nil {
				// A key recorded against a different position is a
				// reused key, not a replay of this close.
				if prior.PositionID != positionID {
					return fmt.Errorf("%w: idempotency key %s belongs to position %s",
						store.ErrDuplicate, idempotencyKey, prior.PositionID)
				}
				closed = prior
				replayed = true
				return nil
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		pos, err := tx.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if pos.Status == model.PositionClosed {
			return fmt.Errorf("%w: position %s", ErrAlreadyClosed, positionID)
		}

		q, err := s.quotes.GetQuote(ctx, pos.MarketID)
		if err != nil {
			return err
		}

		c, err := tx.Challenge(ctx)
		if err != nil {
			return err
		}

		t, err := s.closeAt(ctx, tx, c, pos, q.Price, sharesToClose, idempotencyKey)
		if err != nil {
			return err
		}

		open, err := tx.ListOpenPositions(ctx)
		if err != nil {
			return err
		}
		openValue, _ := s.markPositions(ctx, open)
		decision = risk.Evaluate(c, openValue)
		transition = s.applyDecision(c, decision, s.now().UTC())
		if err := tx.UpdateChallenge(ctx, c); err != nil {
			return err
		}

		closed = t
		return nil
	})
	if err != nil {
		s.countRejection(err)
		return nil, err
	}

	if replayed {
		slog.Info("close replayed", "position", positionID, "idempotency_key", idempotencyKey)
		return closed, nil
	}

	metrics.TradesExecuted.WithLabelValues(model.TradeSell, peek.Direction).Inc()
	slog.Info("position closed",
		"trade_id", closed.ID,
		"challenge", peek.ChallengeID,
		"position", positionID,
		"proceeds", closed.Amount.String(),
		"realized_pnl", closed.RealizedPnL.String(),
		"equity", decision.Equity.String(),
		"transition", transition,
	)
	s.broadcast(peek.ChallengeID, "position_closed", closed, decision, transition)
	return closed, nil
}

// SettlePosition force-closes a position at its market's terminal price.
// Called by the settlement scanner under the challenge lock; if the position
// was closed by a concurrent user request before the lock was acquired, the
// settlement is skipped silently and (nil, nil) is returned.
func (s *Service) SettlePosition(ctx context.Context, positionID string, terminalPrice decimal.Decimal) (*model.Trade, error) {
	peek, err := s.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}

	var (
		settled    *model.Trade
		decision   risk.Decision
		transition string
	)

	err = s.store.WithChallengeTx(ctx, peek.ChallengeID, func(ctx context.Context, tx store.Tx) error {
		pos, err := tx.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if pos.Status == model.PositionClosed {
			return nil // raced with a user close; nothing to settle
		}

		c, err := tx.Challenge(ctx)
		if err != nil {
			return err
		}

		t, err := s.closeAt(ctx, tx, c, pos, terminalPrice, decimal.Zero, "")
		if err != nil {
			return err
		}

		open, err := tx.ListOpenPositions(ctx)
		if err != nil {
			return err
		}
		openValue, _ := s.markPositions(ctx, open)
		decision = risk.Evaluate(c, openValue)
		transition = s.applyDecision(c, decision, s.now().UTC())
		if err := tx.UpdateChallenge(ctx, c); err != nil {
			return err
		}

		settled = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if settled == nil {
		return nil, nil
	}

	metrics.PositionsSettled.Inc()
	slog.Info("position settled",
		"trade_id", settled.ID,
		"challenge", peek.ChallengeID,
		"position", positionID,
		"terminal_price", terminalPrice.String(),
		"realized_pnl", settled.RealizedPnL.String(),
		"transition", transition,
	)
	s.broadcast(peek.ChallengeID, "position_settled", settled, decision, transition)
	return settled, nil
}

// closeAt performs the shared SELL accounting: proceeds at markPrice,
// proportional realized P&L for partial closes, balance credit, and the
// immutable SELL trade row. The caller evaluates risk afterwards.
func (s *Service) closeAt(ctx context.Context, tx store.Tx, c *model.Challenge, pos *model.Position, markPrice, sharesToClose decimal.Decimal, idempotencyKey string) (*model.Trade, error) {
	now := s.now().UTC()

	full := !sharesToClose.IsPositive() || sharesToClose.GreaterThanOrEqual(pos.Shares)
	closedShares := sharesToClose
	if full {
		closedShares = pos.Shares
	}

	unit := markPrice
	if pos.Direction == model.DirectionNo {
		unit = decimal.NewFromInt(1).Sub(markPrice)
	}
	proceeds := closedShares.Mul(unit)

	costPortion := pos.SizeAmount
	if !full {
		costPortion = pos.SizeAmount.Mul(closedShares).Div(pos.Shares)
	}
	realized := proceeds.Sub(costPortion)

	if full {
		pos.Status = model.PositionClosed
		pos.ClosedPrice = &markPrice
		pos.ClosedAt = &now
	} else {
		pos.Shares = pos.Shares.Sub(closedShares)
		pos.SizeAmount = pos.SizeAmount.Sub(costPortion)
	}
	pos.CurrentPrice = markPrice

	c.CurrentBalance = c.CurrentBalance.Add(proceeds)

	t := &model.Trade{
		ID:             uuid.New().String(),
		ChallengeID:    c.ID,
		PositionID:     pos.ID,
		MarketID:       pos.MarketID,
		Type:           model.TradeSell,
		Amount:         proceeds,
		Shares:         closedShares,
		Price:          markPrice,
		RealizedPnL:    &realized,
		IdempotencyKey: idempotencyKey,
		ExecutedAt:     now,
	}

	if err := tx.SavePosition(ctx, pos); err != nil {
		return nil, err
	}
	if err := tx.InsertTrade(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// markPositions sums the mark-to-market value of open positions and the cash
// committed per category. Markets without a fresh quote fall back to the
// position's last observed mark rather than blocking unrelated operations.
func (s *Service) markPositions(ctx context.Context, positions []model.Position) (decimal.Decimal, map[string]decimal.Decimal) {
	total := decimal.Zero
	byCategory := make(map[string]decimal.Decimal)

	for i := range positions {
		p := &positions[i]
		mark := p.CurrentPrice
		if q, err := s.quotes.GetQuote(ctx, p.MarketID); err == nil {
			mark = q.Price
		}
		total = total.Add(p.Value(mark))
		if p.Category != "" {
			byCategory[p.Category] = byCategory[p.Category].Add(p.SizeAmount)
		}
	}
	return total, byCategory
}

// applyDecision folds an evaluator decision into the challenge. The
// high-water mark only ever rises. Hard breaches fail immediately; soft
// breaches set the pending failure marker for the daily reset to finalize;
// reaching the profit target passes immediately. Returns the transition
// applied (empty when none).
func (s *Service) applyDecision(c *model.Challenge, d risk.Decision, now time.Time) string {
	if d.HighWaterMark.GreaterThan(c.HighWaterMark) {
		c.HighWaterMark = d.HighWaterMark
	}

	switch d.Outcome {
	case risk.OutcomeHardBreach:
		if c.Status != model.StatusFailed {
			c.Status = model.StatusFailed
			metrics.ChallengeTransitions.WithLabelValues("failed", "max_drawdown").Inc()
			return "failed"
		}
	case risk.OutcomeSoftBreach:
		if c.PendingFailureAt == nil {
			t := now
			c.PendingFailureAt = &t
			metrics.ChallengeTransitions.WithLabelValues("soft_breach", "daily_drawdown").Inc()
			return "soft_breach"
		}
	case risk.OutcomePassed:
		if c.Status == model.StatusActive {
			c.Status = model.StatusPassed
			metrics.ChallengeTransitions.WithLabelValues("passed", "profit_target").Inc()
			return "passed"
		}
	case risk.OutcomeNone:
		// A recovered equity clears a pending soft breach intraday.
		if c.PendingFailureAt != nil && d.DailyDrawdownUsage.LessThan(decimal.NewFromInt(1)) {
			c.PendingFailureAt = nil
			return "soft_breach_recovered"
		}
	}
	return ""
}

// Equity evaluates the challenge at the current marks and returns live
// equity and rule usage. The evaluation runs under the challenge lock and its
// decision is folded back into the ledger: an equity peak observed here
// raises the stored high-water mark, so the trailing drawdown anchors on
// every observation, not only on trades.
func (s *Service) Equity(ctx context.Context, challengeID string) (*model.Challenge, risk.Decision, error) {
	var (
		snapshot *model.Challenge
		decision risk.Decision
	)

	err := s.store.WithChallengeTx(ctx, challengeID, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.Challenge(ctx)
		if err != nil {
			return err
		}
		open, err := tx.ListOpenPositions(ctx)
		if err != nil {
			return err
		}
		openValue, _ := s.markPositions(ctx, open)

		decision = risk.Evaluate(c, openValue)
		transition := s.applyDecision(c, decision, s.now().UTC())
		if err := tx.UpdateChallenge(ctx, c); err != nil {
			return err
		}
		if transition != "" {
			slog.Info("evaluation transition",
				"challenge", c.ID,
				"transition", transition,
				"equity", decision.Equity.String(),
			)
		}
		snapshot = c
		return nil
	})
	if err != nil {
		return nil, risk.Decision{}, err
	}
	return snapshot, decision, nil
}

func (s *Service) countRejection(err error) {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		metrics.TradeRejections.WithLabelValues("insufficient_balance").Inc()
	case errors.Is(err, risk.ErrCapExceeded):
		metrics.TradeRejections.WithLabelValues("cap_exceeded").Inc()
	case errors.Is(err, quote.ErrUnavailable):
		metrics.TradeRejections.WithLabelValues("quote_unavailable").Inc()
	case errors.Is(err, ErrChallengeNotTradable):
		metrics.TradeRejections.WithLabelValues("not_tradable").Inc()
	case errors.Is(err, ErrAlreadyClosed):
		metrics.TradeRejections.WithLabelValues("already_closed").Inc()
	}
}

func (s *Service) broadcast(challengeID, event string, t *model.Trade, d risk.Decision, transition string) {
	if s.wsHub == nil {
		return
	}
	msg := WSMessage{
		Type:        event,
		ChallengeID: challengeID,
		Equity:      d.Equity.String(),
		Transition:  transition,
	}
	if t != nil {
		msg.TradeID = t.ID
		msg.MarketID = t.MarketID
		msg.Amount = t.Amount.String()
		msg.Price = t.Price.String()
		if t.RealizedPnL != nil {
			msg.RealizedPnL = t.RealizedPnL.String()
		}
	}
	s.wsHub.Broadcast(msg)
}

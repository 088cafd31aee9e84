// Package reset implements the once-per-day challenge maintenance pass:
// finalizing soft breaches that never recovered and re-anchoring the daily
// loss limit at the new start-of-day equity.
package reset

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propmarkets/challenge-engine/internal/metrics"
	"github.com/propmarkets/challenge-engine/internal/model"
	"github.com/propmarkets/challenge-engine/internal/quote"
	"github.com/propmarkets/challenge-engine/internal/store"
)

// Report summarizes one daily reset pass.
type Report struct {
	Failed  int      `json:"failed"`
	Reset   int      `json:"reset"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// Scheduler performs the daily reset. Each challenge is processed under its
// exclusive lock; a challenge already stamped with today's date is skipped,
// so running the pass more than once per day is harmless.
type Scheduler struct {
	store   store.Store
	quotes  quote.Source
	nowFunc func() time.Time
}

// NewScheduler creates a daily reset scheduler.
func NewScheduler(st store.Store, quotes quote.Source) *Scheduler {
	return &Scheduler{store: st, quotes: quotes, nowFunc: time.Now}
}

// RunDailyReset processes every challenge still under evaluation:
//
//  1. A non-nil pendingFailureAt (soft daily-drawdown breach that never
//     recovered intraday) transitions the challenge to failed.
//  2. Remaining active challenges get startOfDayBalance set to current
//     equity, pendingFailureAt cleared, and lastDailyResetAt stamped.
//
// Per-challenge errors are collected and never abort the pass.
func (s *Scheduler) RunDailyReset(ctx context.Context) Report {
	var report Report
	today := s.nowFunc().UTC().Format("2006-01-02")

	challenges, err := s.store.ListEvaluating(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list challenges: %v", err))
		return report
	}

	for i := range challenges {
		id := challenges[i].ID
		outcome, err := s.resetOne(ctx, id, today)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("challenge %s: %v", id, err))
			continue
		}
		switch outcome {
		case "failed":
			report.Failed++
		case "reset":
			report.Reset++
		case "skipped":
			report.Skipped++
		}
		metrics.DailyResets.WithLabelValues(outcome).Inc()
	}

	slog.Info("daily reset complete",
		"date", today,
		"failed", report.Failed,
		"reset", report.Reset,
		"skipped", report.Skipped,
		"errors", len(report.Errors),
	)
	return report
}

func (s *Scheduler) resetOne(ctx context.Context, challengeID, today string) (string, error) {
	outcome := "skipped"
	err := s.store.WithChallengeTx(ctx, challengeID, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.Challenge(ctx)
		if err != nil {
			return err
		}

		// Idempotency: already reset today.
		if c.LastDailyResetAt == today {
			return nil
		}

		// Step 1: finalize an unrecovered soft breach.
		if c.PendingFailureAt != nil {
			c.Status = model.StatusFailed
			c.PendingFailureAt = nil
			c.LastDailyResetAt = today
			outcome = "failed"
			slog.Info("soft breach finalized", "challenge", c.ID)
			return tx.UpdateChallenge(ctx, c)
		}

		if c.Status != model.StatusActive && c.Status != model.StatusPending {
			return nil
		}

		// Step 2: snapshot start-of-day equity.
		open, err := tx.ListOpenPositions(ctx)
		if err != nil {
			return err
		}
		c.StartOfDayBalance = c.CurrentBalance.Add(s.markValue(ctx, open))
		c.PendingFailureAt = nil
		c.LastDailyResetAt = today
		outcome = "reset"
		return tx.UpdateChallenge(ctx, c)
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// markValue sums the mark-to-market value of open positions, falling back to
// each position's last observed mark when no fresh quote exists.
func (s *Scheduler) markValue(ctx context.Context, positions []model.Position) decimal.Decimal {
	total := decimal.Zero
	for i := range positions {
		p := &positions[i]
		mark := p.CurrentPrice
		if q, err := s.quotes.GetQuote(ctx, p.MarketID); err == nil {
			mark = q.Price
		}
		total = total.Add(p.Value(mark))
	}
	return total
}

// Run executes RunDailyReset on a fixed interval until the context is
// canceled. The per-date idempotency marker makes the interval safe to set
// well below 24h.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("daily reset scheduler started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("daily reset scheduler stopped")
			return
		case <-ticker.C:
			s.RunDailyReset(ctx)
		}
	}
}

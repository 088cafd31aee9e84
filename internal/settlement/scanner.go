// Package settlement periodically force-closes open positions whose
// underlying market has resolved.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propmarkets/challenge-engine/internal/engine"
	"github.com/propmarkets/challenge-engine/internal/metrics"
	"github.com/propmarkets/challenge-engine/internal/quote"
	"github.com/propmarkets/challenge-engine/internal/store"
)

// Report summarizes one settlement pass.
type Report struct {
	Checked      int             `json:"checked"`
	Settled      int             `json:"settled"`
	TotalPnL     decimal.Decimal `json:"total_pnl_settled"`
	Errors       []string        `json:"errors,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	DurationMsec int64           `json:"duration_msec"`
}

// Scanner scans open positions for resolved markets. Each settlement runs
// under the owning challenge's exclusive lock via the engine, so the scanner
// never races a concurrent user close — a position found CLOSED under the
// lock is skipped silently.
type Scanner struct {
	store   store.Store
	quotes  quote.Source
	engine  *engine.Service
	nowFunc func() time.Time
}

// NewScanner creates a settlement scanner.
func NewScanner(st store.Store, quotes quote.Source, eng *engine.Service) *Scanner {
	return &Scanner{
		store:   st,
		quotes:  quotes,
		engine:  eng,
		nowFunc: time.Now,
	}
}

// RunPass scans every OPEN position across challenges still under
// evaluation. A single market's failure is collected in the report and never
// aborts the rest of the pass.
func (s *Scanner) RunPass(ctx context.Context) Report {
	started := s.nowFunc().UTC()
	report := Report{TotalPnL: decimal.Zero, StartedAt: started}

	positions, err := s.store.ListOpenPositions(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list open positions: %v", err))
		return s.finish(report, started)
	}

	for i := range positions {
		p := &positions[i]
		report.Checked++

		res, err := s.quotes.GetResolution(ctx, p.MarketID)
		if err != nil {
			// Data unavailable: skip and continue, never a silent success.
			report.Errors = append(report.Errors,
				fmt.Sprintf("position %s market %s: %v", p.ID, p.MarketID, err))
			metrics.SettlementErrors.Inc()
			continue
		}
		if !res.Resolved {
			continue
		}

		trade, err := s.engine.SettlePosition(ctx, p.ID, res.TerminalPrice)
		if err != nil {
			report.Errors = append(report.Errors,
				fmt.Sprintf("settle position %s: %v", p.ID, err))
			metrics.SettlementErrors.Inc()
			continue
		}
		if trade == nil {
			continue // closed concurrently before the lock was acquired
		}

		report.Settled++
		report.TotalPnL = report.TotalPnL.Add(*trade.RealizedPnL)
	}

	return s.finish(report, started)
}

func (s *Scanner) finish(report Report, started time.Time) Report {
	elapsed := s.nowFunc().UTC().Sub(started)
	report.DurationMsec = elapsed.Milliseconds()
	metrics.SettlementPassDuration.Observe(elapsed.Seconds())

	slog.Info("settlement pass complete",
		"checked", report.Checked,
		"settled", report.Settled,
		"total_pnl", report.TotalPnL.String(),
		"errors", len(report.Errors),
		"duration", elapsed.String(),
	)
	return report
}

// Run executes RunPass on a fixed interval until the context is canceled.
// Intended as a fallback for deployments without an external cron trigger.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("settlement scanner started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("settlement scanner stopped")
			return
		case <-ticker.C:
			s.RunPass(ctx)
		}
	}
}

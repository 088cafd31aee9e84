package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/propmarkets/challenge-engine/internal/engine"
	"github.com/propmarkets/challenge-engine/internal/model"
	"github.com/propmarkets/challenge-engine/internal/quote"
	"github.com/propmarkets/challenge-engine/internal/risk"
	"github.com/propmarkets/challenge-engine/internal/store"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func testRisk() model.RiskConfig {
	return model.RiskConfig{
		ProfitTarget:            d(800),
		MaxDrawdown:             d(1000),
		MaxDailyDrawdownPercent: d(0.05),
		MaxPositionSizePercent:  d(0.5),
	}
}

// newFixture returns a service over the memory store and quote source with one
// $10k challenge already provisioned and a liquid quote for mkt-1 at 0.50.
func newFixture(t *testing.T) (*engine.Service, *store.MemoryStore, *quote.MemorySource, *model.Challenge) {
	t.Helper()

	st := store.NewMemoryStore()
	qs := quote.NewMemorySource()
	svc := engine.NewService(st, qs, nil)

	c, err := svc.CreateChallenge(context.Background(), "user-1", d(10000), testRisk())
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}

	qs.SetQuote(quote.Quote{
		MarketID:  "mkt-1",
		Price:     d(0.50),
		Volume24h: d(100000),
		Category:  "politics",
	})
	return svc, st, qs, c
}

func TestCreateChallenge_Validation(t *testing.T) {
	st := store.NewMemoryStore()
	svc := engine.NewService(st, quote.NewMemorySource(), nil)
	ctx := context.Background()

	if _, err := svc.CreateChallenge(ctx, "", d(10000), testRisk()); !errors.Is(err, engine.ErrInvalidOrder) {
		t.Errorf("missing user: got %v", err)
	}
	if _, err := svc.CreateChallenge(ctx, "u", decimal.Zero, testRisk()); !errors.Is(err, engine.ErrInvalidOrder) {
		t.Errorf("zero balance: got %v", err)
	}

	bad := testRisk()
	bad.DailyLossMode = "hourly"
	if _, err := svc.CreateChallenge(ctx, "u", d(10000), bad); !errors.Is(err, model.ErrInvalidRiskConfig) {
		t.Errorf("bad risk config: got %v", err)
	}
}

func TestExecuteTrade_BuyYes(t *testing.T) {
	svc, st, _, c := newFixture(t)
	ctx := context.Background()

	tr, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", model.DirectionYes, d(500))
	if err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}
	if !tr.Shares.Equal(d(1000)) {
		t.Errorf("shares = %s, want 1000", tr.Shares)
	}
	if !tr.Price.Equal(d(0.50)) {
		t.Errorf("exec price = %s, want 0.50", tr.Price)
	}
	if tr.Type != model.TradeBuy {
		t.Errorf("type = %s, want BUY", tr.Type)
	}

	got, err := st.GetChallenge(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.CurrentBalance.Equal(d(9500)) {
		t.Errorf("balance = %s, want 9500", got.CurrentBalance)
	}
	if got.Status != model.StatusActive {
		t.Errorf("first trade must activate the challenge, status = %s", got.Status)
	}

	pos, err := st.GetPosition(ctx, tr.PositionID)
	if err != nil {
		t.Fatal(err)
	}
	if pos.Status != model.PositionOpen || !pos.Shares.Equal(d(1000)) {
		t.Errorf("position = %s %s shares, want OPEN 1000", pos.Status, pos.Shares)
	}
	if pos.Category != "politics" {
		t.Errorf("category = %q, want politics", pos.Category)
	}
}

func TestExecuteTrade_BuyNoUsesComplementPrice(t *testing.T) {
	svc, _, qs, c := newFixture(t)
	qs.SetQuote(quote.Quote{MarketID: "mkt-2", Price: d(0.25), Volume24h: d(100000)})

	tr, err := svc.ExecuteTrade(context.Background(), c.ID, "mkt-2", model.DirectionNo, d(300))
	if err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}
	if !tr.Price.Equal(d(0.75)) {
		t.Errorf("NO exec price = %s, want 0.75", tr.Price)
	}
	if !tr.Shares.Equal(d(400)) {
		t.Errorf("shares = %s, want 400", tr.Shares)
	}
}

func TestExecuteTrade_InvalidOrder(t *testing.T) {
	svc, _, _, c := newFixture(t)
	ctx := context.Background()

	if _, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", "MAYBE", d(100)); !errors.Is(err, engine.ErrInvalidOrder) {
		t.Errorf("bad direction: got %v", err)
	}
	if _, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", model.DirectionYes, d(-5)); !errors.Is(err, engine.ErrInvalidOrder) {
		t.Errorf("negative amount: got %v", err)
	}
}

func TestExecuteTrade_QuoteUnavailable(t *testing.T) {
	svc, st, qs, c := newFixture(t)
	ctx := context.Background()

	qs.FailMarket("mkt-1", true)
	if _, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", model.DirectionYes, d(100)); !errors.Is(err, quote.ErrUnavailable) {
		t.Errorf("failing market: got %v", err)
	}

	// A price outside (0, 1) is unusable: the market has effectively resolved.
	qs.FailMarket("mkt-1", false)
	qs.SetQuote(quote.Quote{MarketID: "mkt-1", Price: d(1), Volume24h: d(100000)})
	if _, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", model.DirectionYes, d(100)); !errors.Is(err, quote.ErrUnavailable) {
		t.Errorf("terminal price: got %v", err)
	}

	got, _ := st.GetChallenge(ctx, c.ID)
	if !got.CurrentBalance.Equal(d(10000)) {
		t.Errorf("rejected trades must not touch the ledger, balance = %s", got.CurrentBalance)
	}
}

func TestExecuteTrade_InsufficientBalanceLeavesLedgerUntouched(t *testing.T) {
	svc, st, _, c := newFixture(t)
	ctx := context.Background()

	_, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", model.DirectionYes, d(20000))
	if !errors.Is(err, engine.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}

	got, _ := st.GetChallenge(ctx, c.ID)
	if !got.CurrentBalance.Equal(d(10000)) {
		t.Errorf("balance = %s, want 10000", got.CurrentBalance)
	}
	trades, _ := st.ListTradesByChallenge(ctx, c.ID)
	if len(trades) != 0 {
		t.Errorf("trades = %d, want 0", len(trades))
	}
}

func TestExecuteTrade_CapRejection(t *testing.T) {
	svc, st, _, c := newFixture(t)
	ctx := context.Background()

	// 50% of 10000 equity = 5000 max per position.
	_, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", model.DirectionYes, d(6000))
	if !errors.Is(err, risk.ErrPositionSizeCap) {
		t.Fatalf("got %v, want ErrPositionSizeCap", err)
	}

	got, _ := st.GetChallenge(ctx, c.ID)
	if got.Status != model.StatusPending {
		t.Errorf("rejected trade must not activate the challenge, status = %s", got.Status)
	}
}

func TestExecuteTrade_VWAPMerge(t *testing.T) {
	svc, st, qs, c := newFixture(t)
	ctx := context.Background()

	first, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", model.DirectionYes, d(500))
	if err != nil {
		t.Fatal(err)
	}

	qs.SetQuote(quote.Quote{MarketID: "mkt-1", Price: d(0.80), Volume24h: d(100000), Category: "politics"})
	second, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", model.DirectionYes, d(400))
	if err != nil {
		t.Fatal(err)
	}
	if second.PositionID != first.PositionID {
		t.Fatalf("same market/direction must merge into one position")
	}

	pos, err := st.GetPosition(ctx, first.PositionID)
	if err != nil {
		t.Fatal(err)
	}
	// 1000 shares @ 0.50 + 500 shares @ 0.80 → 1500 shares, $900, VWAP 0.60.
	if !pos.Shares.Equal(d(1500)) {
		t.Errorf("shares = %s, want 1500", pos.Shares)
	}
	if !pos.SizeAmount.Equal(d(900)) {
		t.Errorf("size = %s, want 900", pos.SizeAmount)
	}
	if !pos.EntryPrice.Equal(d(0.6)) {
		t.Errorf("entry VWAP = %s, want 0.6", pos.EntryPrice)
	}
}

func TestClosePosition_Full(t *testing.T) {
	svc, st, qs, c := newFixture(t)
	ctx := context.Background()

	tr, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", model.DirectionYes, d(500))
	if err != nil {
		t.Fatal(err)
	}

	qs.SetQuote(quote.Quote{MarketID: "mkt-1", Price: d(0.80), Volume24h: d(100000)})
	sell, err := svc.ClosePosition(ctx, tr.PositionID, "", decimal.Zero)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if !sell.Amount.Equal(d(800)) {
		t.Errorf("proceeds = %s, want 800", sell.Amount)
	}
	if sell.RealizedPnL == nil || !sell.RealizedPnL.Equal(d(300)) {
		t.Errorf("realized = %v, want 300", sell.RealizedPnL)
	}

	got, _ := st.GetChallenge(ctx, c.ID)
	if !got.CurrentBalance.Equal(d(10300)) {
		t.Errorf("balance = %s, want 10300", got.CurrentBalance)
	}
	pos, _ := st.GetPosition(ctx, tr.PositionID)
	if pos.Status != model.PositionClosed || pos.ClosedAt == nil {
		t.Errorf("position not finalized: %s", pos.Status)
	}
}

func TestClosePosition_Partial(t *testing.T) {
	svc, st, qs, c := newFixture(t)
	ctx := context.Background()

	tr, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", model.DirectionYes, d(500))
	if err != nil {
		t.Fatal(err)
	}

	qs.SetQuote(quote.Quote{MarketID: "mkt-1", Price: d(0.80), Volume24h: d(100000)})
	sell, err := svc.ClosePosition(ctx, tr.PositionID, "", d(400))
	if err != nil {
		t.Fatal(err)
	}
	// 400 of 1000 shares at 0.80 → $320 proceeds against a $200 cost slice.
	if !sell.Amount.Equal(d(320)) {
		t.Errorf("proceeds = %s, want 320", sell.Amount)
	}
	if sell.RealizedPnL == nil || !sell.RealizedPnL.Equal(d(120)) {
		t.Errorf("realized = %v, want 120", sell.RealizedPnL)
	}

	pos, _ := st.GetPosition(ctx, tr.PositionID)
	if pos.Status != model.PositionOpen {
		t.Fatalf("partial close must keep the position open")
	}
	if !pos.Shares.Equal(d(600)) || !pos.SizeAmount.Equal(d(300)) {
		t.Errorf("remainder = %s shares / %s, want 600 / 300", pos.Shares, pos.SizeAmount)
	}
	got, _ := st.GetChallenge(ctx, c.ID)
	if !got.CurrentBalance.Equal(d(9820)) {
		t.Errorf("balance = %s, want 9820", got.CurrentBalance)
	}
}

func TestClosePosition_IdempotentReplay(t *testing.T) {
	svc, st, qs, c := newFixture(t)
	ctx := context.Background()

	tr, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", model.DirectionYes, d(500))
	if err != nil {
		t.Fatal(err)
	}
	qs.SetQuote(quote.Quote{MarketID: "mkt-1", Price: d(0.80), Volume24h: d(100000)})

	first, err := svc.ClosePosition(ctx, tr.PositionID, "close-req-1", decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	replay, err := svc.ClosePosition(ctx, tr.PositionID, "close-req-1", decimal.Zero)
	if err != nil {
		t.Fatalf("replay must succeed, got %v", err)
	}
	if replay.ID != first.ID {
		t.Errorf("replay returned a different trade: %s vs %s", replay.ID, first.ID)
	}

	got, _ := st.GetChallenge(ctx, c.ID)
	if !got.CurrentBalance.Equal(d(10300)) {
		t.Errorf("replay must not double-credit, balance = %s", got.CurrentBalance)
	}
	trades, _ := st.ListTradesByChallenge(ctx, c.ID)
	if len(trades) != 2 { // one BUY, one SELL
		t.Errorf("trades = %d, want 2", len(trades))
	}
}

func TestClosePosition_AlreadyClosed(t *testing.T) {
	svc, _, _, c := newFixture(t)
	ctx := context.Background()

	tr, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", model.DirectionYes, d(500))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ClosePosition(ctx, tr.PositionID, "", decimal.Zero); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ClosePosition(ctx, tr.PositionID, "", decimal.Zero); !errors.Is(err, engine.ErrAlreadyClosed) {
		t.Errorf("got %v, want ErrAlreadyClosed", err)
	}
}

func TestClosePosition_NotFound(t *testing.T) {
	svc, _, _, _ := newFixture(t)
	if _, err := svc.ClosePosition(context.Background(), "no-such-position", "", decimal.Zero); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestClosePosition_LossTriggersFailure(t *testing.T) {
	svc, st, qs, c := newFixture(t)
	ctx := context.Background()

	tr, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", model.DirectionYes, d(2000))
	if err != nil {
		t.Fatal(err)
	}

	// 4000 shares bought at 0.50, dumped at 0.20 → $1200 loss ≥ $1000 max DD.
	qs.SetQuote(quote.Quote{MarketID: "mkt-1", Price: d(0.20), Volume24h: d(100000)})
	if _, err := svc.ClosePosition(ctx, tr.PositionID, "", decimal.Zero); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetChallenge(ctx, c.ID)
	if got.Status != model.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if _, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", model.DirectionYes, d(100)); !errors.Is(err, engine.ErrChallengeNotTradable) {
		t.Errorf("failed challenge must reject trades, got %v", err)
	}
}

func TestClosePosition_DailyLossSetsSoftBreach(t *testing.T) {
	svc, st, qs, c := newFixture(t)
	ctx := context.Background()

	tr, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", model.DirectionYes, d(1000))
	if err != nil {
		t.Fatal(err)
	}

	// $600 loss: over the 5% ($500) daily allowance, under the $1000 max DD.
	qs.SetQuote(quote.Quote{MarketID: "mkt-1", Price: d(0.20), Volume24h: d(100000)})
	if _, err := svc.ClosePosition(ctx, tr.PositionID, "", decimal.Zero); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetChallenge(ctx, c.ID)
	if got.Status != model.StatusActive {
		t.Errorf("soft breach must keep the challenge active, status = %s", got.Status)
	}
	if got.PendingFailureAt == nil {
		t.Error("soft breach must set the pending failure marker")
	}
}

func TestSettlePosition_ProfitTargetPasses(t *testing.T) {
	svc, st, _, c := newFixture(t)
	ctx := context.Background()

	tr, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", model.DirectionYes, d(1000))
	if err != nil {
		t.Fatal(err)
	}

	// 2000 shares resolve YES → $2000 proceeds, $1000 profit ≥ $800 target.
	sell, err := svc.SettlePosition(ctx, tr.PositionID, d(1))
	if err != nil {
		t.Fatalf("SettlePosition: %v", err)
	}
	if sell.RealizedPnL == nil || !sell.RealizedPnL.Equal(d(1000)) {
		t.Errorf("realized = %v, want 1000", sell.RealizedPnL)
	}

	got, _ := st.GetChallenge(ctx, c.ID)
	if got.Status != model.StatusPassed {
		t.Errorf("status = %s, want passed", got.Status)
	}
	if !got.CurrentBalance.Equal(d(11000)) {
		t.Errorf("balance = %s, want 11000", got.CurrentBalance)
	}
}

func TestSettlePosition_SkipsAlreadyClosed(t *testing.T) {
	svc, _, _, c := newFixture(t)
	ctx := context.Background()

	tr, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", model.DirectionYes, d(500))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ClosePosition(ctx, tr.PositionID, "", decimal.Zero); err != nil {
		t.Fatal(err)
	}

	sell, err := svc.SettlePosition(ctx, tr.PositionID, d(1))
	if err != nil {
		t.Fatalf("settling a closed position must not error, got %v", err)
	}
	if sell != nil {
		t.Error("settling a closed position must be a silent no-op")
	}
}

func TestSettlePosition_NoDirection(t *testing.T) {
	svc, st, qs, c := newFixture(t)
	ctx := context.Background()
	qs.SetQuote(quote.Quote{MarketID: "mkt-2", Price: d(0.25), Volume24h: d(100000)})

	// 400 NO shares at 0.75; market resolves NO (terminal price 0).
	tr, err := svc.ExecuteTrade(ctx, c.ID, "mkt-2", model.DirectionNo, d(300))
	if err != nil {
		t.Fatal(err)
	}
	sell, err := svc.SettlePosition(ctx, tr.PositionID, decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	// Each NO share pays 1 − 0 = 1: $400 proceeds on a $300 stake.
	if !sell.Amount.Equal(d(400)) {
		t.Errorf("proceeds = %s, want 400", sell.Amount)
	}
	if sell.RealizedPnL == nil || !sell.RealizedPnL.Equal(d(100)) {
		t.Errorf("realized = %v, want 100", sell.RealizedPnL)
	}

	got, _ := st.GetChallenge(ctx, c.ID)
	if !got.CurrentBalance.Equal(d(10100)) {
		t.Errorf("balance = %s, want 10100", got.CurrentBalance)
	}
}

func TestClosePosition_IdempotencyKeyBoundToPosition(t *testing.T) {
	svc, st, qs, c := newFixture(t)
	ctx := context.Background()

	qs.SetQuote(quote.Quote{MarketID: "mkt-2", Price: d(0.50), Volume24h: d(100000)})
	first, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", model.DirectionYes, d(500))
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.ExecuteTrade(ctx, c.ID, "mkt-2", model.DirectionYes, d(500))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.ClosePosition(ctx, first.PositionID, "close-req-1", decimal.Zero); err != nil {
		t.Fatal(err)
	}

	// Reusing the key against a different position must not replay the
	// other position's close.
	if _, err := svc.ClosePosition(ctx, second.PositionID, "close-req-1", decimal.Zero); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("got %v, want ErrDuplicate", err)
	}
	pos, _ := st.GetPosition(ctx, second.PositionID)
	if pos.Status != model.PositionOpen {
		t.Errorf("rejected close must leave the position open, status = %s", pos.Status)
	}
}

// An equity observation between trades must anchor the trailing drawdown:
// buy $500 of YES at 0.50, watch the mark rise to 0.80, then settle at 0.
// The peak raises the stored high-water mark to 10300, so the final drawdown
// is 800 of the 1000 allowed, not 500.
func TestEquity_PersistsHighWaterMark(t *testing.T) {
	st := store.NewMemoryStore()
	qs := quote.NewMemorySource()
	svc := engine.NewService(st, qs, nil)
	ctx := context.Background()

	c, err := svc.CreateChallenge(ctx, "user-1", d(10000), model.RiskConfig{
		ProfitTarget: d(800),
		MaxDrawdown:  d(1000),
	})
	if err != nil {
		t.Fatal(err)
	}

	qs.SetQuote(quote.Quote{MarketID: "mkt-1", Price: d(0.50), Volume24h: d(100000)})
	tr, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", model.DirectionYes, d(500))
	if err != nil {
		t.Fatal(err)
	}

	qs.SetQuote(quote.Quote{MarketID: "mkt-1", Price: d(0.80), Volume24h: d(100000)})
	_, decision, err := svc.Equity(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Equity.Equal(d(10300)) {
		t.Fatalf("equity = %s, want 10300", decision.Equity)
	}

	stored, _ := st.GetChallenge(ctx, c.ID)
	if !stored.HighWaterMark.Equal(d(10300)) {
		t.Fatalf("stored hwm = %s, want 10300 after the observation", stored.HighWaterMark)
	}

	// Market resolves NO: the position is worthless.
	if _, err := svc.SettlePosition(ctx, tr.PositionID, decimal.Zero); err != nil {
		t.Fatal(err)
	}

	_, decision, err = svc.Equity(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !decision.TotalDrawdownUsage.Equal(d(0.8)) {
		t.Errorf("drawdown usage = %s, want 0.8 against the 10300 anchor", decision.TotalDrawdownUsage)
	}
	stored, _ = st.GetChallenge(ctx, c.ID)
	if stored.Status != model.StatusActive {
		t.Errorf("status = %s, want still active at 80%% usage", stored.Status)
	}
}

func TestEquity_ReflectsOpenPositions(t *testing.T) {
	svc, _, qs, c := newFixture(t)
	ctx := context.Background()

	if _, err := svc.ExecuteTrade(ctx, c.ID, "mkt-1", model.DirectionYes, d(500)); err != nil {
		t.Fatal(err)
	}
	qs.SetQuote(quote.Quote{MarketID: "mkt-1", Price: d(0.80), Volume24h: d(100000)})

	_, decision, err := svc.Equity(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	// 9500 cash + 1000 shares × 0.80 mark.
	if !decision.Equity.Equal(d(10300)) {
		t.Errorf("equity = %s, want 10300", decision.Equity)
	}
}

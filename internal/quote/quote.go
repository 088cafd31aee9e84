// Package quote reads market prices and resolution outcomes from the shared
// quote cache maintained by the market-data pipeline. Prices are trusted as
// given; a missing or timed-out quote is surfaced as ErrUnavailable, never
// substituted with a fabricated price.
package quote

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable is returned when no quote (or resolution) exists for
	// a market, or the lookup timed out. Retryable by the caller once the
	// pipeline has refreshed the cache.
	ErrUnavailable = errors.New("quote: market data unavailable")
)

// Quote is a point-in-time market snapshot.
type Quote struct {
	MarketID string          `json:"market_id"`
	Price    decimal.Decimal `json:"price"` // last-trade / mid price in [0,1]
	Bid      decimal.Decimal `json:"bid"`
	Ask      decimal.Decimal `json:"ask"`

	// Volume24h and Category feed the position-sizing caps. Category may
	// be empty when the pipeline does not know it.
	Volume24h decimal.Decimal `json:"volume_24h"`
	Category  string          `json:"category,omitempty"`

	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Resolution is the terminal outcome of a market. For binary markets the
// terminal price is 0 or 1.
type Resolution struct {
	MarketID      string          `json:"market_id"`
	Resolved      bool            `json:"resolved"`
	TerminalPrice decimal.Decimal `json:"terminal_price"`
}

// Source supplies quotes and resolutions. Implementations must honor context
// cancellation; callers bound every lookup with a short timeout and treat a
// deadline as ErrUnavailable.
type Source interface {
	// GetQuote returns the current quote for a market, or ErrUnavailable.
	GetQuote(ctx context.Context, marketID string) (*Quote, error)

	// GetResolution reports whether a market has resolved and at what
	// terminal price. Unresolved markets return Resolved=false with a nil
	// error; an unknown market returns ErrUnavailable.
	GetResolution(ctx context.Context, marketID string) (*Resolution, error)
}

package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/propmarkets/challenge-engine/internal/model"
	"github.com/propmarkets/challenge-engine/internal/quote"
)

// ErrCapExceeded is the umbrella for every position-sizing and liquidity cap
// violation. The specific sentinels below wrap it, so callers can match
// either the family or the individual rule with errors.Is.
var ErrCapExceeded = errors.New("risk: cap exceeded")

var (
	// ErrPositionSizeCap fires when an order exceeds the max fraction of
	// equity allowed in a single market.
	ErrPositionSizeCap = fmt.Errorf("%w: order exceeds max position size", ErrCapExceeded)

	// ErrCategoryExposureCap fires when cumulative exposure to one market
	// category would exceed its equity fraction.
	ErrCategoryExposureCap = fmt.Errorf("%w: category exposure limit", ErrCapExceeded)

	// ErrLowVolumeCap fires when an order in a thin market exceeds the
	// tighter low-volume position cap.
	ErrLowVolumeCap = fmt.Errorf("%w: low-volume market position cap", ErrCapExceeded)

	// ErrVolumeImpactCap fires when the order is too large relative to
	// the market's 24h volume.
	ErrVolumeImpactCap = fmt.Errorf("%w: order exceeds volume impact limit", ErrCapExceeded)

	// ErrMinVolumeFloor fires when the market's 24h volume is below the
	// minimum required for trading.
	ErrMinVolumeFloor = fmt.Errorf("%w: market volume below minimum floor", ErrCapExceeded)
)

// CheckCaps validates a prospective BUY against the challenge's
// position-sizing and liquidity rules. All checks fail closed: they run
// before any ledger mutation, and every violation is a distinct error kind.
//
// categoryExposure is the cash already committed to OPEN positions in the
// quoted market's category. Caps configured as zero are non-binding.
func CheckCaps(cfg *model.RiskConfig, equity, amount decimal.Decimal, q *quote.Quote, categoryExposure decimal.Decimal) error {
	// Minimum-volume floor: the market itself must be liquid enough.
	if cfg.MinVolumeFloor.IsPositive() && q.Volume24h.LessThan(cfg.MinVolumeFloor) {
		return fmt.Errorf("%w: volume %s < floor %s",
			ErrMinVolumeFloor, q.Volume24h, cfg.MinVolumeFloor)
	}

	// Position size relative to equity, with a tighter cap for thin markets.
	sizeCap := cfg.MaxPositionSizePercent
	sizeErr := ErrPositionSizeCap
	if cfg.LowVolumeThreshold.IsPositive() &&
		q.Volume24h.LessThan(cfg.LowVolumeThreshold) &&
		cfg.LowVolumePositionPercent.IsPositive() {
		sizeCap = cfg.LowVolumePositionPercent
		sizeErr = ErrLowVolumeCap
	}
	if sizeCap.IsPositive() {
		limit := equity.Mul(sizeCap)
		if amount.GreaterThan(limit) {
			return fmt.Errorf("%w: amount %s > limit %s", sizeErr, amount, limit)
		}
	}

	// Cumulative category exposure.
	if cfg.MaxCategoryExposurePercent.IsPositive() && q.Category != "" {
		limit := equity.Mul(cfg.MaxCategoryExposurePercent)
		if categoryExposure.Add(amount).GreaterThan(limit) {
			return fmt.Errorf("%w: category %s exposure %s > limit %s",
				ErrCategoryExposureCap, q.Category, categoryExposure.Add(amount), limit)
		}
	}

	// Order size relative to market volume.
	if cfg.MaxVolumeImpactPercent.IsPositive() && q.Volume24h.IsPositive() {
		limit := q.Volume24h.Mul(cfg.MaxVolumeImpactPercent)
		if amount.GreaterThan(limit) {
			return fmt.Errorf("%w: amount %s > %s of 24h volume",
				ErrVolumeImpactCap, amount, limit)
		}
	}

	return nil
}

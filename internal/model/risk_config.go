package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Daily-loss denominator modes. The static mode anchors the daily limit to
// the start-of-day snapshot taken at the last reset; the dynamic mode
// recomputes the denominator against live equity.
const (
	DailyLossStatic  = "static"
	DailyLossDynamic = "dynamic"
)

var (
	// ErrInvalidRiskConfig is returned when a risk configuration fails
	// validation at challenge creation.
	ErrInvalidRiskConfig = errors.New("model: invalid risk config")
)

// RiskConfig is the per-challenge rule set. It is validated once at challenge
// creation; fields left at zero are non-binding (the corresponding rule never
// breaches) rather than implying division by zero.
type RiskConfig struct {
	// ProfitTarget is the absolute equity gain over StartingBalance that
	// passes the challenge.
	ProfitTarget decimal.Decimal `json:"profit_target"`

	// MaxDrawdown is the absolute drawdown from the high-water mark that
	// fails the challenge immediately.
	MaxDrawdown decimal.Decimal `json:"max_drawdown"`

	// MaxDailyDrawdownPercent is the fraction of the start-of-day balance
	// (e.g. 0.05 for 5%) that may be lost intraday before a soft breach.
	MaxDailyDrawdownPercent decimal.Decimal `json:"max_daily_drawdown_percent"`

	// DailyLossMode selects the daily drawdown denominator: "static"
	// (default) or "dynamic".
	DailyLossMode string `json:"daily_loss_mode,omitempty"`

	// MaxPositionSizePercent caps a single order at a fraction of current
	// equity.
	MaxPositionSizePercent decimal.Decimal `json:"max_position_size_percent"`

	// MaxCategoryExposurePercent caps cumulative open exposure to one
	// market category at a fraction of current equity.
	MaxCategoryExposurePercent decimal.Decimal `json:"max_category_exposure_percent"`

	// LowVolumeThreshold is the 24h volume below which the tighter
	// LowVolumePositionPercent cap applies instead of
	// MaxPositionSizePercent.
	LowVolumeThreshold       decimal.Decimal `json:"low_volume_threshold"`
	LowVolumePositionPercent decimal.Decimal `json:"low_volume_position_percent"`

	// MaxVolumeImpactPercent caps order size at a fraction of the
	// market's 24h volume.
	MaxVolumeImpactPercent decimal.Decimal `json:"max_volume_impact_percent"`

	// MinVolumeFloor rejects markets whose 24h volume is below this value.
	MinVolumeFloor decimal.Decimal `json:"min_volume_floor"`
}

// Validate checks internal consistency. Zero values are allowed everywhere
// (non-binding rules); negatives and unknown modes are not.
func (rc *RiskConfig) Validate() error {
	fields := []struct {
		name string
		v    decimal.Decimal
	}{
		{"profit_target", rc.ProfitTarget},
		{"max_drawdown", rc.MaxDrawdown},
		{"max_daily_drawdown_percent", rc.MaxDailyDrawdownPercent},
		{"max_position_size_percent", rc.MaxPositionSizePercent},
		{"max_category_exposure_percent", rc.MaxCategoryExposurePercent},
		{"low_volume_threshold", rc.LowVolumeThreshold},
		{"low_volume_position_percent", rc.LowVolumePositionPercent},
		{"max_volume_impact_percent", rc.MaxVolumeImpactPercent},
		{"min_volume_floor", rc.MinVolumeFloor},
	}
	for _, f := range fields {
		if f.v.IsNegative() {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidRiskConfig, f.name)
		}
	}

	switch rc.DailyLossMode {
	case "", DailyLossStatic, DailyLossDynamic:
	default:
		return fmt.Errorf("%w: unknown daily_loss_mode %q", ErrInvalidRiskConfig, rc.DailyLossMode)
	}
	return nil
}

// ResolvedDailyLossMode returns the configured mode with the static default
// applied.
func (rc *RiskConfig) ResolvedDailyLossMode() string {
	if rc.DailyLossMode == DailyLossDynamic {
		return DailyLossDynamic
	}
	return DailyLossStatic
}

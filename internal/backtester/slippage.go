// Package backtester provides slippage modeling for backtesting.
package backtester

import (
	"math"

	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"github.com/shopspring/decimal"
)

// SlippageModel estimates the fractional slippage a fill incurs given the
// candle it executes against.
type SlippageModel interface {
	Calculate(quantity decimal.Decimal, bar types.OHLCV) decimal.Decimal
}

// FixedSlippage applies a fixed percentage slippage.
type FixedSlippage struct {
	BasisPoints decimal.Decimal
}

func NewFixedSlippage(bps decimal.Decimal) *FixedSlippage {
	return &FixedSlippage{BasisPoints: bps}
}

func (f *FixedSlippage) Calculate(quantity decimal.Decimal, bar types.OHLCV) decimal.Decimal {
	return f.BasisPoints.Div(decimal.NewFromInt(10000))
}

// VolumeWeightedSlippage models slippage based on order size relative to bar volume.
type VolumeWeightedSlippage struct {
	BaseSlippage decimal.Decimal
	ImpactFactor decimal.Decimal
	VolumeFrac   decimal.Decimal
}

func NewVolumeWeightedSlippage(baseBps, impactFactor, volumeFrac decimal.Decimal) *VolumeWeightedSlippage {
	return &VolumeWeightedSlippage{BaseSlippage: baseBps, ImpactFactor: impactFactor, VolumeFrac: volumeFrac}
}

func (v *VolumeWeightedSlippage) Calculate(quantity decimal.Decimal, bar types.OHLCV) decimal.Decimal {
	baseSlip := v.BaseSlippage.Div(decimal.NewFromInt(10000))
	if bar.Volume.IsZero() {
		return baseSlip
	}
	participation := quantity.Div(bar.Volume)
	participationFloat, _ := participation.Float64()
	sqrtParticipation := decimal.NewFromFloat(math.Sqrt(math.Abs(participationFloat)))
	impact := v.ImpactFactor.Mul(sqrtParticipation)
	return baseSlip.Add(impact)
}

// CreateSlippageModel builds a SlippageModel from config.
func CreateSlippageModel(config types.SlippageConfig) SlippageModel {
	switch config.Model {
	case "volume_weighted":
		return NewVolumeWeightedSlippage(config.FixedBps, config.ImpactFactor, config.VolumeFraction)
	default:
		if config.FixedBps.IsZero() {
			return NewFixedSlippage(decimal.NewFromInt(10))
		}
		return NewFixedSlippage(config.FixedBps)
	}
}

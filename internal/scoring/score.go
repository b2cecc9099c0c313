// Package scoring computes the weighted composite viability score Status
// Machine gates reference, generalizing the teacher's graded threshold
// tables in internal/backtester/viability.go into SPEC_FULL.md's literal
// component formula.
package scoring

import (
	"math"
	"time"

	"github.com/atlas-desktop/strategy-evolution/pkg/types"
)

type component struct {
	weight  float64
	value   float64
	present bool
}

// Score computes the composite viability score in [0,1]. When a component
// is not computable from the record (e.g. too few equity curve points to
// derive a monthly return series), its weight is redistributed
// proportionally across the remaining present components.
func Score(m types.MetricsRecord) float64 {
	monthly := monthlyReturns(m.EquityCurve)
	cagr, vol := cagrAndVolatility(m.EquityCurve)
	sigmaPct := stdDev(monthly) * 100

	components := []component{
		{weight: 0.30, value: clip(m.WinRate, 0, 1), present: true},
		{weight: 0.20, value: riskAdjusted(cagr, vol), present: vol > 0},
		{weight: 0.20, value: math.Exp(-2 * m.MaxDrawdown), present: true},
		{weight: 0.15, value: math.Exp(-coefficientOfVariation(monthly)), present: len(monthly) >= 2},
		{weight: 0.05, value: clip(m.Sharpe/3+0.5, 0, 1), present: true},
		{weight: 0.10, value: clip(m.WFAConsistency, 0, 1), present: true},
		{weight: 0.10, value: monteCarlo(sigmaPct, m.MCPercentile5), present: len(monthly) >= 2},
	}

	var weightedSum, presentWeight float64
	for _, c := range components {
		if !c.present {
			continue
		}
		weightedSum += c.weight * c.value
		presentWeight += c.weight
	}
	if presentWeight == 0 {
		return 0
	}
	return clip(weightedSum/presentWeight, 0, 1)
}

func riskAdjusted(cagr, volatility float64) float64 {
	if volatility == 0 {
		return 0
	}
	return clip((cagr/volatility)/2, 0, 1)
}

func monteCarlo(sigmaPct, p5 float64) float64 {
	base := 1 / (1 + sigmaPct/50)
	if p5 >= 0 {
		return base
	}
	return 0.5 * base
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// monthlyReturns buckets the equity curve by calendar month and returns the
// fractional return of each completed month.
func monthlyReturns(curve []types.EquityCurvePoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	type bucket struct {
		year, month int
	}
	var returns []float64
	bucketStart := curve[0].Equity
	cur := bucket{curve[0].Timestamp.Year(), int(curve[0].Timestamp.Month())}
	for _, p := range curve[1:] {
		b := bucket{p.Timestamp.Year(), int(p.Timestamp.Month())}
		if b != cur {
			if !bucketStart.IsZero() {
				ret, _ := p.Equity.Sub(bucketStart).Div(bucketStart).Float64()
				returns = append(returns, ret)
			}
			bucketStart = p.Equity
			cur = b
		}
	}
	return returns
}

// cagrAndVolatility derives annualized compound growth rate and annualized
// volatility from the equity curve's periodic returns.
func cagrAndVolatility(curve []types.EquityCurvePoint) (cagr, volatility float64) {
	if len(curve) < 2 {
		return 0, 0
	}
	start, end := curve[0].Equity, curve[len(curve)-1].Equity
	years := curve[len(curve)-1].Timestamp.Sub(curve[0].Timestamp).Hours() / (24 * 365.25)
	if years <= 0 || start.IsZero() {
		years = 1
	}
	ratio, _ := end.Div(start).Float64()
	if ratio > 0 {
		cagr = math.Pow(ratio, 1/years) - 1
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		r, _ := curve[i].Equity.Sub(prev).Div(prev).Float64()
		returns = append(returns, r)
	}
	periodsPerYear := periodsPerYearFor(curve)
	volatility = stdDev(returns) * math.Sqrt(periodsPerYear)
	return cagr, volatility
}

func periodsPerYearFor(curve []types.EquityCurvePoint) float64 {
	if len(curve) < 2 {
		return 252
	}
	avgStep := curve[len(curve)-1].Timestamp.Sub(curve[0].Timestamp) / time.Duration(len(curve)-1)
	if avgStep <= 0 {
		return 252
	}
	return (365.25 * 24 * time.Hour).Seconds() / avgStep.Seconds()
}

func coefficientOfVariation(vals []float64) float64 {
	m := mean(vals)
	if m == 0 {
		return 0
	}
	return math.Abs(stdDev(vals) / m)
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func stdDev(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	m := mean(vals)
	var sq float64
	for _, v := range vals {
		d := v - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(vals)-1))
}

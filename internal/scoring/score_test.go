package scoring_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-evolution/internal/scoring"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"github.com/shopspring/decimal"
)

func curveOf(n int, start, step float64) []types.EquityCurvePoint {
	curve := make([]types.EquityCurvePoint, n)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	v := start
	for i := 0; i < n; i++ {
		curve[i] = types.EquityCurvePoint{
			Timestamp: ts.AddDate(0, 0, i),
			Equity:    decimal.NewFromFloat(v),
		}
		v += step
	}
	return curve
}

func TestScoreClampedToUnitInterval(t *testing.T) {
	m := types.MetricsRecord{
		WinRate:        0.9,
		Sharpe:         5,
		MaxDrawdown:    0,
		WFAConsistency: 1,
		MCPercentile5:  0.5,
		EquityCurve:    curveOf(400, 10000, 50),
	}
	got := scoring.Score(m)
	if got < 0 || got > 1 {
		t.Fatalf("score must be clamped to [0,1], got %v", got)
	}
}

func TestScoreHigherWinRateScoresHigher(t *testing.T) {
	base := types.MetricsRecord{
		MaxDrawdown:    0.1,
		WFAConsistency: 0.8,
		MCPercentile5:  0.2,
		EquityCurve:    curveOf(400, 10000, 20),
	}
	low := base
	low.WinRate = 0.3
	high := base
	high.WinRate = 0.9

	if scoring.Score(high) <= scoring.Score(low) {
		t.Fatalf("higher win_rate should score higher: low=%v high=%v", scoring.Score(low), scoring.Score(high))
	}
}

func TestScoreHandlesEmptyEquityCurve(t *testing.T) {
	m := types.MetricsRecord{WinRate: 0.6, WFAConsistency: 0.5}
	got := scoring.Score(m)
	if got < 0 || got > 1 {
		t.Fatalf("score with no equity curve must still be in [0,1], got %v", got)
	}
}

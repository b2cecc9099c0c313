package statemachine_test

import (
	"testing"

	"github.com/atlas-desktop/strategy-evolution/internal/statemachine"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
)

func TestExperimentToCandidatePromotion(t *testing.T) {
	in := statemachine.Input{
		Status:      types.StatusExperiment,
		Caller:      statemachine.CallerEW,
		TotalTrades: 55,
		WinRate:     0.77,
		Sharpe:      1.1,
		MaxDrawdown: 0.22,
		TestWinRate: 0.71,
	}
	got := statemachine.Evaluate(in)
	if got.NewStatus != types.StatusCandidate {
		t.Fatalf("expected CANDIDATE, got %s (%s)", got.NewStatus, got.Reason)
	}
}

func TestExperimentWinRateBoundaryInclusive(t *testing.T) {
	in := statemachine.Input{
		Status:      types.StatusExperiment,
		TotalTrades: 50,
		WinRate:     0.75,
		MaxDrawdown: 0.30,
	}
	got := statemachine.Evaluate(in)
	if got.NewStatus != types.StatusCandidate {
		t.Fatalf("win_rate=0.75 at the boundary must promote inclusively, got %s", got.NewStatus)
	}
}

func TestCandidateToProposableRequiresMW(t *testing.T) {
	in := statemachine.Input{
		Status:          types.StatusCandidate,
		Caller:          statemachine.CallerEW,
		TotalTrades:     100,
		WinRate:         0.65,
		Sharpe:          1.8,
		ProfitFactor:    1.4,
		MaxDrawdown:     0.18,
		Score:           0.78,
		TestWinRate:     0.72,
		RegimeAvailable: true,
		RegimeStability: 0.80,
		OverfittingRisk: types.OverfittingLow,
	}

	got := statemachine.Evaluate(in)
	if got.NewStatus != types.StatusCandidate {
		t.Fatalf("EW must not emit PROPOSABLE, got %s", got.NewStatus)
	}

	in.Caller = statemachine.CallerMW
	got = statemachine.Evaluate(in)
	if got.NewStatus != types.StatusProposable {
		t.Fatalf("MW with regime stability 0.80 and Low overfitting risk should promote, got %s (%s)", got.NewStatus, got.Reason)
	}
}

func TestCandidateDemotion(t *testing.T) {
	in := statemachine.Input{
		Status:      types.StatusCandidate,
		Caller:      statemachine.CallerMW,
		WinRate:     0.65,
		MaxDrawdown: 0.10,
	}
	got := statemachine.Evaluate(in)
	if got.NewStatus != types.StatusExperiment {
		t.Fatalf("win_rate < 0.70 should demote, got %s", got.NewStatus)
	}
}

func TestProposableDemotionBuffer(t *testing.T) {
	in := statemachine.Input{
		Status:      types.StatusProposable,
		WinRate:     0.75,
		Sharpe:      0.3,
		Score:       0.80,
		MaxDrawdown: 0.10,
		TotalTrades: 80,
		TestWinRate: 0.75,
	}
	got := statemachine.Evaluate(in)
	if got.NewStatus != types.StatusCandidate {
		t.Fatalf("sharpe < 0.5 should trigger the demotion buffer, got %s", got.NewStatus)
	}
}

func TestDiscardOverridesPromotion(t *testing.T) {
	in := statemachine.Input{
		Status:            types.StatusExperiment,
		TotalTrades:       55,
		WinRate:           0.80,
		MaxDrawdown:       0.10,
		Sharpe:            -0.1,
		EvolutionAttempts: 2,
	}
	got := statemachine.Evaluate(in)
	if got.NewStatus != types.StatusDiscarded {
		t.Fatalf("negative sharpe at total_trades>=50 should discard even though promotion gate is met, got %s", got.NewStatus)
	}
}

func TestChronicallyLowScoreDiscardReasonIsNotLearning(t *testing.T) {
	in := statemachine.Input{
		Status:            types.StatusExperiment,
		TotalTrades:       30,
		WinRate:           0.40,
		Sharpe:            0.5,
		MaxDrawdown:       0.20,
		Score:             0.15,
		EvolutionAttempts: 5,
	}
	got := statemachine.Evaluate(in)
	if got.NewStatus != types.StatusDiscarded {
		t.Fatalf("expected DISCARDED at attempts>=5 and score<0.20, got %s", got.NewStatus)
	}
	if got.Reason != "not_learning" {
		t.Errorf("expected discard reason %q, got %q", "not_learning", got.Reason)
	}
}

func TestPendingReviewDuplicate(t *testing.T) {
	in := statemachine.Input{Status: types.StatusPendingReview, FingerprintDuplicate: true}
	got := statemachine.Evaluate(in)
	if got.NewStatus != types.StatusDuplicate {
		t.Fatalf("expected DUPLICATE, got %s", got.NewStatus)
	}
}

func TestPendingReviewRejected(t *testing.T) {
	in := statemachine.Input{Status: types.StatusPendingReview, SanityBacktestPassed: false}
	got := statemachine.Evaluate(in)
	if got.NewStatus != types.StatusRejected {
		t.Fatalf("expected REJECTED, got %s", got.NewStatus)
	}
}

func TestTerminalStatusNeverTransitions(t *testing.T) {
	in := statemachine.Input{Status: types.StatusDiscarded, EvolutionAttempts: 100}
	got := statemachine.Evaluate(in)
	if got.NewStatus != types.StatusDiscarded {
		t.Fatalf("terminal status must not transition, got %s", got.NewStatus)
	}
}

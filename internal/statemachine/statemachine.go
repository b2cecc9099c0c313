// Package statemachine implements the pure Strategy status decision
// function, generalizing the graded threshold gating in
// internal/backtester/viability.go into SPEC_FULL.md's literal per-edge
// thresholds.
package statemachine

import "github.com/atlas-desktop/strategy-evolution/pkg/types"

// Caller identifies which periodic worker is invoking Evaluate, since the
// CANDIDATE→PROPOSABLE edge (and the PENDING_REVIEW→EXPERIMENT edge) are
// Monitoring Worker-owned: the Evolution Worker must observe them as a
// no-op rather than apply them.
type Caller int

const (
	CallerEW Caller = iota
	CallerMW
)

// Input is the pure snapshot Evaluate decides from.
type Input struct {
	Status types.StrategyStatus
	Caller Caller

	// Metrics from the most recent full-history backtest.
	TotalTrades         int
	WinRate             float64
	TestWinRate         float64
	Sharpe              float64
	ProfitFactor        float64
	MaxDrawdown         float64
	OverfittingDetected bool

	Score             float64
	EvolutionAttempts int

	// PENDING_REVIEW-only inputs.
	FingerprintDuplicate bool
	SanityBacktestPassed bool

	// MCN gates, available only when the Memory Sink has a regime read.
	RegimeAvailable bool
	RegimeStability float64
	OverfittingRisk types.OverfittingRisk
}

// Result is the outcome of one Evaluate call.
type Result struct {
	NewStatus     types.StrategyStatus
	Reason        string
	BufferZoneHit bool
}

// Evaluate is the pure decision function: (current_status, metrics,
// attempts, lineage/regime flags) → (new_status, reason). It never panics
// and never returns an error — an unrecognized status is treated as
// terminal (no transition).
func Evaluate(in Input) Result {
	if in.Status.Terminal() {
		return Result{NewStatus: in.Status, Reason: "terminal_no_transition"}
	}

	result := evaluateActive(in)

	// Discards override every other transition, evaluated last.
	if discardReason, hit := discardCheck(in); hit {
		return Result{NewStatus: types.StatusDiscarded, Reason: discardReason}
	}

	return result
}

func evaluateActive(in Input) Result {
	switch in.Status {
	case types.StatusPendingReview:
		return evaluatePendingReview(in)
	case types.StatusExperiment:
		return evaluateExperiment(in)
	case types.StatusCandidate:
		return evaluateCandidate(in)
	case types.StatusProposable:
		return evaluateProposable(in)
	default:
		return Result{NewStatus: in.Status, Reason: "unknown_status"}
	}
}

func evaluatePendingReview(in Input) Result {
	if in.FingerprintDuplicate {
		return Result{NewStatus: types.StatusDuplicate, Reason: "fingerprint_collision"}
	}
	if !in.SanityBacktestPassed {
		return Result{NewStatus: types.StatusRejected, Reason: "sanity_backtest_failed"}
	}
	if in.Caller != CallerMW {
		// MW-owned transition; EW observes this as a no-op.
		return Result{NewStatus: types.StatusPendingReview, Reason: "awaiting_mw_review"}
	}
	return Result{NewStatus: types.StatusExperiment, Reason: "sanity_backtest_passed"}
}

func evaluateExperiment(in Input) Result {
	if in.TotalTrades >= 50 && in.WinRate >= 0.75 && in.MaxDrawdown <= 0.30 {
		return Result{NewStatus: types.StatusCandidate, Reason: "promotion_gate_met"}
	}
	return Result{NewStatus: types.StatusExperiment, Reason: "promotion_gate_not_met"}
}

func evaluateCandidate(in Input) Result {
	if promotable, reason := candidatePromotionGate(in); promotable {
		if in.Caller != CallerMW {
			// EW must not perform CANDIDATE→PROPOSABLE; leave as a hint.
			return Result{NewStatus: types.StatusCandidate, Reason: "proposable_pending_mw_confirmation", BufferZoneHit: true}
		}
		return Result{NewStatus: types.StatusProposable, Reason: reason}
	}

	if in.WinRate < 0.70 || in.MaxDrawdown > 0.40 {
		return Result{NewStatus: types.StatusExperiment, Reason: "demotion_gate_met", BufferZoneHit: true}
	}

	return Result{NewStatus: types.StatusCandidate, Reason: "hysteresis_buffer"}
}

func candidatePromotionGate(in Input) (bool, string) {
	base := in.TotalTrades >= 50 &&
		in.MaxDrawdown <= 0.20 &&
		in.ProfitFactor >= 1.2 &&
		in.Score >= 0.70 &&
		in.TestWinRate >= 0.70
	if !base {
		return false, ""
	}

	pathA := in.WinRate >= 0.80 && in.Sharpe >= 1.0
	pathB := in.WinRate >= 0.60 && in.Sharpe >= 1.5
	if !pathA && !pathB {
		return false, ""
	}

	if in.RegimeAvailable {
		if !(in.RegimeStability >= 0.75 && in.OverfittingRisk == types.OverfittingLow) {
			return false, ""
		}
	}

	if pathA {
		return true, "promotion_path_a_high_win_rate"
	}
	return true, "promotion_path_b_high_risk_adjusted"
}

func evaluateProposable(in Input) Result {
	if in.WinRate < 0.70 ||
		in.Sharpe < 0.5 ||
		in.Score < 0.60 ||
		in.MaxDrawdown > 0.30 ||
		in.TotalTrades < 50 ||
		in.TestWinRate < 0.70 {
		return Result{NewStatus: types.StatusCandidate, Reason: "demotion_buffer_triggered", BufferZoneHit: true}
	}
	return Result{NewStatus: types.StatusProposable, Reason: "holding_proposable"}
}

func discardCheck(in Input) (string, bool) {
	switch {
	case in.EvolutionAttempts >= 10:
		return "max_evolution_attempts", true
	case in.Sharpe < 0 && in.TotalTrades >= 50:
		return "negative_sharpe_at_scale", true
	case in.EvolutionAttempts >= 5 && in.Score < 0.20:
		return "not_learning", true
	case in.EvolutionAttempts >= 5 && in.WinRate < 0.50 && in.Score < 0.40 && in.OverfittingDetected:
		return "chronic_overfit_underperformer", true
	default:
		return "", false
	}
}

// Package lifecycle implements the status machine: a pure decision
// function from a strategy snapshot to its next status. It never touches
// storage; workers commit the decision through the strategy store.
package lifecycle

import (
	"github.com/evoquant/evoquant/internal/domain"
)

// Actor identifies who is asking for a decision. The candidate to
// proposable edge is reserved for the monitor; the evolution worker
// receives it as a hold.
type Actor string

const (
	ActorEvolution Actor = "evolution"
	ActorMonitor   Actor = "monitor"
)

// Reason codes attached to decisions.
const (
	ReasonHold               = "hold"
	ReasonDuplicate          = "duplicate_fingerprint"
	ReasonSanityPassed       = "sanity_passed"
	ReasonSanityFailed       = "sanity_failed"
	ReasonPromotedCandidate  = "candidate_gates_met"
	ReasonPromotedProposable = "proposable_gates_met"
	ReasonAwaitingMonitor    = "awaiting_monitor_confirmation"
	ReasonDemotionBuffer     = "demotion_buffer_crossed"
	ReasonCandidateDemoted   = "candidate_gates_lost"
	ReasonMaxAttempts        = "max_attempts"
	ReasonNegativeSharpe     = "negative_sharpe"
	ReasonNotLearning        = "not_learning"
	ReasonOverfitLowQuality  = "overfit_low_quality"
)

// RegimeFlags carries the memory sink's regime context. Absent context
// (Available=false) passes the gates; the sink is advisory.
type RegimeFlags struct {
	Available bool
	Stability float64 // in [0,1]
	RiskLow   bool
}

// Input is one strategy snapshot for evaluation.
type Input struct {
	Status      domain.Status
	Score       float64
	Attempts    int
	Metrics     *domain.MetricsRecord // most recent full-window metrics
	TestWinRate *float64              // out-of-sample win rate when split ran

	// Pending-review signals, set by the monitor.
	DuplicateFound bool
	SanityPass     *bool

	Regime RegimeFlags
}

// Decision is the machine's output. NewStatus equals the input status
// when nothing changes; BufferZone reports that the snapshot sits inside
// the hysteresis band of its current status.
type Decision struct {
	NewStatus  domain.Status
	Reason     string
	BufferZone bool
}

// Evaluate computes the next status. Promotions are considered before
// demotions; discard conditions are evaluated last and override both.
// The function never fails; unknown states hold.
func Evaluate(in Input) Decision {
	d := evaluate(in)

	// Discards override every other outcome for active statuses.
	if !in.Status.Terminal() && in.Status != domain.StatusPendingReview {
		if reason, hit := discardReason(in); hit {
			return Decision{NewStatus: domain.StatusDiscarded, Reason: reason}
		}
	}
	return d
}

// ForActor applies the commit guard: only the monitor may move a
// candidate to proposable. Other actors receive a hold with a reason
// that tells them the monitor will confirm.
func ForActor(actor Actor, in Input, d Decision) Decision {
	if actor != ActorMonitor &&
		in.Status == domain.StatusCandidate &&
		d.NewStatus == domain.StatusProposable {
		return Decision{NewStatus: domain.StatusCandidate, Reason: ReasonAwaitingMonitor, BufferZone: d.BufferZone}
	}
	return d
}

func evaluate(in Input) Decision {
	switch in.Status {
	case domain.StatusPendingReview:
		return evaluatePending(in)
	case domain.StatusExperiment:
		return evaluateExperiment(in)
	case domain.StatusCandidate:
		return evaluateCandidate(in)
	case domain.StatusProposable:
		return evaluateProposable(in)
	}
	return Decision{NewStatus: in.Status, Reason: ReasonHold}
}

func evaluatePending(in Input) Decision {
	if in.DuplicateFound {
		return Decision{NewStatus: domain.StatusDuplicate, Reason: ReasonDuplicate}
	}
	if in.SanityPass != nil {
		if *in.SanityPass {
			return Decision{NewStatus: domain.StatusExperiment, Reason: ReasonSanityPassed}
		}
		return Decision{NewStatus: domain.StatusRejected, Reason: ReasonSanityFailed}
	}
	return Decision{NewStatus: in.Status, Reason: ReasonHold}
}

func evaluateExperiment(in Input) Decision {
	m := in.Metrics
	if m == nil {
		return Decision{NewStatus: in.Status, Reason: ReasonHold}
	}
	if m.TotalTrades >= 50 && m.WinRate >= 0.75 && m.MaxDrawdown <= 0.30 {
		return Decision{NewStatus: domain.StatusCandidate, Reason: ReasonPromotedCandidate}
	}
	return Decision{NewStatus: in.Status, Reason: ReasonHold}
}

func evaluateCandidate(in Input) Decision {
	m := in.Metrics
	if m == nil {
		return Decision{NewStatus: in.Status, Reason: ReasonHold}
	}

	// Promotion first.
	if proposableGates(in) {
		return Decision{NewStatus: domain.StatusProposable, Reason: ReasonPromotedProposable}
	}

	// Demotion.
	if m.WinRate < 0.70 || m.MaxDrawdown > 0.40 {
		return Decision{NewStatus: domain.StatusExperiment, Reason: ReasonCandidateDemoted}
	}

	// Hysteresis band: below the promotion-entry thresholds but above the
	// demotion triggers.
	buffer := m.WinRate < 0.75 || m.MaxDrawdown > 0.30
	return Decision{NewStatus: in.Status, Reason: ReasonHold, BufferZone: buffer}
}

func evaluateProposable(in Input) Decision {
	m := in.Metrics
	if m == nil {
		return Decision{NewStatus: in.Status, Reason: ReasonHold}
	}

	if m.WinRate < 0.70 || m.Sharpe < 0.5 || in.Score < 0.60 ||
		m.MaxDrawdown > 0.30 || m.TotalTrades < 50 ||
		(in.TestWinRate != nil && *in.TestWinRate < 0.70) {
		return Decision{NewStatus: domain.StatusCandidate, Reason: ReasonDemotionBuffer}
	}

	// Holding but no longer meeting the full promotion gates means the
	// snapshot sits in the buffer band.
	buffer := !proposableGates(in)
	return Decision{NewStatus: in.Status, Reason: ReasonHold, BufferZone: buffer}
}

// proposableGates checks the full candidate to proposable gate set: the
// base gates, one of the two performance paths, and the regime context
// gates when the memory sink has data.
func proposableGates(in Input) bool {
	m := in.Metrics
	if m == nil {
		return false
	}

	base := m.TotalTrades >= 50 &&
		m.MaxDrawdown <= 0.20 &&
		m.ProfitFactor >= 1.2 &&
		in.Score >= 0.70 &&
		in.TestWinRate != nil && *in.TestWinRate >= 0.70
	if !base {
		return false
	}

	pathA := m.WinRate >= 0.80 && m.Sharpe >= 1.0
	pathB := m.WinRate >= 0.60 && m.Sharpe >= 1.5
	if !pathA && !pathB {
		return false
	}

	if in.Regime.Available {
		if in.Regime.Stability < 0.75 || !in.Regime.RiskLow {
			return false
		}
	}
	return true
}

// discardReason checks the terminal conditions in declaration order.
func discardReason(in Input) (string, bool) {
	if in.Attempts >= 10 {
		return ReasonMaxAttempts, true
	}
	m := in.Metrics
	if m == nil {
		return "", false
	}
	if m.Sharpe < 0 && m.TotalTrades >= 50 {
		return ReasonNegativeSharpe, true
	}
	if in.Attempts >= 5 && in.Score < 0.20 {
		return ReasonNotLearning, true
	}
	if in.Attempts >= 5 && m.WinRate < 0.50 && in.Score < 0.40 && m.OverfittingDetected {
		return ReasonOverfitLowQuality, true
	}
	return "", false
}

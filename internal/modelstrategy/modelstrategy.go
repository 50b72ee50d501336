// Package modelstrategy implements spec.md §4.4's four model strategies.
// The wire-level model names (opus, sonnet, haiku) are the only documented
// values for the <next-model> sigil, but spec.md §9 REDESIGN note 4 flags
// that this leaks a specific model family into the protocol; internally
// every strategy reasons about a tier enum and the wire name is only
// materialized at the boundary (WireName / TierFromWire).
package modelstrategy

// Tier is the internal, model-family-agnostic escalation level.
type Tier int

const (
	TierLow Tier = iota
	TierMid
	TierHigh
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMid:
		return "mid"
	case TierHigh:
		return "high"
	default:
		return "unknown"
	}
}

// wireNames maps each tier onto the model name surfaced to the agent
// subprocess (RALPH_MODEL) and recorded in the journal/model_overrides
// tables. Fixed/CostOptimized's default tiers are named directly after
// spec.md's own prose ("mid tier (sonnet)", "high tier (opus)", "low tier
// (haiku)").
var wireNames = map[Tier]string{
	TierLow:  "haiku",
	TierMid:  "sonnet",
	TierHigh: "opus",
}

// WireName returns the model name to put in RALPH_MODEL for tier.
func WireName(t Tier) string { return wireNames[t] }

// TierFromWire maps a <next-model> sigil payload onto a Tier. ok is false
// for any name outside the whitelist {opus, sonnet, haiku}; callers must
// silently ignore the hint in that case (spec.md §4.4).
func TierFromWire(name string) (Tier, bool) {
	switch name {
	case "haiku":
		return TierLow, true
	case "sonnet":
		return TierMid, true
	case "opus":
		return TierHigh, true
	default:
		return 0, false
	}
}

// Signal summarizes what the just-finished iteration suggested about
// model fit, derived from the run loop's outcome (a task-failed sigil, a
// verify-fail, a retry) or its absence. Error signals always dominate
// completion signals (spec.md §4.4 CostOptimized).
type Signal int

const (
	SignalNone Signal = iota
	SignalClean
	SignalDistressModerate
	SignalDistressSevere
)

// Kind names one of the four strategies.
type Kind string

const (
	KindFixed           Kind = "fixed"
	KindCostOptimized   Kind = "cost_optimized"
	KindEscalate        Kind = "escalate"
	KindPlanThenExecute Kind = "plan_then_execute"
)

// State is the per-run progress history a Strategy threads across
// iterations. The run loop persists it alongside Config between
// iterations (spec.md §4.2 step 12's "successor config").
type State struct {
	Current          Tier // CostOptimized's current tier / Escalate's floor
	ConsecutiveClean int
}

// Strategy picks the model tier for one iteration.
type Strategy interface {
	// Choose returns the tier for this iteration given the prior state and
	// this iteration's signal (SignalNone on the very first iteration),
	// plus the updated state to carry into the next call.
	Choose(iteration int, state State, signal Signal) (Tier, State)
}

// New constructs the named strategy. fixedTier is only consulted by
// KindFixed.
func New(kind Kind, fixedTier Tier) Strategy {
	switch kind {
	case KindEscalate:
		return escalateStrategy{}
	case KindPlanThenExecute:
		return planThenExecuteStrategy{}
	case KindCostOptimized:
		return costOptimizedStrategy{}
	default:
		return fixedStrategy{tier: fixedTier}
	}
}

type fixedStrategy struct{ tier Tier }

func (f fixedStrategy) Choose(_ int, state State, _ Signal) (Tier, State) {
	return f.tier, state
}

// costOptimizedStrategy is the default strategy (spec.md §4.4): start at
// mid, escalate to high on distress, descend to low after three or more
// consecutive clean completions. Distress always wins over a clean streak
// in the same iteration.
type costOptimizedStrategy struct{}

func (costOptimizedStrategy) Choose(iteration int, state State, signal Signal) (Tier, State) {
	if iteration <= 1 && state.Current == 0 && state.ConsecutiveClean == 0 {
		state.Current = TierMid
	}

	switch {
	case signal == SignalDistressModerate || signal == SignalDistressSevere:
		state.Current = TierHigh
		state.ConsecutiveClean = 0
	case signal == SignalClean:
		state.ConsecutiveClean++
		if state.ConsecutiveClean >= 3 {
			state.Current = TierLow
		}
	}
	return state.Current, state
}

// escalateStrategy: monotonic floor starting low. A moderate-distress
// signal raises the floor to mid; severe raises it to high. The floor
// never decreases on its own — spec.md §8 property 7 — only an explicit
// <next-model> hint (applied by the run loop calling ApplyHint) may lower
// it.
type escalateStrategy struct{}

func (escalateStrategy) Choose(iteration int, state State, signal Signal) (Tier, State) {
	if iteration <= 1 && state.Current == 0 {
		state.Current = TierLow
	}
	switch signal {
	case SignalDistressModerate:
		if state.Current < TierMid {
			state.Current = TierMid
		}
	case SignalDistressSevere:
		state.Current = TierHigh
	}
	return state.Current, state
}

// planThenExecuteStrategy: first iteration at high tier (planning), every
// iteration after that at mid (execution).
type planThenExecuteStrategy struct{}

func (planThenExecuteStrategy) Choose(iteration int, state State, _ Signal) (Tier, State) {
	if iteration <= 1 {
		state.Current = TierHigh
	} else {
		state.Current = TierMid
	}
	return state.Current, state
}

// ApplyHint implements the universal override rule: a valid <next-model>
// hint always wins over the strategy's own choice for the next iteration,
// and — for Escalate specifically — a hint lower than the current floor
// is the one sanctioned way to lower it. overrode reports whether hint
// differed from chosen, for the model_overrides audit table (spec.md
// §4.5).
func ApplyHint(chosen Tier, hint *Tier, state State) (effective Tier, next State, overrode bool) {
	if hint == nil {
		return chosen, state, false
	}
	state.Current = *hint
	return *hint, state, *hint != chosen
}

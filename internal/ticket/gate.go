package ticket

import (
	"github.com/bmatcuk/doublestar/v4"
)

// GateResult reports a phase-gate evaluation (spec §4.5).
type GateResult struct {
	Passed                 bool
	MissingDoneDefinitions []string
	MissingExpectedOutputs []string
}

// EvaluateGate checks the compound phase-gate condition: every
// done_definition of the current phase is satisfied, and every required
// expected_outputs glob resolves against at least one produced artifact
// path. nextPhaseID/allowed-transition and discovery-bypass membership are
// checked separately by the caller (Engine.TransitionPhase), since that
// check also depends on whether the transition was discovery-initiated.
func EvaluateGate(phase *Phase, satisfiedDoneDefs map[string]bool, producedArtifacts []string) GateResult {
	var res GateResult
	res.Passed = true

	for _, dd := range phase.DoneDefinitions {
		if !satisfiedDoneDefs[dd] {
			res.MissingDoneDefinitions = append(res.MissingDoneDefinitions, dd)
			res.Passed = false
		}
	}

	for _, eo := range phase.ExpectedOutputs {
		if !eo.Required {
			continue
		}
		if !matchesAny(eo.Pattern, producedArtifacts) {
			res.MissingExpectedOutputs = append(res.MissingExpectedOutputs, eo.Pattern)
			res.Passed = false
		}
	}

	return res
}

func matchesAny(pattern string, paths []string) bool {
	for _, p := range paths {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
	}
	return false
}

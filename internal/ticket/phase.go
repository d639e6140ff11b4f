// Package ticket implements the ticket/phase engine (C5): the phase
// catalogue, the Kanban board with WIP limits and auto-transition, phase-
// gate validation, and context aggregation/summarization on phase exit.
package ticket

// ExpectedOutput is one entry of a phase's expected_outputs: a required or
// optional artifact-path glob the phase must produce before its gate opens.
type ExpectedOutput struct {
	Pattern  string
	Required bool
}

// Phase is the data model's Phase entity.
type Phase struct {
	ID                string
	SequenceOrder     int
	AllowedTransitions map[string]struct{}
	DoneDefinitions   []string
	ExpectedOutputs   []ExpectedOutput
	PhasePrompt       string
	NextStepsGuide    string
}

// AllowsTransitionTo reports whether nextPhaseID is reachable from p under
// normal (non-discovery) progression.
func (p *Phase) AllowsTransitionTo(nextPhaseID string) bool {
	_, ok := p.AllowedTransitions[nextPhaseID]
	return ok
}

// Catalogue holds the configured phases, keyed by ID. Neither the
// catalogue nor the kernel wiring checks that allowed_transitions form a
// DAG; cycles in the configured phases are accepted as given.
type Catalogue struct {
	phases map[string]*Phase
}

// NewCatalogue builds a catalogue from a phase list.
func NewCatalogue(phases []*Phase) *Catalogue {
	c := &Catalogue{phases: make(map[string]*Phase, len(phases))}
	for _, p := range phases {
		c.phases[p.ID] = p
	}
	return c
}

// Get returns a phase by ID.
func (c *Catalogue) Get(id string) (*Phase, bool) {
	p, ok := c.phases[id]
	return p, ok
}

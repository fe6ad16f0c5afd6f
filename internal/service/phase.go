package service

import "log/slog"

// Phase is a step of handling one proxied request.
type Phase int

const (
	PhaseValidating Phase = iota
	PhaseFetching
	PhaseClassifying
	PhaseTransforming
	PhasePassingThrough
	PhaseResponding
	PhaseDone
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseValidating:     "validating",
	PhaseFetching:       "fetching",
	PhaseClassifying:    "classifying",
	PhaseTransforming:   "transforming",
	PhasePassingThrough: "passing_through",
	PhaseResponding:     "responding",
	PhaseDone:           "done",
	PhaseFailed:         "failed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// Terminal reports whether no further transition may follow p.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// transitions lists the legal successors of each phase.
var transitions = map[Phase][]Phase{
	PhaseValidating:     {PhaseFetching, PhaseFailed},
	PhaseFetching:       {PhaseClassifying, PhaseFailed},
	PhaseClassifying:    {PhaseTransforming, PhasePassingThrough},
	PhaseTransforming:   {PhaseResponding, PhasePassingThrough, PhaseFailed},
	PhasePassingThrough: {PhaseResponding},
	PhaseResponding:     {PhaseDone},
}

// CanTransition reports whether to may follow from.
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// requestState records the phase of one request and logs each transition.
type requestState struct {
	phase  Phase
	logger *slog.Logger
}

func newRequestState(logger *slog.Logger) *requestState {
	return &requestState{phase: PhaseValidating, logger: logger}
}

func (s *requestState) to(next Phase) {
	if !CanTransition(s.phase, next) {
		s.logger.Warn("unexpected phase transition", "from", s.phase.String(), "to", next.String())
	}
	s.logger.Debug("phase", "from", s.phase.String(), "to", next.String())
	s.phase = next
}

func (s *requestState) fail(err error) {
	s.logger.Debug("phase", "from", s.phase.String(), "to", PhaseFailed.String(), "error", err)
	s.phase = PhaseFailed
}

package lti

import "fmt"

// Phase is the position of one login attempt in the OIDC third-party
// initiated login.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInitiated
	PhaseAwaitingCallback
	PhaseVerified
	PhaseCompleted
	PhaseRejected
)

var phaseNames = [...]string{
	PhaseIdle:             "idle",
	PhaseInitiated:        "initiated",
	PhaseAwaitingCallback: "awaiting_callback",
	PhaseVerified:         "verified",
	PhaseCompleted:        "completed",
	PhaseRejected:         "rejected",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

var transitions = map[Phase][]Phase{
	PhaseIdle:             {PhaseInitiated},
	PhaseInitiated:        {PhaseAwaitingCallback, PhaseRejected},
	PhaseAwaitingCallback: {PhaseVerified, PhaseRejected},
	PhaseVerified:         {PhaseCompleted},
}

// To returns next if the move is legal. Completed and Rejected are terminal.
func (p Phase) To(next Phase) (Phase, error) {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return next, nil
		}
	}
	return p, fmt.Errorf("lti: illegal phase transition %s -> %s", p, next)
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseRejected
}

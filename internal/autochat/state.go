package autochat

import (
	"strconv"
	"time"
)

type Phase int

const (
	PhaseStopped Phase = iota
	PhaseRunning
)

func (p Phase) String() string {
	if p == PhaseRunning {
		return "running"
	}
	return "stopped"
}

// State is the transient scheduler state. It is reset on every entry into
// PhaseStopped.
type State struct {
	Phase      Phase
	StartedAt  time.Time     // absolute start of the current cycle
	Realized   time.Duration // duration drawn for the current cycle
	Cycles     int
	FirstCycle bool
	LastSendAt time.Time

	Dispatching bool
}

// Snapshot is a read-only view of the engine for status output.
type Snapshot struct {
	State
	Remaining time.Duration
	NextAt    time.Time
	Limit     int
	Bounded   bool
}

const stoppedText = "Timer: Stopped"

// remaining is max(0, ceil(realized - elapsed)) in whole seconds.
func remaining(st State, now time.Time) time.Duration {
	rem := st.Realized - now.Sub(st.StartedAt)
	if rem <= 0 {
		return 0
	}
	return (rem + time.Second - 1) / time.Second * time.Second
}

func countdownText(st State, now time.Time) string {
	if st.Phase != PhaseRunning {
		return stoppedText
	}
	return "Timer: " + strconv.Itoa(int(remaining(st, now)/time.Second)) + "s"
}

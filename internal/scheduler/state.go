package scheduler

import "fmt"

// State is the phase the scheduler is in.
type State int32

const (
	StateStartup State = iota
	StateRunning
	StateCollectLive
	StateCollectHour
	StateCollectDay
	StateCollectHistory
	StateFlush
	StateSleep
	StateStopped
)

var stateNames = [...]string{
	StateStartup:        "startup",
	StateRunning:        "running",
	StateCollectLive:    "collect_live",
	StateCollectHour:    "collect_hour",
	StateCollectDay:     "collect_day",
	StateCollectHistory: "collect_history",
	StateFlush:          "flush",
	StateSleep:          "sleep",
	StateStopped:        "stopped",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// State returns the current state. It is safe to call from any goroutine.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
	if s.metrics != nil {
		s.metrics.SchedulerState.Set(float64(st))
	}
}

package risk

import "sync"

type State string

type Event string

const (
	StateIdle             State = "IDLE"
	StateEvaluating       State = "EVALUATING"
	StateEntering         State = "ENTERING"
	StateMonitoring       State = "MONITORING"
	StateUnwinding        State = "UNWINDING"
	StateClosed           State = "CLOSED"
	StateEmergencyStopped State = "EMERGENCY_STOPPED"
)

const (
	EventEvaluate       Event = "EVALUATE"
	EventEnter          Event = "ENTER"
	EventEntered        Event = "ENTERED"
	EventUnwind         Event = "UNWIND"
	EventClosed         Event = "CLOSED"
	EventReset          Event = "RESET"
	EventNoOpportunity  Event = "NO_OPPORTUNITY"
	EventEmergencyStop  Event = "EMERGENCY_STOP"
	EventEmergencyClear Event = "EMERGENCY_CLEAR"
)

// StateMachine tracks one pair's lifecycle. The emergency stop is reachable
// from every state and absorbs every event except an explicit clear.
type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateIdle}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = nextState(s.State, event)
	return s.State
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func (s *StateMachine) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

func nextState(current State, event Event) State {
	if event == EventEmergencyStop {
		return StateEmergencyStopped
	}
	switch current {
	case StateIdle:
		if event == EventEvaluate {
			return StateEvaluating
		}
	case StateEvaluating:
		if event == EventEnter {
			return StateEntering
		}
		if event == EventNoOpportunity {
			return StateIdle
		}
	case StateEntering:
		if event == EventEntered {
			return StateMonitoring
		}
		if event == EventUnwind {
			return StateUnwinding
		}
	case StateMonitoring:
		if event == EventUnwind {
			return StateUnwinding
		}
	case StateUnwinding:
		if event == EventClosed {
			return StateClosed
		}
	case StateClosed:
		if event == EventReset {
			return StateIdle
		}
	case StateEmergencyStopped:
		if event == EventEmergencyClear {
			return StateIdle
		}
	}
	return current
}

package connector

// The connection state machine is an explicit transition table: one function
// computes the follow-up state and entry/exit actions for a (state, event)
// pair. It is strictly single-threaded; the owning loop performs one
// transition at a time.

// State is a connection lifecycle state.
type State uint8

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateIdentifying
	StateRegistering
	StateLoggingIn
	StateGranting
	StateIdle
	StateDownloading
	StateClosing
	StateRetry
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateIdentifying:
		return "Identifying"
	case StateRegistering:
		return "Registering"
	case StateLoggingIn:
		return "LoggingIn"
	case StateGranting:
		return "Granting"
	case StateIdle:
		return "Idle"
	case StateDownloading:
		return "Downloading"
	case StateClosing:
		return "Closing"
	case StateRetry:
		return "Retry"
	case StateError:
		return "Error"
	default:
		return "Invalid"
	}
}

// Event is a state machine input.
type Event uint8

// State machine events.
const (
	EventConnected Event = iota
	EventDisconnected
	EventIdentify
	EventAwaitRegister
	EventAwaitLogin
	EventAwaitGranted
	EventAccount
	EventClose
	EventReconnect
	EventBasicError
	EventFatalError
	EventNoConnect
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventIdentify:
		return "identify"
	case EventAwaitRegister:
		return "awaitRegister"
	case EventAwaitLogin:
		return "awaitLogin"
	case EventAwaitGranted:
		return "awaitGranted"
	case EventAccount:
		return "account"
	case EventClose:
		return "close"
	case EventReconnect:
		return "reconnect"
	case EventBasicError:
		return "basicError"
	case EventFatalError:
		return "fatalError"
	case EventNoConnect:
		return "noConnect"
	default:
		return "invalid"
	}
}

// Action is an on-entry/on-exit side effect the connector must execute after
// a transition.
type Action uint8

// Transition actions.
const (
	// ActionConnect opens the socket (Connecting entry).
	ActionConnect Action = iota
	// ActionDisconnect closes the socket or synthesizes disconnected
	// (Closing entry).
	ActionDisconnect
	// ActionScheduleRetry arms the back-off timer (Retry entry).
	ActionScheduleRetry
	// ActionEnterIdle resets back-off and reports readiness (Idle entry).
	ActionEnterIdle
	// ActionExitActive clears transient caches and cancels operation timers
	// (leaving the active region).
	ActionExitActive
	// ActionFinish reports the machine stopped (Disconnected entry while
	// closing).
	ActionFinish
)

// closeOutcome records where a Closing state resolves to once the socket is
// down.
type closeOutcome uint8

const (
	outcomeRetry closeOutcome = iota
	outcomeError
	outcomeFinal
)

// Machine is the explicit connection state machine.
type Machine struct {
	state   State
	closing bool
	outcome closeOutcome
}

// NewMachine creates a machine in Disconnected.
func NewMachine() *Machine { return &Machine{state: StateDisconnected} }

// Current returns the current state.
func (m *Machine) Current() State { return m.state }

// IsIdle reports whether the machine accepts idle-only requests.
func (m *Machine) IsIdle() bool { return m.state == StateIdle }

// IsDownloading reports whether a download stream is in progress.
func (m *Machine) IsDownloading() bool { return m.state == StateDownloading }

// IsClosing reports whether finalization has been requested.
func (m *Machine) IsClosing() bool { return m.closing }

// SetClosing guards the machine against new work once finalization starts.
func (m *Machine) SetClosing() { m.closing = true }

// BeginDownload switches Idle to Downloading. Download progress is driven by
// data messages, not control events.
func (m *Machine) BeginDownload() {
	if m.state == StateIdle {
		m.state = StateDownloading
	}
}

// EndDownload returns Downloading to Idle without re-running idle entry
// actions.
func (m *Machine) EndDownload() {
	if m.state == StateDownloading {
		m.state = StateIdle
	}
}

// active reports whether a state belongs to the active connection region.
func active(s State) bool {
	switch s {
	case StateConnecting, StateConnected, StateIdentifying, StateRegistering,
		StateLoggingIn, StateGranting, StateIdle, StateDownloading:
		return true
	default:
		return false
	}
}

// Submit performs one transition. It returns the actions to execute and
// whether the event was expected in the current state. Unexpected events
// leave the machine untouched.
func (m *Machine) Submit(ev Event) (actions []Action, handled bool) {
	old := m.state
	next, handled := m.target(ev)
	if !handled {
		return nil, false
	}
	if next == old {
		return nil, true
	}
	m.state = next

	if active(old) && !active(next) {
		actions = append(actions, ActionExitActive)
	}
	switch next {
	case StateConnecting:
		actions = append(actions, ActionConnect)
	case StateClosing:
		actions = append(actions, ActionDisconnect)
	case StateRetry:
		actions = append(actions, ActionScheduleRetry)
	case StateIdle:
		actions = append(actions, ActionEnterIdle)
	case StateDisconnected:
		if m.closing {
			actions = append(actions, ActionFinish)
		}
	}
	return actions, true
}

// target computes the follow-up state for an event, flagging unexpected
// combinations. Shared active-region events are resolved in activeTarget.
func (m *Machine) target(ev Event) (State, bool) {
	switch m.state {
	case StateDisconnected:
		switch ev {
		case EventReconnect:
			if m.closing {
				return m.state, true
			}
			return StateConnecting, true
		case EventClose:
			return m.state, true
		}

	case StateConnecting:
		switch ev {
		case EventConnected:
			return StateConnected, true
		case EventIdentify:
			// the socket can deliver Identify before the connected event has
			// been processed
			return StateIdentifying, true
		case EventNoConnect:
			return StateDisconnected, true
		case EventDisconnected:
			if m.closing {
				return StateDisconnected, true
			}
			return StateRetry, true
		case EventReconnect:
			// already connecting, request is a no-op
			return m.state, true
		default:
			return m.activeTarget(ev)
		}

	case StateConnected:
		if ev == EventIdentify {
			return StateIdentifying, true
		}
		return m.activeTarget(ev)

	case StateIdentifying:
		switch ev {
		case EventAwaitRegister:
			return StateRegistering, true
		case EventAwaitLogin:
			return StateLoggingIn, true
		case EventAwaitGranted:
			return StateGranting, true
		default:
			return m.activeTarget(ev)
		}

	case StateRegistering, StateLoggingIn, StateGranting:
		if ev == EventAccount {
			return StateIdle, true
		}
		return m.activeTarget(ev)

	case StateIdle, StateDownloading:
		return m.activeTarget(ev)

	case StateClosing:
		switch ev {
		case EventDisconnected:
			if m.closing || m.outcome == outcomeFinal {
				return StateDisconnected, true
			}
			if m.outcome == outcomeError {
				return StateError, true
			}
			return StateRetry, true
		case EventClose:
			m.outcome = outcomeFinal
			return m.state, true
		case EventFatalError:
			if m.outcome == outcomeRetry {
				m.outcome = outcomeError
			}
			return m.state, true
		case EventReconnect, EventBasicError:
			// a reconnect is already implied by the retry outcome
			return m.state, true
		}

	case StateRetry:
		switch ev {
		case EventReconnect:
			if m.closing {
				return StateDisconnected, true
			}
			return StateConnecting, true
		case EventClose:
			return StateDisconnected, true
		case EventFatalError:
			return StateError, true
		}

	case StateError:
		switch ev {
		case EventReconnect:
			if m.closing {
				return StateDisconnected, true
			}
			return StateConnecting, true
		case EventClose:
			return StateDisconnected, true
		}
	}
	return m.state, false
}

// activeTarget handles the events every active state reacts to identically.
func (m *Machine) activeTarget(ev Event) (State, bool) {
	switch ev {
	case EventDisconnected:
		if m.closing {
			return StateDisconnected, true
		}
		return StateRetry, true
	case EventClose:
		m.outcome = outcomeFinal
		return StateClosing, true
	case EventReconnect, EventBasicError:
		m.outcome = outcomeRetry
		return StateClosing, true
	case EventFatalError:
		m.outcome = outcomeError
		return StateClosing, true
	}
	return m.state, false
}

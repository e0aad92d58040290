package relay

// State is the conversation state of one relay session.
type State int32

const (
	// StateIdle: no conversation started; inbound audio is dropped.
	StateIdle State = iota
	// StateRecording: the user may speak; inbound audio is forwarded.
	StateRecording
	// StateAISpeaking: assistant audio is being relayed.
	StateAISpeaking
	// StateInterrupted: the user barged in; the cancelled response's output
	// is withheld until upstream VAD reports the end of speech.
	StateInterrupted
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateAISpeaking:
		return "ai_speaking"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// StateMachine tracks the conversation state. It is not safe for concurrent
// use; a session's event loop owns it.
type StateMachine struct {
	state   State
	started bool
}

// State returns the current state.
func (m *StateMachine) State() State { return m.state }

// Started reports whether the client has started the conversation.
func (m *StateMachine) Started() bool { return m.started }

// Start handles start_conversation.
func (m *StateMachine) Start() {
	m.started = true
	m.state = StateRecording
}

// Stop handles stop_conversation.
func (m *StateMachine) Stop() {
	m.started = false
	m.state = StateIdle
}

// SpeechStarted handles a barge-in from any state and returns the state it
// interrupted.
func (m *StateMachine) SpeechStarted() State {
	prev := m.state
	m.state = StateInterrupted
	return prev
}

// SpeechStopped leaves Interrupted.
func (m *StateMachine) SpeechStopped() {
	if m.state == StateInterrupted {
		m.state = m.resting()
	}
}

// AudioRelayed marks assistant output going to the client.
func (m *StateMachine) AudioRelayed() {
	if m.state != StateInterrupted {
		m.state = StateAISpeaking
	}
}

// TurnDone ends an assistant turn. A turn ending while the user is still
// speaking keeps the session Interrupted.
func (m *StateMachine) TurnDone() {
	if m.state == StateAISpeaking {
		m.state = m.resting()
	}
}

func (m *StateMachine) resting() State {
	if m.started {
		return StateRecording
	}
	return StateIdle
}

package conversation

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mimirai/voice-gateway/internal/observability"
)

// Callback observes a committed transition. Callbacks run synchronously while
// the machine's transition lock is held: they may read the machine but must
// not call TransitionTo, TransitionFrom or HandleBargeIn.
type Callback func(sessionID string, from, to State, metadata map[string]any)

// Snapshot is a point-in-time view of the machine
type Snapshot struct {
	SessionID         string `json:"session_id"`
	State             State  `json:"state"`
	PreviousState     State  `json:"previous_state"`
	StateDurationMs   int64  `json:"state_duration_ms"`
	ActiveTTSStreamID string `json:"current_tts_stream_id,omitempty"`
}

// StateMachine is the only writer of a session's conversation state
type StateMachine struct {
	sessionID string
	logger    zerolog.Logger

	// mu serializes validate, mutate and callback dispatch
	mu sync.Mutex

	// stateMu guards the fields below for readers
	stateMu        sync.RWMutex
	state          State
	previousState  State
	stateChangedAt time.Time
	activeStreamID string

	callbackMu     sync.RWMutex
	enterCallbacks map[State][]Callback
	anyCallbacks   []Callback
}

// NewStateMachine creates a machine in the Idle state
func NewStateMachine(sessionID string, logger zerolog.Logger) *StateMachine {
	return &StateMachine{
		sessionID:      sessionID,
		logger:         logger.With().Str("component", "state_machine").Logger(),
		state:          StateIdle,
		previousState:  StateIdle,
		stateChangedAt: time.Now(),
		enterCallbacks: make(map[State][]Callback),
	}
}

// SessionID returns the owning session id
func (m *StateMachine) SessionID() string {
	return m.sessionID
}

// TransitionTo moves to state to if the transition is legal.
// Returns false, without side effects, for an illegal transition.
func (m *StateMachine) TransitionTo(to State, metadata map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transitionLocked(m.State(), to, metadata)
}

// TransitionFrom moves from -> to only if the current state is exactly from.
func (m *StateMachine) TransitionFrom(from, to State, metadata map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.State()
	if current != from {
		m.logger.Debug().
			Str("expected", from.String()).
			Str("current", current.String()).
			Str("to", to.String()).
			Msg("Conditional transition skipped")
		return false
	}
	return m.transitionLocked(current, to, metadata)
}

// HandleBargeIn interrupts assistant speech. It is a no-op returning false
// unless the current state is AssistantSpeaking.
func (m *StateMachine) HandleBargeIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.State()
	if current != StateAssistantSpeaking {
		m.logger.Debug().Str("state", current.String()).Msg("Barge-in ignored")
		return false
	}

	streamID := m.ActiveTTSStreamID()
	m.logger.Info().Str("interrupted_stream_id", streamID).Msg("Barge-in detected, interrupting assistant")

	return m.transitionLocked(current, StateUserSpeaking, map[string]any{
		"reason":                "barge_in",
		"interrupted_stream_id": streamID,
	})
}

// transitionLocked requires m.mu
func (m *StateMachine) transitionLocked(from, to State, metadata map[string]any) bool {
	if !CanTransition(from, to) {
		m.logger.Warn().
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Invalid state transition")
		return false
	}

	m.stateMu.Lock()
	m.previousState = from
	m.state = to
	m.stateChangedAt = time.Now()
	m.stateMu.Unlock()

	observability.RecordStateTransition(from.String(), to.String())

	if from != to {
		m.logger.Info().
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("State transition")
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	m.dispatch(from, to, metadata)
	return true
}

// dispatch runs on-enter callbacks for to, then on-transition callbacks, each in registration order
func (m *StateMachine) dispatch(from, to State, metadata map[string]any) {
	m.callbackMu.RLock()
	enter := append([]Callback(nil), m.enterCallbacks[to]...)
	global := append([]Callback(nil), m.anyCallbacks...)
	m.callbackMu.RUnlock()

	for i, cb := range enter {
		m.safeInvoke("state_enter", i, cb, from, to, metadata)
	}
	for i, cb := range global {
		m.safeInvoke("transition", i, cb, from, to, metadata)
	}
}

func (m *StateMachine) safeInvoke(kind string, index int, cb Callback, from, to State, metadata map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("callback", kind).
				Int("index", index).
				Str("from", from.String()).
				Str("to", to.String()).
				Str("panic", fmt.Sprint(r)).
				Msg("State callback panicked")
			observability.RecordError("callback_panic", "state_machine")
		}
	}()
	cb(m.sessionID, from, to, metadata)
}

// OnStateEnter registers cb to run whenever state is entered
func (m *StateMachine) OnStateEnter(state State, cb Callback) {
	if cb == nil {
		return
	}
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.enterCallbacks[state] = append(m.enterCallbacks[state], cb)
}

// OnTransition registers cb to run on every committed transition
func (m *StateMachine) OnTransition(cb Callback) {
	if cb == nil {
		return
	}
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.anyCallbacks = append(m.anyCallbacks, cb)
}

// SetActiveTTSStreamID records the stream currently being synthesized. Empty clears it.
func (m *StateMachine) SetActiveTTSStreamID(id string) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.activeStreamID = id
}

// ActiveTTSStreamID returns the recorded stream id, or "" if none
func (m *StateMachine) ActiveTTSStreamID() string {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.activeStreamID
}

// State returns the current state
func (m *StateMachine) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// PreviousState returns the state before the last committed transition
func (m *StateMachine) PreviousState() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.previousState
}

// StateDuration returns how long the machine has been in its current state
func (m *StateMachine) StateDuration() time.Duration {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return time.Since(m.stateChangedAt)
}

// Snapshot returns a consistent view of the machine
func (m *StateMachine) Snapshot() Snapshot {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return Snapshot{
		SessionID:         m.sessionID,
		State:             m.state,
		PreviousState:     m.previousState,
		StateDurationMs:   time.Since(m.stateChangedAt).Milliseconds(),
		ActiveTTSStreamID: m.activeStreamID,
	}
}

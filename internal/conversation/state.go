// Package conversation arbitrates the turn-taking state of a single voice session.
package conversation

// State is the conversation state of a voice session. The string value is
// what clients see in the "state" field of every outbound message.
type State string

const (
	StateIdle              State = "idle"
	StateUserSpeaking      State = "user_speaking"
	StateProcessing        State = "processing"
	StateAssistantSpeaking State = "assistant_speaking"
	StateError             State = "error"
)

// AllStates lists every state in declaration order
var AllStates = []State{
	StateIdle,
	StateUserSpeaking,
	StateProcessing,
	StateAssistantSpeaking,
	StateError,
}

func (s State) String() string {
	return string(s)
}

// Valid reports whether s is one of the declared states
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateUserSpeaking, StateProcessing, StateAssistantSpeaking, StateError:
		return true
	}
	return false
}

// transitions lists the legal targets for each state.
// Same-state transitions are always allowed and are not listed.
var transitions = map[State][]State{
	// Idle -> Processing picks up typed or pre-queued utterances
	StateIdle:         {StateUserSpeaking, StateProcessing, StateError},
	StateUserSpeaking: {StateProcessing, StateIdle, StateError},
	StateProcessing:   {StateAssistantSpeaking, StateIdle, StateError},
	// AssistantSpeaking -> UserSpeaking is barge-in
	StateAssistantSpeaking: {StateIdle, StateUserSpeaking, StateError},
	StateError:             {StateIdle},
}

// CanTransition reports whether from -> to is a legal transition
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, target := range transitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

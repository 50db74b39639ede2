// Package llm streams tutor replies from Claude and prepares them for speech.
package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// Roles used in conversation history
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrNoAPIKey is returned when the Claude API key is missing
var ErrNoAPIKey = errors.New("llm: API key required")

// Message is one turn of conversation history
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one streamed completion
type Request struct {
	System    string
	Messages  []Message
	Model     string // empty uses the client default
	MaxTokens int    // zero uses the client default
}

// Delta is one piece of a streamed reply. A Delta with Err set is the
// last value on the channel. StopReason is set on the final Delta of a
// completed reply.
type Delta struct {
	Text       string
	StopReason string
	Err        error
}

// APIError is an error response from the Messages API
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("claude: API error %d (%s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("claude: API error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true for rate limiting, overload and server errors
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Package tutor turns a finalized student utterance into spoken tutor speech.
package tutor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mimirai/voice-gateway/internal/conversation"
	"github.com/mimirai/voice-gateway/internal/llm"
	"github.com/mimirai/voice-gateway/internal/voice"
)

const (
	defaultMaxHistory = 20

	apologyText = "I'm sorry, I ran into a problem answering that. Could you say it again?"
)

// LLM streams a model reply
type LLM interface {
	Stream(ctx context.Context, req llm.Request) (<-chan llm.Delta, error)
}

// Options configures a Responder
type Options struct {
	// StudentContext is appended to the system prompt
	StudentContext string

	// MaxHistory bounds the number of messages kept, 0 means the default
	MaxHistory int
}

// Responder answers one connection's utterances, keeping its conversation history
type Responder struct {
	llm        LLM
	system     string
	maxHistory int

	mu      sync.Mutex
	history []llm.Message
}

// NewResponder creates a responder for one connection
func NewResponder(model LLM, opts Options) *Responder {
	maxHistory := opts.MaxHistory
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &Responder{
		llm:        model,
		system:     llm.BuildVoiceSystemPrompt(opts.StudentContext),
		maxHistory: maxHistory,
	}
}

// History returns a copy of the conversation so far
func (r *Responder) History() []llm.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]llm.Message(nil), r.history...)
}

// Reset forgets the conversation
func (r *Responder) Reset() {
	r.mu.Lock()
	r.history = nil
	r.mu.Unlock()
}

// reply tracks one Respond call
type reply struct {
	session *voice.Session
	turn    uint64
	logger  zerolog.Logger
	full    strings.Builder
	spoken  []string
	aborted bool
}

// Respond streams the tutor's answer to utterance into session. The session
// is expected to be in Processing. Speech stops at the first sentence boundary
// after the session leaves Processing or AssistantSpeaking, or after a newer
// turn has started.
func (r *Responder) Respond(ctx context.Context, session *voice.Session, utterance string) error {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		session.ReturnToIdle()
		return nil
	}

	rp := &reply{
		session: session,
		turn:    session.Turn(),
		logger:  session.Logger().With().Str("component", "tutor").Logger(),
	}
	rp.logger.Info().Int("chars", len(utterance)).Msg("Responding to utterance")

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	messages := append(r.History(), llm.Message{Role: llm.RoleUser, Content: utterance})

	recorder := session.Recorder()
	recorder.RecordLLMStart()

	deltas, err := r.llm.Stream(streamCtx, llm.Request{System: r.system, Messages: messages})
	if err != nil {
		recorder.RecordLLMEnd(false)
		recorder.RecordError("llm_start", "tutor")
		rp.logger.Error().Err(err).Msg("LLM request failed")
		return r.apologize(ctx, rp)
	}

	var chunker llm.SentenceChunker
	var llmErr error
	for delta := range deltas {
		if delta.Err != nil {
			llmErr = delta.Err
			break
		}
		if delta.Text == "" {
			continue
		}
		rp.full.WriteString(delta.Text)

		if err := r.speakAll(streamCtx, rp, chunker.Push(delta.Text)); err != nil {
			return err
		}
		if rp.aborted {
			break
		}
	}
	cancel()

	if llmErr != nil {
		recorder.RecordLLMEnd(false)
		recorder.RecordError("llm_stream", "tutor")
		rp.logger.Error().Err(llmErr).Int("spoken", len(rp.spoken)).Msg("LLM stream failed")
		if len(rp.spoken) == 0 && !rp.aborted {
			return r.apologize(ctx, rp)
		}
	} else {
		recorder.RecordLLMEnd(true)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if !rp.aborted && llmErr == nil {
		if err := r.speakAll(ctx, rp, chunker.Flush()); err != nil {
			return err
		}
	}

	_, actions := llm.ExtractUIActions(rp.full.String())
	for _, action := range actions {
		if err := session.SendUIAction(action); err != nil {
			return fmt.Errorf("send ui action: %w", err)
		}
	}

	r.remember(utterance, rp.spoken)
	r.finish(rp)
	return nil
}

// speakAll synthesizes sentences in order, stopping when the session leaves
// the speaking states
func (r *Responder) speakAll(ctx context.Context, rp *reply, sentences []string) error {
	for _, sentence := range sentences {
		if rp.aborted {
			return nil
		}
		if !rp.canSpeak() {
			rp.aborted = true
			rp.logger.Info().Str("state", rp.session.State().String()).Msg("Reply interrupted")
			return nil
		}

		if err := rp.session.SynthesizeAndStream(ctx, sentence); err != nil {
			return r.ttsFailed(rp, err)
		}

		// A barge-in during the sentence leaves it partly heard
		if rp.session.State() != conversation.StateAssistantSpeaking {
			rp.aborted = true
			if rp.session.State() == conversation.StateUserSpeaking {
				rp.spoken = append(rp.spoken, sentence)
			}
			return nil
		}
		rp.spoken = append(rp.spoken, sentence)
	}
	return nil
}

func (r *Responder) ttsFailed(rp *reply, err error) error {
	if errors.Is(err, voice.ErrSessionInactive) || errors.Is(err, context.Canceled) {
		return err
	}
	if rp.session.State() == conversation.StateError && rp.session.Recover() {
		rp.logger.Warn().Err(err).Msg("Recovered session after TTS failure")
	}
	return fmt.Errorf("speak reply: %w", err)
}

func (r *Responder) apologize(ctx context.Context, rp *reply) error {
	if !rp.canSpeak() {
		return nil
	}
	if err := rp.session.SynthesizeAndStream(ctx, apologyText); err != nil {
		return r.ttsFailed(rp, err)
	}
	r.finish(rp)
	return nil
}

func (r *Responder) finish(rp *reply) {
	if rp.session.Turn() != rp.turn {
		return
	}
	if rp.session.FinishSpeaking() {
		return
	}
	if rp.session.ReturnToIdle() {
		rp.logger.Debug().Msg("Reply produced no speech")
	}
}

// remember records a completed turn. Turns with no spoken reply are dropped
// so user and assistant messages keep alternating.
func (r *Responder) remember(utterance string, spoken []string) {
	if len(spoken) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = append(r.history,
		llm.Message{Role: llm.RoleUser, Content: utterance},
		llm.Message{Role: llm.RoleAssistant, Content: strings.Join(spoken, " ")},
	)
	if over := len(r.history) - r.maxHistory; over > 0 {
		over += over % 2
		r.history = append([]llm.Message(nil), r.history[over:]...)
	}
}

func (rp *reply) canSpeak() bool {
	state := rp.session.State()
	if state != conversation.StateProcessing && state != conversation.StateAssistantSpeaking {
		return false
	}
	return rp.session.Turn() == rp.turn
}

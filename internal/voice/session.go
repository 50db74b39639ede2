package voice

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mimirai/voice-gateway/internal/audio"
	"github.com/mimirai/voice-gateway/internal/conversation"
	"github.com/mimirai/voice-gateway/internal/observability"
	"github.com/mimirai/voice-gateway/internal/stt"
	"github.com/mimirai/voice-gateway/internal/tts"
)

// Metrics counts the turns of one session
type Metrics struct {
	UserTurns              int   `json:"user_turns"`
	AssistantTurns         int   `json:"assistant_turns"`
	BargeIns               int   `json:"barge_ins"`
	TotalUserSpeechMs      int64 `json:"total_user_speech_ms"`
	TotalAssistantSpeechMs int64 `json:"total_assistant_speech_ms"`
}

// SessionSnapshot is a point-in-time view of a session
type SessionSnapshot struct {
	SessionID    string                `json:"session_id"`
	UserID       string                `json:"user_id"`
	InstanceID   string                `json:"instance_id"`
	State        conversation.Snapshot `json:"state"`
	CreatedAt    time.Time             `json:"created_at"`
	LastActivity time.Time             `json:"last_activity"`
	IsActive     bool                  `json:"is_active"`
	Metrics      Metrics               `json:"metrics"`
}

// Session holds the state of a single voice conversation.
//
// Lock order: sendMu, then the state machine's transition lock, then mu.
// State callbacks run under the transition lock and must not send.
type Session struct {
	id         string
	userID     string
	instanceID string
	createdAt  time.Time
	sampleRate int

	transport Transport
	stt       stt.Provider
	tts       tts.Provider

	machine  *conversation.StateMachine
	recorder *observability.SessionMetrics
	logger   zerolog.Logger

	// sendMu orders outbound messages against the state checks that gate them
	sendMu sync.Mutex

	// audioMu guards the inbound buffer and VAD
	audioMu sync.Mutex
	buffer  *audio.AudioBuffer
	vad     *audio.VADDetector

	mu           sync.RWMutex
	active       bool
	lastActivity time.Time
	utterance    string
	turn         uint64
	metrics      Metrics

	// assistantBytes is the PCM delivered across all replies
	assistantBytes int64

	cancelEvents context.CancelFunc
	eventsDone   chan struct{}
	closeOnce    sync.Once
}

// NewSession creates a session in the Idle state. The providers are used,
// not owned: Close stops only this session's STT stream.
func NewSession(id, userID, instanceID string, transport Transport, sttProvider stt.Provider, ttsProvider tts.Provider, opts Options) *Session {
	opts = opts.withDefaults()
	logger := observability.SessionLogger(id, userID, instanceID)
	now := time.Now()

	vadConfig := opts.VAD
	s := &Session{
		id:           id,
		userID:       userID,
		instanceID:   instanceID,
		createdAt:    now,
		sampleRate:   opts.SampleRate,
		transport:    transport,
		stt:          sttProvider,
		tts:          ttsProvider,
		machine:      conversation.NewStateMachine(id, logger),
		recorder:     observability.NewSessionMetrics(id),
		logger:       logger,
		buffer:       audio.NewAudioBuffer(opts.BufferMs, opts.SampleRate),
		vad:          audio.NewVADDetector(&vadConfig),
		active:       true,
		lastActivity: now,
	}
	s.registerCallbacks()
	return s
}

func (s *Session) registerCallbacks() {
	s.machine.OnStateEnter(conversation.StateUserSpeaking, func(_ string, from, _ conversation.State, _ map[string]any) {
		if from != conversation.StateAssistantSpeaking {
			return
		}
		s.mu.Lock()
		s.metrics.BargeIns++
		total := s.metrics.BargeIns
		s.mu.Unlock()
		s.recorder.RecordBargeIn()
		s.logger.Info().Int("barge_ins", total).Msg("Barge-in detected")
	})

	s.machine.OnStateEnter(conversation.StateProcessing, func(_ string, from, _ conversation.State, _ map[string]any) {
		s.mu.Lock()
		if from != conversation.StateProcessing {
			s.turn++
		}
		counted := from == conversation.StateUserSpeaking
		if counted {
			s.metrics.UserTurns++
		}
		s.mu.Unlock()
		if counted {
			s.recorder.RecordTurn("user")
		}
	})

	s.machine.OnStateEnter(conversation.StateAssistantSpeaking, func(_ string, from, _ conversation.State, _ map[string]any) {
		if from != conversation.StateProcessing {
			return
		}
		s.mu.Lock()
		s.metrics.AssistantTurns++
		s.mu.Unlock()
		s.recorder.RecordTurn("assistant")
	})
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// UserID returns the user the session belongs to
func (s *Session) UserID() string { return s.userID }

// InstanceID returns the workspace instance of the session
func (s *Session) InstanceID() string { return s.instanceID }

// Logger returns the session-scoped logger
func (s *Session) Logger() zerolog.Logger { return s.logger }

// Recorder returns the Prometheus recorder for this session
func (s *Session) Recorder() *observability.SessionMetrics { return s.recorder }

// State returns the current conversation state
func (s *Session) State() conversation.State { return s.machine.State() }

// OnStateEnter registers a callback on the session's state machine.
// The callback runs under the transition lock: it must not send or transition.
func (s *Session) OnStateEnter(state conversation.State, cb conversation.Callback) {
	s.machine.OnStateEnter(state, cb)
}

// OnTransition registers a callback for every committed transition
func (s *Session) OnTransition(cb conversation.Callback) {
	s.machine.OnTransition(cb)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// HandleAudioChunk records an inbound PCM16 chunk and forwards it to STT.
// It never changes the conversation state.
func (s *Session) HandleAudioChunk(ctx context.Context, data []byte) error {
	if !s.IsActive() {
		return ErrSessionInactive
	}
	s.touch()
	s.recorder.RecordAudioBytes("in", int64(len(data)))

	s.audioMu.Lock()
	s.buffer.Append(data)
	vad := s.vad.Process(data)
	s.audioMu.Unlock()

	if vad.VoicedMs > 0 && s.machine.State() == conversation.StateUserSpeaking {
		s.mu.Lock()
		s.metrics.TotalUserSpeechMs += int64(vad.VoicedMs)
		s.mu.Unlock()
	}

	if err := s.stt.SendAudio(ctx, s.id, data); err != nil {
		s.recorder.RecordError("stt_send_error", "stt")
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

// RecentAudio returns the buffered tail of inbound audio
func (s *Session) RecentAudio() []byte {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	return s.buffer.Bytes()
}

// HandleSTTEvents consumes the session's STT events until the channel
// closes or ctx is done. Events are handled strictly in order.
func (s *Session) HandleSTTEvents(ctx context.Context) {
	events, err := s.stt.Events(s.id)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to get STT events")
		s.recorder.RecordError("stt_events", "stt")
		s.machine.TransitionTo(conversation.StateError, map[string]any{"reason": "stt_events", "error": err.Error()})
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				s.logger.Debug().Msg("STT event channel closed")
				return
			}
			s.processSTTEvent(event)
		}
	}
}

func (s *Session) processSTTEvent(event stt.Event) {
	s.recorder.RecordSTTEvent(event.Type.String())

	switch event.Type {
	case stt.EventSpeechStarted:
		s.handleSpeechStarted()

	case stt.EventPartialTranscript:
		s.send(MsgPartialTranscript, map[string]any{
			"transcript": event.Transcript,
			"confidence": event.Confidence,
		})

	case stt.EventFinalTranscript:
		s.handleFinalTranscript(event)

	case stt.EventSpeechEnded:
		s.logger.Debug().Msg("Speech ended")

	case stt.EventError:
		s.logger.Error().Str("error", event.Error).Msg("STT error")
		s.recorder.RecordError("stt_error", "stt")
		s.send(MsgSTTError, map[string]any{"error": event.Error})

	default:
		s.logger.Warn().Int("type", int(event.Type)).Msg("Unknown STT event")
	}
}

func (s *Session) handleSpeechStarted() {
	// Barge-in and its message are one step under sendMu, so no chunk of the
	// interrupted stream can be sent after barge_in.
	s.sendMu.Lock()
	if s.machine.HandleBargeIn() {
		s.sendLocked(MsgBargeIn, map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339Nano)})
		s.sendMu.Unlock()
		return
	}
	s.sendMu.Unlock()

	if s.machine.TransitionFrom(conversation.StateIdle, conversation.StateUserSpeaking, nil) {
		return
	}
	s.logger.Debug().Str("state", s.machine.State().String()).Msg("Speech started ignored")
}

func (s *Session) handleFinalTranscript(event stt.Event) {
	state := s.machine.State()
	if state != conversation.StateUserSpeaking {
		s.logger.Warn().
			Str("state", state.String()).
			Str("transcript", event.Transcript).
			Msg("Ignoring final transcript outside user_speaking")
		return
	}

	s.send(MsgFinalTranscript, map[string]any{
		"transcript": event.Transcript,
		"confidence": event.Confidence,
	})

	if !s.acceptUtterance(conversation.StateUserSpeaking, event.Transcript, map[string]any{
		"utterance":  event.Transcript,
		"confidence": event.Confidence,
	}) {
		s.logger.Warn().Str("state", s.machine.State().String()).Msg("State changed before processing utterance")
	}
}

// acceptUtterance stores text as the current utterance and moves from -> Processing.
// If the transition does not apply the previous utterance is restored.
func (s *Session) acceptUtterance(from conversation.State, text string, metadata map[string]any) bool {
	s.mu.Lock()
	previous := s.utterance
	s.utterance = text
	s.mu.Unlock()

	if s.machine.TransitionFrom(from, conversation.StateProcessing, metadata) {
		return true
	}

	s.mu.Lock()
	if s.utterance == text {
		s.utterance = previous
	}
	s.mu.Unlock()
	return false
}

// SynthesizeAndStream speaks text as one TTS stream. The first chunk moves
// the session to AssistantSpeaking; later chunks are only delivered while it
// stays there, otherwise the stream is cancelled. It does not return to Idle:
// call FinishSpeaking after the last sentence of a reply.
func (s *Session) SynthesizeAndStream(ctx context.Context, text string) error {
	if !s.IsActive() {
		return ErrSessionInactive
	}

	streamID := uuid.NewString()
	s.machine.SetActiveTTSStreamID(streamID)
	s.recorder.RecordTTSStart()

	logger := s.logger.With().Str("stream_id", streamID).Logger()
	logger.Info().Int("chars", len(text)).Msg("Starting TTS stream")

	chunks, err := s.tts.SynthesizeStream(ctx, text, tts.Options{StreamID: streamID})
	if err != nil {
		return s.failTTS(streamID, err)
	}

	start := time.Now()
	first := true
	count, delivered := 0, 0
	for chunk := range chunks {
		if chunk.Err != nil {
			return s.failTTS(streamID, chunk.Err)
		}

		sent, err := s.deliverChunk(streamID, chunk.Data, first)
		if err != nil {
			s.tts.CancelStream(streamID)
			s.recorder.RecordTTSEnd("error")
			return err
		}
		if !sent {
			logger.Info().Str("state", s.machine.State().String()).Msg("Stopping TTS stream due to state change")
			s.tts.CancelStream(streamID)
			s.recorder.RecordTTSEnd("cancelled")
			s.addAssistantSpeech(delivered)
			return nil
		}

		if first {
			s.recorder.RecordTTSFirstChunk()
			first = false
		}
		count++
		delivered += len(chunk.Data)
	}

	s.addAssistantSpeech(delivered)
	if err := ctx.Err(); err != nil {
		s.recorder.RecordTTSEnd("cancelled")
		return err
	}

	s.recorder.RecordTTSEnd("completed")
	logger.Info().
		Int("chunks", count).
		Int("bytes", delivered).
		Dur("elapsed", time.Since(start)).
		Msg("Completed TTS stream")
	return nil
}

// deliverChunk sends one audio chunk if the state allows it. The first chunk
// of a stream may be sent from Processing and moves the session to
// AssistantSpeaking.
func (s *Session) deliverChunk(streamID string, data []byte, first bool) (bool, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	state := s.machine.State()
	if first {
		if state != conversation.StateProcessing && state != conversation.StateAssistantSpeaking {
			return false, nil
		}
		if !s.machine.TransitionFrom(state, conversation.StateAssistantSpeaking, map[string]any{"stream_id": streamID}) {
			return false, nil
		}
	} else if state != conversation.StateAssistantSpeaking {
		return false, nil
	}

	if err := s.sendLocked(MsgAudioChunk, map[string]any{
		"audio":     hex.EncodeToString(data),
		"stream_id": streamID,
	}); err != nil {
		return false, err
	}
	s.recorder.RecordAudioBytes("out", int64(len(data)))
	return true, nil
}

func (s *Session) addAssistantSpeech(numBytes int) {
	if numBytes == 0 {
		return
	}
	s.mu.Lock()
	s.assistantBytes += int64(numBytes)
	s.metrics.TotalAssistantSpeechMs = int64(audio.DurationMs(int(s.assistantBytes), s.sampleRate))
	s.mu.Unlock()
}

func (s *Session) failTTS(streamID string, err error) error {
	s.logger.Error().Err(err).Str("stream_id", streamID).Msg("TTS streaming failed")
	s.recorder.RecordError("tts_error", "tts")
	s.recorder.RecordTTSEnd("error")

	s.send(MsgTTSError, map[string]any{"error": err.Error()})
	s.machine.TransitionTo(conversation.StateError, map[string]any{"stream_id": streamID, "error": err.Error()})
	return fmt.Errorf("tts stream %s: %w", streamID, err)
}

// FinishSpeaking ends the assistant turn: AssistantSpeaking -> Idle. It is a
// no-op returning false in any other state.
func (s *Session) FinishSpeaking() bool {
	if !s.machine.TransitionFrom(conversation.StateAssistantSpeaking, conversation.StateIdle, nil) {
		return false
	}
	s.machine.SetActiveTTSStreamID("")
	return true
}

// SubmitText starts a turn from typed input: Idle -> Processing
func (s *Session) SubmitText(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" || !s.IsActive() {
		return false
	}
	s.touch()

	return s.acceptUtterance(conversation.StateIdle, text, map[string]any{
		"utterance":  text,
		"confidence": 1.0,
		"source":     "text",
	})
}

// Recover returns an errored session to Idle
func (s *Session) Recover() bool {
	if !s.machine.TransitionFrom(conversation.StateError, conversation.StateIdle, map[string]any{"reason": "recover"}) {
		return false
	}
	s.machine.SetActiveTTSStreamID("")
	return true
}

// ReturnToIdle ends a turn that produced no speech: Processing -> Idle
func (s *Session) ReturnToIdle() bool {
	return s.machine.TransitionFrom(conversation.StateProcessing, conversation.StateIdle, nil)
}

// SendUIAction forwards an action extracted from the tutor reply
func (s *Session) SendUIAction(action map[string]any) error {
	return s.send(MsgUIAction, map[string]any{"action": action})
}

// Send delivers a message of the given type. type, session_id and state are
// always set by the session and override fields of the same name.
func (s *Session) Send(msgType string, fields map[string]any) error {
	return s.send(msgType, fields)
}

func (s *Session) send(msgType string, fields map[string]any) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sendLocked(msgType, fields)
}

// sendLocked requires sendMu
func (s *Session) sendLocked(msgType string, fields map[string]any) error {
	if !s.IsActive() {
		return ErrSessionInactive
	}

	msg := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		msg[k] = v
	}
	msg["type"] = msgType
	msg["session_id"] = s.id
	msg["state"] = s.machine.State().String()

	if err := s.transport.SendJSON(msg); err != nil {
		s.logger.Error().Err(err).Str("type", msgType).Msg("Error sending to client")
		s.recorder.RecordError("send_error", "voice")
		s.markInactive()
		return fmt.Errorf("%w: %v", ErrSessionInactive, err)
	}
	return nil
}

func (s *Session) markInactive() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// CurrentUtterance returns the last accepted utterance
func (s *Session) CurrentUtterance() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.utterance
}

// TakeUtterance returns the current utterance and clears it
func (s *Session) TakeUtterance() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.utterance
	s.utterance = ""
	return u
}

// ClearCurrentUtterance drops the current utterance
func (s *Session) ClearCurrentUtterance() {
	s.mu.Lock()
	s.utterance = ""
	s.mu.Unlock()
}

// Turn numbers the utterances handed to processing. It increases every time
// the session enters Processing, so a reply can tell it has been superseded.
func (s *Session) Turn() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turn
}

// IsActive reports whether the session can still talk to its client
func (s *Session) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// LastActivity returns when the client last sent audio or text
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Metrics returns a copy of the turn counters
func (s *Session) Metrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// Snapshot returns a point-in-time view of the session
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionSnapshot{
		SessionID:    s.id,
		UserID:       s.userID,
		InstanceID:   s.instanceID,
		State:        s.machine.Snapshot(),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		IsActive:     s.active,
		Metrics:      s.metrics,
	}
}

// startEvents runs HandleSTTEvents in the background until Close
func (s *Session) startEvents() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelEvents = cancel
	s.eventsDone = make(chan struct{})

	go func() {
		defer close(s.eventsDone)
		s.HandleSTTEvents(ctx)
	}()
}

// Close deactivates the session, stops its event loop and its STT stream.
// Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.logger.Info().Msg("Closing session")
		s.markInactive()

		if streamID := s.machine.ActiveTTSStreamID(); streamID != "" {
			s.tts.CancelStream(streamID)
		}

		if s.cancelEvents != nil {
			s.cancelEvents()
			select {
			case <-s.eventsDone:
			case <-ctx.Done():
				s.logger.Warn().Msg("Timed out waiting for STT event loop")
			}
		}

		if stopErr := s.stt.StopStream(ctx, s.id); stopErr != nil && !errors.Is(stopErr, stt.ErrStreamNotFound) {
			s.logger.Warn().Err(stopErr).Msg("Failed to stop STT stream")
			err = fmt.Errorf("stop stt stream: %w", stopErr)
		}

		m := s.Metrics()
		s.logger.Info().
			Int("user_turns", m.UserTurns).
			Int("assistant_turns", m.AssistantTurns).
			Int("barge_ins", m.BargeIns).
			Int64("user_speech_ms", m.TotalUserSpeechMs).
			Int64("assistant_speech_ms", m.TotalAssistantSpeechMs).
			Dur("duration", time.Since(s.createdAt)).
			Msg("Session metrics")
	})
	return err
}

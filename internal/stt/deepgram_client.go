package stt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/mimirai/voice-gateway/internal/config"
	"github.com/mimirai/voice-gateway/internal/observability"
	"github.com/mimirai/voice-gateway/internal/resilience"
)

const eventBufferSize = 100

// liveConn is the subset of the Deepgram live client the provider drives
type liveConn interface {
	Connect() bool
	Write(p []byte) (int, error)
	Finish()
}

type dialFunc func(ctx context.Context, callback msginterfaces.LiveMessageCallback) (liveConn, error)

// messageCallbackHandler embeds the default handler and overrides the events a stream maps
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	stream *deepgramStream
}

// Message maps transcription results
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	if event, ok := eventFromMessage(message); ok {
		m.stream.emit(event)
	}
	return nil
}

// SpeechStarted maps Deepgram VAD onsets
func (m *messageCallbackHandler) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	m.stream.emit(Event{Type: EventSpeechStarted, Timestamp: time.Now()})
	return nil
}

// UtteranceEnd maps end-of-utterance silence to SpeechEnded
func (m *messageCallbackHandler) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	m.stream.emit(Event{Type: EventSpeechEnded, Timestamp: time.Now()})
	return nil
}

// Error surfaces SDK errors as Error events
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.stream.provider.breaker.RecordResult(false)
	m.stream.emit(Event{
		Type:      EventError,
		Error:     describeError(errorResponse),
		Timestamp: time.Now(),
	})
	return nil
}

// Close is called when Deepgram closes the socket
func (m *messageCallbackHandler) Close(*msginterfaces.CloseResponse) error {
	m.stream.provider.release(m.stream)
	return nil
}

func describeError(er *msginterfaces.ErrorResponse) string {
	if er == nil {
		return "deepgram error"
	}
	switch {
	case er.Description != "":
		return er.Description
	case er.ErrMsg != "":
		return er.ErrMsg
	default:
		return fmt.Sprintf("deepgram error (%s)", er.Type)
	}
}

// eventFromMessage maps a Results message to a transcript event.
// Empty transcripts are dropped.
func eventFromMessage(msg *msginterfaces.MessageResponse) (Event, bool) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return Event{}, false
	}

	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return Event{}, false
	}

	start, duration := msg.Start, msg.Duration
	if len(alt.Words) > 0 && duration == 0 {
		// Fall back to word timings
		start = alt.Words[0].Start
		duration = alt.Words[len(alt.Words)-1].End - start
	}

	event := Event{
		Type:       EventPartialTranscript,
		Transcript: alt.Transcript,
		Confidence: alt.Confidence,
		IsFinal:    msg.IsFinal,
		Start:      start,
		Duration:   duration,
		Timestamp:  time.Now(),
	}
	if msg.IsFinal {
		event.Type = EventFinalTranscript
	}
	return event, true
}

// deepgramStream is one session's live connection
type deepgramStream struct {
	id       string
	provider *DeepgramProvider
	conn     liveConn
	events   chan Event
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// emit delivers an event, giving up once the stream is stopped
func (s *deepgramStream) emit(event Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}

	select {
	case s.events <- event:
	case <-s.ctx.Done():
	}
}

func (s *deepgramStream) shutdown() {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// DeepgramProvider implements Provider with one Deepgram live WebSocket per session
type DeepgramProvider struct {
	options   *interfaces.LiveTranscriptionOptions
	dial      dialFunc
	breaker   *resilience.CircuitBreaker
	reconnect *resilience.ReconnectConfig
	logger    zerolog.Logger

	mu      sync.RWMutex
	streams map[string]*deepgramStream
}

// NewDeepgramProvider creates a Deepgram streaming provider for PCM16 mono audio
func NewDeepgramProvider(cfg *config.Config) *DeepgramProvider {
	logger := observability.GetLogger().With().Str("component", "deepgram").Logger()

	options := &interfaces.LiveTranscriptionOptions{
		Model:          cfg.DeepgramModel,
		Language:       cfg.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: strconv.Itoa(cfg.DeepgramUtteranceEndMs),
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     cfg.AudioSampleRate,
	}

	apiKey := cfg.DeepgramAPIKey
	dial := func(ctx context.Context, callback msginterfaces.LiveMessageCallback) (liveConn, error) {
		client, err := listenClient.NewWSUsingCallback(ctx, apiKey, nil, options, callback)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	return &DeepgramProvider{
		options: options,
		dial:    dial,
		breaker: resilience.NewInstrumentedBreaker(
			"deepgram",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		reconnect: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
			Logger:      &logger,
		},
		logger:  logger,
		streams: make(map[string]*deepgramStream),
	}
}

// StartStream opens a Deepgram live connection for id
func (d *DeepgramProvider) StartStream(ctx context.Context, id string) error {
	d.mu.Lock()
	if _, exists := d.streams[id]; exists {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStreamExists, id)
	}
	// Reserve the id while connecting
	streamCtx, cancel := context.WithCancel(context.Background())
	stream := &deepgramStream{
		id:       id,
		provider: d,
		events:   make(chan Event, eventBufferSize),
		ctx:      streamCtx,
		cancel:   cancel,
	}
	d.streams[id] = stream
	d.mu.Unlock()

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		stream:                 stream,
	}

	err := resilience.Reconnect(ctx, func(ctx context.Context) error {
		return d.breaker.CallContext(ctx, func(ctx context.Context) error {
			conn, err := d.dial(streamCtx, callback)
			if err != nil {
				return fmt.Errorf("failed to create Deepgram client: %w", err)
			}
			if !conn.Connect() {
				conn.Finish()
				return errors.New("failed to connect to Deepgram")
			}
			stream.mu.Lock()
			stream.conn = conn
			stream.mu.Unlock()
			return nil
		})
	}, d.reconnect)
	if err != nil {
		d.release(stream)
		observability.RecordError("connect", "deepgram")
		return fmt.Errorf("deepgram stream %s: %w", id, err)
	}

	d.logger.Info().
		Str("session_id", id).
		Str("model", d.options.Model).
		Str("language", d.options.Language).
		Int("sample_rate", d.options.SampleRate).
		Msg("Deepgram stream started")
	return nil
}

func (d *DeepgramProvider) stream(id string) (*deepgramStream, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stream, ok := d.streams[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	return stream, nil
}

// SendAudio forwards a PCM16 chunk to the session's stream
func (d *DeepgramProvider) SendAudio(ctx context.Context, id string, audio []byte) error {
	stream, err := d.stream(id)
	if err != nil {
		return err
	}

	stream.mu.RLock()
	conn, closed := stream.conn, stream.closed
	stream.mu.RUnlock()
	if conn == nil || closed {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}

	return d.breaker.CallContext(ctx, func(ctx context.Context) error {
		if _, err := conn.Write(audio); err != nil {
			return fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}
		return nil
	})
}

// Events returns the event channel for id
func (d *DeepgramProvider) Events(id string) (<-chan Event, error) {
	stream, err := d.stream(id)
	if err != nil {
		return nil, err
	}
	return stream.events, nil
}

// StopStream finishes the Deepgram connection and closes the event channel
func (d *DeepgramProvider) StopStream(ctx context.Context, id string) error {
	stream, err := d.stream(id)
	if err != nil {
		return err
	}

	stream.mu.RLock()
	conn := stream.conn
	stream.mu.RUnlock()
	if conn != nil {
		conn.Finish()
	}

	d.release(stream)
	d.logger.Info().Str("session_id", id).Msg("Deepgram stream stopped")
	return nil
}

// release closes the stream and drops it from the registry if it is still current
func (d *DeepgramProvider) release(stream *deepgramStream) {
	stream.shutdown()

	d.mu.Lock()
	if current, ok := d.streams[stream.id]; ok && current == stream {
		delete(d.streams, stream.id)
	}
	d.mu.Unlock()
}

// Close stops every open stream
func (d *DeepgramProvider) Close() error {
	d.mu.RLock()
	ids := make([]string, 0, len(d.streams))
	for id := range d.streams {
		ids = append(ids, id)
	}
	d.mu.RUnlock()

	for _, id := range ids {
		if err := d.StopStream(context.Background(), id); err != nil && !errors.Is(err, ErrStreamNotFound) {
			d.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to stop stream")
		}
	}
	return nil
}

// StreamCount returns the number of open streams
func (d *DeepgramProvider) StreamCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.streams)
}

// HealthCheck reports unhealthy while the Deepgram circuit is open
func (d *DeepgramProvider) HealthCheck(ctx context.Context) (bool, error) {
	if d.breaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

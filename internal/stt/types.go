package stt

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStreamNotFound is returned for an id with no open stream
	ErrStreamNotFound = errors.New("stt stream not found")

	// ErrStreamExists is returned when StartStream is called twice for the same id
	ErrStreamExists = errors.New("stt stream already exists")
)

// EventType identifies the kind of STT event
type EventType int

const (
	EventPartialTranscript EventType = iota
	EventFinalTranscript
	EventSpeechStarted
	EventSpeechEnded
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventPartialTranscript:
		return "partial_transcript"
	case EventFinalTranscript:
		return "final_transcript"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechEnded:
		return "speech_ended"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted by a Provider for one session stream
type Event struct {
	Type       EventType
	Transcript string
	Confidence float64 // 0.0 to 1.0
	IsFinal    bool
	Error      string // empty unless Type is EventError

	// Start and Duration of the utterance in seconds, when the provider reports them
	Start    float64
	Duration float64

	Timestamp time.Time
}

// Provider is a streaming speech-to-text backend shared by many sessions.
// Each session owns one stream, keyed by its session id.
type Provider interface {
	// StartStream opens a stream for id
	StartStream(ctx context.Context, id string) error

	// SendAudio forwards a PCM16 chunk to the stream
	SendAudio(ctx context.Context, id string, audio []byte) error

	// Events returns the stream's event channel. It is closed when the
	// stream stops or the provider closes it; a new stream needs StartStream.
	Events(id string) (<-chan Event, error)

	// StopStream closes the stream for id
	StopStream(ctx context.Context, id string) error

	// Close stops every stream and releases provider resources
	Close() error
}

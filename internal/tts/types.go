// Package tts provides streaming text-to-speech providers for the voice gateway.
//
// Providers return raw PCM16 mono audio at the gateway sample rate as a
// channel of chunks. Each stream is keyed by a caller-chosen stream id so a
// session can cancel the stream it is speaking when the user barges in.
package tts

import (
	"context"
)

// Options configures one synthesis stream
type Options struct {
	// VoiceID overrides the provider's default voice
	VoiceID string

	// StreamID identifies the stream for CancelStream. Empty means not cancellable by id.
	StreamID string
}

// AudioChunk is one piece of synthesized audio. A chunk with a non-nil Err
// is the last value sent on the channel.
type AudioChunk struct {
	Data []byte
	Err  error
}

// Provider is a streaming TTS backend shared by many sessions
type Provider interface {
	// SynthesizeStream starts synthesizing text. The returned channel is closed
	// when synthesis completes, fails, is cancelled, or ctx is done. Blank text
	// yields an already closed channel.
	SynthesizeStream(ctx context.Context, text string, opts Options) (<-chan AudioChunk, error)

	// CancelStream stops the stream with the given id. Unknown ids are ignored.
	CancelStream(streamID string)

	// Close releases provider resources
	Close() error
}

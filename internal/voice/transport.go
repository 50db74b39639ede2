// Package voice binds a client connection to one conversation: STT events
// drive the state machine, and tutor replies are streamed back as TTS audio.
package voice

import (
	"errors"

	"github.com/mimirai/voice-gateway/internal/audio"
	"github.com/mimirai/voice-gateway/internal/config"
)

// ErrSessionInactive is returned once a session is closed or its transport has failed
var ErrSessionInactive = errors.New("voice session inactive")

// Outbound message types
const (
	MsgSessionStarted    = "session_started"
	MsgBargeIn           = "barge_in"
	MsgPartialTranscript = "partial_transcript"
	MsgFinalTranscript   = "final_transcript"
	MsgAudioChunk        = "audio_chunk"
	MsgSTTError          = "stt_error"
	MsgTTSError          = "tts_error"
	MsgUIAction          = "ui_action"
	MsgPong              = "pong"
	MsgError             = "error"
)

// Transport delivers JSON messages to the client. Implementations must be
// safe for use by one writer at a time; Session serializes its sends.
type Transport interface {
	SendJSON(v any) error
}

// Options configures the sessions created by a Manager
type Options struct {
	SampleRate int
	BufferMs   int
	VAD        audio.VADConfig
}

// OptionsFromConfig derives session options from service config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SampleRate: cfg.AudioSampleRate,
		BufferMs:   cfg.AudioBufferMs,
		VAD: audio.VADConfig{
			EnergyThreshold: cfg.VADEnergyThreshold,
			SilenceFrames:   cfg.VADSilenceFrames,
			FrameMs:         20,
			SampleRate:      cfg.AudioSampleRate,
		},
	}
}

func (o Options) withDefaults() Options {
	if o.SampleRate <= 0 {
		o.SampleRate = audio.DefaultSampleRate
	}
	if o.BufferMs <= 0 {
		o.BufferMs = audio.DefaultBufferMs
	}
	if o.VAD.SampleRate <= 0 {
		o.VAD.SampleRate = o.SampleRate
	}
	if o.VAD.EnergyThreshold <= 0 {
		o.VAD.EnergyThreshold = audio.DefaultVADConfig().EnergyThreshold
	}
	if o.VAD.SilenceFrames <= 0 {
		o.VAD.SilenceFrames = audio.DefaultVADConfig().SilenceFrames
	}
	return o
}

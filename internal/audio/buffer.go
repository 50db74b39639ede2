package audio

import (
	"sync"
)

// DefaultBufferMs is the default window kept by a session's AudioBuffer
const DefaultBufferMs = 500

// AudioBuffer keeps the most recent maxDurationMs of PCM16 mono audio.
// Appending past capacity overwrites the oldest bytes.
type AudioBuffer struct {
	buffer     []byte
	size       int
	start      int // index of the oldest byte
	length     int
	sampleRate int
	maxMs      int
	mu         sync.RWMutex
}

// NewAudioBuffer creates a buffer holding at most maxDurationMs of audio at sampleRate.
func NewAudioBuffer(maxDurationMs, sampleRate int) *AudioBuffer {
	if maxDurationMs <= 0 {
		maxDurationMs = DefaultBufferMs
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	size := BytesForDuration(maxDurationMs, sampleRate)
	return &AudioBuffer{
		buffer:     make([]byte, size),
		size:       size,
		sampleRate: sampleRate,
		maxMs:      maxDurationMs,
	}
}

// Append adds data, discarding the oldest bytes once the buffer is full
func (b *AudioBuffer) Append(data []byte) {
	if b.size == 0 || len(data) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Only the tail of an oversized chunk can survive
	if len(data) >= b.size {
		copy(b.buffer, data[len(data)-b.size:])
		b.start = 0
		b.length = b.size
		return
	}

	write := (b.start + b.length) % b.size
	n := copy(b.buffer[write:], data)
	if n < len(data) {
		copy(b.buffer, data[n:])
	}

	b.length += len(data)
	if b.length > b.size {
		overflow := b.length - b.size
		b.start = (b.start + overflow) % b.size
		b.length = b.size
	}
}

// Bytes returns a copy of the buffered audio, oldest first
func (b *AudioBuffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]byte, b.length)
	n := copy(out, b.buffer[b.start:min(b.start+b.length, b.size)])
	if n < b.length {
		copy(out[n:], b.buffer[:b.length-n])
	}
	return out
}

// Len returns the number of buffered bytes
func (b *AudioBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.length
}

// Cap returns the maximum number of bytes the buffer holds
func (b *AudioBuffer) Cap() int {
	return b.size
}

// DurationMs returns the duration of the buffered audio
func (b *AudioBuffer) DurationMs() int {
	return DurationMs(b.Len(), b.sampleRate)
}

// MaxDurationMs returns the configured window
func (b *AudioBuffer) MaxDurationMs() int {
	return b.maxMs
}

// Clear empties the buffer
func (b *AudioBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.start = 0
	b.length = 0
}

// IsEmpty returns true if the buffer is empty
func (b *AudioBuffer) IsEmpty() bool {
	return b.Len() == 0
}

package tts

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Mock implements Provider for testing.
// Each synthesis call streams Chunks (or the result of ChunksFunc) in order.
type Mock struct {
	// Chunks are sent for every stream when ChunksFunc is nil
	Chunks [][]byte

	// ChunksFunc overrides Chunks per call
	ChunksFunc func(text string) [][]byte

	// StartErr is returned from SynthesizeStream when set
	StartErr error

	// StreamErr is sent as a final error chunk after the audio chunks
	StreamErr error

	// ChunkDelay is waited before each chunk
	ChunkDelay time.Duration

	// Gate, when set, is received from before each chunk so tests can step the stream
	Gate chan struct{}

	mu        sync.Mutex
	texts     []string
	cancelled []string
	cancels   map[string]context.CancelFunc
	closed    bool
}

// NewMock creates a mock that streams the given chunks
func NewMock(chunks ...[]byte) *Mock {
	return &Mock{Chunks: chunks}
}

// SynthesizeStream implements Provider
func (m *Mock) SynthesizeStream(ctx context.Context, text string, opts Options) (<-chan AudioChunk, error) {
	m.mu.Lock()
	m.texts = append(m.texts, text)
	if m.cancels == nil {
		m.cancels = make(map[string]context.CancelFunc)
	}
	m.mu.Unlock()

	if m.StartErr != nil {
		return nil, m.StartErr
	}
	if strings.TrimSpace(text) == "" {
		return closedStream(), nil
	}

	chunks := m.Chunks
	if m.ChunksFunc != nil {
		chunks = m.ChunksFunc(text)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	if opts.StreamID != "" {
		m.mu.Lock()
		m.cancels[opts.StreamID] = cancel
		m.mu.Unlock()
	}

	out := make(chan AudioChunk)
	go func() {
		defer close(out)
		defer cancel()

		for _, chunk := range chunks {
			if m.Gate != nil {
				select {
				case <-m.Gate:
				case <-streamCtx.Done():
					return
				}
			}
			if m.ChunkDelay > 0 {
				select {
				case <-time.After(m.ChunkDelay):
				case <-streamCtx.Done():
					return
				}
			}
			select {
			case out <- AudioChunk{Data: chunk}:
			case <-streamCtx.Done():
				return
			}
		}

		if m.StreamErr != nil {
			select {
			case out <- AudioChunk{Err: m.StreamErr}:
			case <-streamCtx.Done():
			}
		}
	}()

	return out, nil
}

// CancelStream implements Provider and records the id
func (m *Mock) CancelStream(streamID string) {
	m.mu.Lock()
	m.cancelled = append(m.cancelled, streamID)
	cancel := m.cancels[streamID]
	delete(m.cancels, streamID)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Close implements Provider
func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Texts returns every text passed to SynthesizeStream
func (m *Mock) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

// Cancelled returns every stream id passed to CancelStream
func (m *Mock) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

// Closed reports whether Close was called
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

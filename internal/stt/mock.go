package stt

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock implements Provider for testing. Tests push events with Emit.
type Mock struct {
	// StartErr is returned from StartStream when set
	StartErr error

	// EventsErr is returned from Events when set
	EventsErr error

	// SendErr is returned from SendAudio when set
	SendErr error

	mu      sync.Mutex
	streams map[string]chan Event
	audio   map[string][]byte
	stopped []string
	closed  bool
}

// NewMock creates an empty mock provider
func NewMock() *Mock {
	return &Mock{
		streams: make(map[string]chan Event),
		audio:   make(map[string][]byte),
	}
}

// StartStream implements Provider
func (m *Mock) StartStream(ctx context.Context, id string) error {
	if m.StartErr != nil {
		return m.StartErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[id]; ok {
		return fmt.Errorf("%w: %s", ErrStreamExists, id)
	}
	m.streams[id] = make(chan Event, eventBufferSize)
	return nil
}

// SendAudio implements Provider and records the audio
func (m *Mock) SendAudio(ctx context.Context, id string, audio []byte) error {
	if m.SendErr != nil {
		return m.SendErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[id]; !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	m.audio[id] = append(m.audio[id], audio...)
	return nil
}

// Events implements Provider
func (m *Mock) Events(id string) (<-chan Event, error) {
	if m.EventsErr != nil {
		return nil, m.EventsErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.streams[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	return ch, nil
}

// StopStream implements Provider
func (m *Mock) StopStream(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.streams[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	close(ch)
	delete(m.streams, id)
	m.stopped = append(m.stopped, id)
	return nil
}

// Close implements Provider
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, ch := range m.streams {
		close(ch)
		delete(m.streams, id)
	}
	m.closed = true
	return nil
}

// Emit delivers an event on the stream for id. It reports false if no stream is open.
func (m *Mock) Emit(id string, event Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.streams[id]
	if !ok {
		return false
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	ch <- event
	return true
}

// Audio returns the audio sent on the stream for id
func (m *Mock) Audio(id string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.audio[id]...)
}

// Stopped returns the ids passed to a successful StopStream
func (m *Mock) Stopped() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.stopped...)
}

// HasStream reports whether a stream is open for id
func (m *Mock) HasStream(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[id]
	return ok
}

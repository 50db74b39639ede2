package stt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	"github.com/rs/zerolog"

	"github.com/mimirai/voice-gateway/internal/resilience"
)

type fakeConn struct {
	mu        sync.Mutex
	connectOK bool
	writes    [][]byte
	writeErr  error
	finished  bool
}

func (c *fakeConn) Connect() bool { return c.connectOK }

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeConn) Finish() {
	c.mu.Lock()
	c.finished = true
	c.mu.Unlock()
}

type fakeDialer struct {
	mu        sync.Mutex
	conns     []*fakeConn
	callbacks []msginterfaces.LiveMessageCallback
	failFirst int
	dials     int

	// refuseConnect makes this many dialed connections fail to connect
	refuseConnect int
}

func (f *fakeDialer) dial(ctx context.Context, cb msginterfaces.LiveMessageCallback) (liveConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dials++
	if f.dials <= f.failFirst {
		return nil, errors.New("dial tcp: connection refused")
	}
	conn := &fakeConn{connectOK: len(f.conns) >= f.refuseConnect}
	f.conns = append(f.conns, conn)
	f.callbacks = append(f.callbacks, cb)
	return conn, nil
}

func (f *fakeDialer) last() (*fakeConn, msginterfaces.LiveMessageCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1], f.callbacks[len(f.callbacks)-1]
}

func newTestProvider(d *fakeDialer) *DeepgramProvider {
	return &DeepgramProvider{
		options:   &interfaces.LiveTranscriptionOptions{Model: "nova-2", Language: "en-US", SampleRate: 16000},
		dial:      d.dial,
		breaker:   resilience.NewCircuitBreaker("deepgram-test", 5, time.Second),
		reconnect: &resilience.ReconnectConfig{MaxAttempts: 3, Backoff: time.Millisecond, Multiplier: 1},
		logger:    zerolog.Nop(),
		streams:   make(map[string]*deepgramStream),
	}
}

func decodeMessage(t *testing.T, raw string) *msginterfaces.MessageResponse {
	t.Helper()
	var msg msginterfaces.MessageResponse
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return &msg
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestEventFromMessage(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantOK    bool
		wantType  EventType
		wantText  string
		wantConf  float64
		wantFinal bool
	}{
		{
			name:      "final",
			raw:       `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"what is a derivative","confidence":0.93}]}}`,
			wantOK:    true,
			wantType:  EventFinalTranscript,
			wantText:  "what is a derivative",
			wantConf:  0.93,
			wantFinal: true,
		},
		{
			name:     "interim",
			raw:      `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"what is","confidence":0.5}]}}`,
			wantOK:   true,
			wantType: EventPartialTranscript,
			wantText: "what is",
			wantConf: 0.5,
		},
		{
			name:   "empty transcript",
			raw:    `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`,
			wantOK: false,
		},
		{
			name:   "no alternatives",
			raw:    `{"type":"Results","channel":{"alternatives":[]}}`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := eventFromMessage(decodeMessage(t, tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("Expected ok=%v, got %v", tt.wantOK, ok)
			}
			if !ok {
				return
			}
			if ev.Type != tt.wantType || ev.Transcript != tt.wantText || ev.IsFinal != tt.wantFinal {
				t.Errorf("Unexpected event %+v", ev)
			}
			if ev.Confidence != tt.wantConf {
				t.Errorf("Expected confidence %v, got %v", tt.wantConf, ev.Confidence)
			}
		})
	}

	if _, ok := eventFromMessage(nil); ok {
		t.Error("Expected nil message to be dropped")
	}
}

func TestEventFromMessage_WordTimingFallback(t *testing.T) {
	raw := `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hi there","confidence":0.9,
		"words":[{"word":"hi","start":1.0,"end":1.2},{"word":"there","start":1.3,"end":1.75}]}]}}`

	ev, ok := eventFromMessage(decodeMessage(t, raw))
	if !ok {
		t.Fatal("Expected event")
	}
	if ev.Start != 1.0 || ev.Duration < 0.74 || ev.Duration > 0.76 {
		t.Errorf("Expected timing from words, got start=%v duration=%v", ev.Start, ev.Duration)
	}
}

func TestDeepgramProvider_StreamLifecycle(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestProvider(dialer)
	ctx := context.Background()

	if err := p.StartStream(ctx, "s1"); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := p.StartStream(ctx, "s1"); !errors.Is(err, ErrStreamExists) {
		t.Errorf("Expected ErrStreamExists, got %v", err)
	}

	events, err := p.Events("s1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}

	if err := p.SendAudio(ctx, "s1", []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	conn, cb := dialer.last()
	if len(conn.writes) != 1 {
		t.Errorf("Expected 1 write, got %d", len(conn.writes))
	}

	if err := cb.Message(decodeMessage(t, `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello","confidence":0.8}]}}`)); err != nil {
		t.Fatalf("Message: %v", err)
	}
	if ev := recv(t, events); ev.Type != EventFinalTranscript || ev.Transcript != "hello" {
		t.Errorf("Unexpected event %+v", ev)
	}

	_ = cb.SpeechStarted(&msginterfaces.SpeechStartedResponse{})
	if ev := recv(t, events); ev.Type != EventSpeechStarted {
		t.Errorf("Expected SpeechStarted, got %s", ev.Type)
	}

	_ = cb.UtteranceEnd(&msginterfaces.UtteranceEndResponse{})
	if ev := recv(t, events); ev.Type != EventSpeechEnded {
		t.Errorf("Expected SpeechEnded, got %s", ev.Type)
	}

	_ = cb.Error(&msginterfaces.ErrorResponse{Description: "bad audio"})
	if ev := recv(t, events); ev.Type != EventError || ev.Error != "bad audio" {
		t.Errorf("Expected error event, got %+v", ev)
	}

	if err := p.StopStream(ctx, "s1"); err != nil {
		t.Fatalf("StopStream: %v", err)
	}
	if !conn.finished {
		t.Error("Expected Finish on stop")
	}
	if _, ok := <-events; ok {
		t.Error("Expected event channel to be closed after StopStream")
	}

	if err := p.SendAudio(ctx, "s1", []byte{1, 2}); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("Expected ErrStreamNotFound after stop, got %v", err)
	}
	if err := p.StopStream(ctx, "s1"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("Expected ErrStreamNotFound on second stop, got %v", err)
	}

	// Callbacks after stop are dropped without panicking
	_ = cb.SpeechStarted(&msginterfaces.SpeechStartedResponse{})

	if err := p.StartStream(ctx, "s1"); err != nil {
		t.Errorf("Expected a fresh StartStream to succeed, got %v", err)
	}
}

func TestDeepgramProvider_StartStreamRetries(t *testing.T) {
	dialer := &fakeDialer{failFirst: 2}
	p := newTestProvider(dialer)

	if err := p.StartStream(context.Background(), "s1"); err != nil {
		t.Fatalf("Expected StartStream to succeed after retries, got %v", err)
	}
	if dialer.dials != 3 {
		t.Errorf("Expected 3 dials, got %d", dialer.dials)
	}
}

func TestDeepgramProvider_StartStreamFinishesRefusedConnections(t *testing.T) {
	dialer := &fakeDialer{refuseConnect: 2}
	p := newTestProvider(dialer)

	if err := p.StartStream(context.Background(), "s1"); err != nil {
		t.Fatalf("Expected StartStream to succeed on the third connection, got %v", err)
	}

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	if len(dialer.conns) != 3 {
		t.Fatalf("Expected 3 connections, got %d", len(dialer.conns))
	}
	for i, conn := range dialer.conns[:2] {
		if !conn.finished {
			t.Errorf("Expected refused connection %d to be finished", i)
		}
	}
	if dialer.conns[2].finished {
		t.Error("Expected the live connection to stay open")
	}
}

func TestDeepgramProvider_StartStreamFailure(t *testing.T) {
	dialer := &fakeDialer{failFirst: 10}
	p := newTestProvider(dialer)

	if err := p.StartStream(context.Background(), "s1"); err == nil {
		t.Fatal("Expected StartStream to fail")
	}
	if p.StreamCount() != 0 {
		t.Errorf("Expected failed stream to be released, got %d", p.StreamCount())
	}
	if _, err := p.Events("s1"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("Expected ErrStreamNotFound, got %v", err)
	}
}

func TestDeepgramProvider_RemoteClose(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestProvider(dialer)
	ctx := context.Background()

	if err := p.StartStream(ctx, "s1"); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	events, _ := p.Events("s1")
	_, cb := dialer.last()

	_ = cb.Close(&msginterfaces.CloseResponse{})

	if _, ok := <-events; ok {
		t.Error("Expected channel closed after provider-side close")
	}
	if p.StreamCount() != 0 {
		t.Error("Expected stream removed after provider-side close")
	}
}

func TestDeepgramProvider_SendAudioError(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestProvider(dialer)
	ctx := context.Background()

	if err := p.StartStream(ctx, "s1"); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	conn, _ := dialer.last()
	conn.writeErr = errors.New("broken pipe")

	if err := p.SendAudio(ctx, "s1", []byte{0, 0}); err == nil {
		t.Error("Expected write error to surface")
	}
}

func TestDeepgramProvider_Close(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestProvider(dialer)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := p.StartStream(ctx, id); err != nil {
			t.Fatalf("StartStream(%s): %v", id, err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if p.StreamCount() != 0 {
		t.Errorf("Expected no streams after Close, got %d", p.StreamCount())
	}
}

func TestDeepgramProvider_HealthCheck(t *testing.T) {
	p := newTestProvider(&fakeDialer{})

	if ok, err := p.HealthCheck(context.Background()); !ok || err != nil {
		t.Errorf("Expected healthy, got %v %v", ok, err)
	}
	for i := 0; i < 5; i++ {
		p.breaker.RecordResult(false)
	}
	if ok, err := p.HealthCheck(context.Background()); ok || !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Expected unhealthy with open circuit, got %v %v", ok, err)
	}
}

func TestEventType_String(t *testing.T) {
	if EventFinalTranscript.String() != "final_transcript" || EventType(99).String() != "unknown" {
		t.Error("Unexpected EventType strings")
	}
}

package voice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mimirai/voice-gateway/internal/conversation"
	"github.com/mimirai/voice-gateway/internal/stt"
	"github.com/mimirai/voice-gateway/internal/tts"
)

func newTestManager(t *testing.T) (*Manager, *stt.Mock, *tts.Mock) {
	t.Helper()
	m := NewManager(Options{SampleRate: 16000})
	t.Cleanup(func() {
		m.StopCleanupTask()
		m.CloseAllSessions(context.Background())
	})
	return m, stt.NewMock(), tts.NewMock()
}

func TestCreateSession(t *testing.T) {
	m, sttMock, ttsMock := newTestManager(t)

	session, err := m.CreateSession(context.Background(), "user-1", "inst-1", &fakeTransport{}, sttMock, ttsMock)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if session.ID() == "" || session.UserID() != "user-1" || session.InstanceID() != "inst-1" {
		t.Errorf("unexpected session identity %+v", session.Snapshot())
	}
	if !sttMock.HasStream(session.ID()) {
		t.Error("expected an STT stream for the session")
	}
	if got, ok := m.GetSession(session.ID()); !ok || got != session {
		t.Error("session not registered")
	}
	if m.SessionCount() != 1 {
		t.Errorf("expected 1 session, got %d", m.SessionCount())
	}

	// The event loop is running
	sttMock.Emit(session.ID(), stt.Event{Type: stt.EventSpeechStarted})
	waitFor(t, "user_speaking", func() bool { return session.State() == conversation.StateUserSpeaking })
}

func TestCreateSessionSTTFailure(t *testing.T) {
	m, sttMock, ttsMock := newTestManager(t)
	sttMock.StartErr = errors.New("deepgram unreachable")

	_, err := m.CreateSession(context.Background(), "user-1", "inst-1", &fakeTransport{}, sttMock, ttsMock)
	if !errors.Is(err, sttMock.StartErr) {
		t.Fatalf("expected wrapped start error, got %v", err)
	}
	if m.SessionCount() != 0 {
		t.Error("failed session must not be registered")
	}
}

func TestCloseSession(t *testing.T) {
	m, sttMock, ttsMock := newTestManager(t)

	session, err := m.CreateSession(context.Background(), "user-1", "inst-1", &fakeTransport{}, sttMock, ttsMock)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if !m.CloseSession(context.Background(), session.ID()) {
		t.Fatal("CloseSession should report a known session")
	}
	if _, ok := m.GetSession(session.ID()); ok {
		t.Error("closed session still registered")
	}
	if session.IsActive() {
		t.Error("closed session should be inactive")
	}
	if stopped := sttMock.Stopped(); len(stopped) != 1 || stopped[0] != session.ID() {
		t.Errorf("expected STT stream stopped, got %v", stopped)
	}
	if m.CloseSession(context.Background(), session.ID()) {
		t.Error("second CloseSession should return false")
	}
	if m.CloseSession(context.Background(), "missing") {
		t.Error("unknown id should return false")
	}
}

func TestCleanupInactiveSessions(t *testing.T) {
	m, sttMock, ttsMock := newTestManager(t)
	ctx := context.Background()

	idle, _ := m.CreateSession(ctx, "user-1", "inst-1", &fakeTransport{}, sttMock, ttsMock)
	dead, _ := m.CreateSession(ctx, "user-2", "inst-1", &fakeTransport{}, sttMock, ttsMock)
	fresh, _ := m.CreateSession(ctx, "user-3", "inst-1", &fakeTransport{}, sttMock, ttsMock)

	idle.mu.Lock()
	idle.lastActivity = time.Now().Add(-time.Hour)
	idle.mu.Unlock()
	dead.markInactive()

	if closed := m.CleanupInactiveSessions(ctx, 10*time.Minute); closed != 2 {
		t.Fatalf("expected 2 sessions cleaned up, got %d", closed)
	}
	if _, ok := m.GetSession(fresh.ID()); !ok {
		t.Error("fresh session should survive cleanup")
	}
	for _, s := range []*Session{idle, dead} {
		if _, ok := m.GetSession(s.ID()); ok {
			t.Errorf("session %s should have been removed", s.ID())
		}
	}
}

func TestCleanupTask(t *testing.T) {
	m, sttMock, ttsMock := newTestManager(t)

	session, _ := m.CreateSession(context.Background(), "user-1", "inst-1", &fakeTransport{}, sttMock, ttsMock)
	session.markInactive()

	m.StartCleanupTask(10*time.Millisecond, time.Hour)
	m.StartCleanupTask(10*time.Millisecond, time.Hour)

	waitFor(t, "cleanup sweep", func() bool { return m.SessionCount() == 0 })

	m.StopCleanupTask()
	m.StopCleanupTask()
}

func TestCloseAllSessions(t *testing.T) {
	m, sttMock, ttsMock := newTestManager(t)
	ctx := context.Background()

	for _, user := range []string{"a", "b", "c"} {
		if _, err := m.CreateSession(ctx, user, "inst-1", &fakeTransport{}, sttMock, ttsMock); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	if len(m.ActiveSessions()) != 3 {
		t.Fatalf("expected 3 active sessions, got %d", len(m.ActiveSessions()))
	}

	m.CloseAllSessions(ctx)

	if m.SessionCount() != 0 {
		t.Errorf("expected no sessions, got %d", m.SessionCount())
	}
	if len(sttMock.Stopped()) != 3 {
		t.Errorf("expected 3 STT streams stopped, got %d", len(sttMock.Stopped()))
	}
}

func TestActiveSessionsExcludesInactive(t *testing.T) {
	m, sttMock, ttsMock := newTestManager(t)
	ctx := context.Background()

	a, _ := m.CreateSession(ctx, "a", "inst-1", &fakeTransport{}, sttMock, ttsMock)
	b, _ := m.CreateSession(ctx, "b", "inst-1", &fakeTransport{}, sttMock, ttsMock)
	b.markInactive()

	active := m.ActiveSessions()
	if len(active) != 1 || active[0] != a {
		t.Errorf("expected only the active session, got %d", len(active))
	}
	if m.SessionCount() != 2 {
		t.Errorf("inactive sessions stay registered until cleanup, got %d", m.SessionCount())
	}
}

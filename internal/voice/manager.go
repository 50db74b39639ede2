package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mimirai/voice-gateway/internal/observability"
	"github.com/mimirai/voice-gateway/internal/stt"
	"github.com/mimirai/voice-gateway/internal/tts"
)

const closeTimeout = 5 * time.Second

// Manager is the registry of live sessions
type Manager struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	cleanupMu     sync.Mutex
	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}
}

// NewManager creates an empty session registry
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:     opts,
		logger:   observability.GetLogger().With().Str("component", "session_manager").Logger(),
		sessions: make(map[string]*Session),
	}
}

// CreateSession opens an STT stream for a new session, starts its event
// loop and registers it. Nothing is registered if the stream fails to start.
func (m *Manager) CreateSession(ctx context.Context, userID, instanceID string, transport Transport, sttProvider stt.Provider, ttsProvider tts.Provider) (*Session, error) {
	id := uuid.NewString()
	session := NewSession(id, userID, instanceID, transport, sttProvider, ttsProvider, m.opts)

	if err := sttProvider.StartStream(ctx, id); err != nil {
		observability.RecordError("stt_start", "session_manager")
		return nil, fmt.Errorf("start stt stream for session %s: %w", id, err)
	}

	session.startEvents()

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()

	session.recorder.RecordSessionStart()
	m.logger.Info().
		Str("session_id", id).
		Str("user_id", userID).
		Str("instance_id", instanceID).
		Msg("Created voice session")

	return session, nil
}

// GetSession returns the session with id
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// CloseSession closes and removes a session. Returns false for an unknown id.
func (m *Manager) CloseSession(ctx context.Context, id string) bool {
	m.mu.Lock()
	session, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return false
	}

	if err := session.Close(ctx); err != nil {
		m.logger.Warn().Err(err).Str("session_id", id).Msg("Session closed with error")
	}
	session.recorder.RecordSessionEnd()
	m.logger.Info().Str("session_id", id).Msg("Closed and removed session")
	return true
}

// CleanupInactiveSessions closes sessions that are inactive or idle longer than maxIdle
func (m *Manager) CleanupInactiveSessions(ctx context.Context, maxIdle time.Duration) int {
	now := time.Now()

	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if !s.IsActive() || now.Sub(s.LastActivity()) > maxIdle {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	closed := 0
	for _, id := range stale {
		if m.CloseSession(ctx, id) {
			closed++
		}
	}

	if closed > 0 {
		m.logger.Info().Int("count", closed).Msg("Cleaned up inactive sessions")
	}
	return closed
}

// StartCleanupTask sweeps sessions every interval until StopCleanupTask.
// Calling it while a sweep task is running has no effect.
func (m *Manager) StartCleanupTask(interval, maxIdle time.Duration) {
	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()

	if m.cleanupCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cleanupCancel = cancel
	m.cleanupDone = done

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepCtx, sweepCancel := context.WithTimeout(ctx, closeTimeout)
				m.CleanupInactiveSessions(sweepCtx, maxIdle)
				sweepCancel()
			}
		}
	}()

	m.logger.Info().
		Dur("interval", interval).
		Dur("max_idle", maxIdle).
		Msg("Started session cleanup task")
}

// StopCleanupTask stops the sweep task and waits for it to exit
func (m *Manager) StopCleanupTask() {
	m.cleanupMu.Lock()
	cancel, done := m.cleanupCancel, m.cleanupDone
	m.cleanupCancel, m.cleanupDone = nil, nil
	m.cleanupMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info().Msg("Stopped session cleanup task")
}

// CloseAllSessions closes every registered session
func (m *Manager) CloseAllSessions(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.CloseSession(ctx, id)
	}
	m.logger.Info().Int("count", len(ids)).Msg("Closed all sessions")
}

// ActiveSessions returns the registered sessions that are still active
func (m *Manager) ActiveSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.IsActive() {
			active = append(active, s)
		}
	}
	return active
}

// SessionCount returns the number of registered sessions
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

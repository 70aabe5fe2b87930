package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-capture/internal/observability"
)

// ErrNotFound is returned for unknown session ids
var ErrNotFound = errors.New("session not found")

// Manager owns every live session
type Manager struct {
	deps Dependencies
	ttl  time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	logger zerolog.Logger
}

// NewManager creates a session manager. Finished sessions are removed ttl
// after their last change.
func NewManager(deps Dependencies, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Manager{
		deps:     deps,
		ttl:      ttl,
		sessions: make(map[string]*Session),
		logger:   observability.WithComponent("session-manager"),
	}
}

// Create validates setup and registers a new idle session
func (m *Manager) Create(setup Setup) (*Session, error) {
	s, err := New(uuid.New().String(), setup, m.deps)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	count := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info().Str("session_id", s.ID()).Int("sessions", count).Msg("Session registered")
	return s, nil
}

// Get returns a session by id
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove discards a session, releasing its source without finalizing
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	return s.Close()
}

// Count returns the number of registered sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep removes terminal sessions idle for longer than the ttl and returns
// how many were removed
func (m *Manager) Sweep(now time.Time) int {
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		since, terminal := s.idleSince()
		if terminal && now.Sub(since) >= m.ttl {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.Close()
	}
	if len(expired) > 0 {
		m.logger.Info().Int("removed", len(expired)).Msg("Swept finished sessions")
	}
	return len(expired)
}

// Run sweeps periodically until ctx is cancelled
func (m *Manager) Run(ctx context.Context) {
	interval := m.ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Close discards every session
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for id, s := range sessions {
		if err := s.Close(); err != nil {
			m.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to close session")
		}
	}
}

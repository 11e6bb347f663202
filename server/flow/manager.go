package flow

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrSessionNotFound = errors.New("session not found")

// Manager keeps sessions in memory and drops the ones idle for longer than
// the configured TTL.
type Manager struct {
	sessions map[string]*entry
	mutex    sync.Mutex
	ttl      time.Duration
	logger   *zap.Logger
	cleanup  *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	mu      sync.Mutex
	session *Session
}

func NewManager(ttl time.Duration, logger *zap.Logger) *Manager {
	m := &Manager{
		sessions: make(map[string]*entry),
		ttl:      ttl,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	if ttl > 0 {
		m.cleanup = time.NewTicker(ttl / 2)
		go m.cleanupIdle()
	}
	return m
}

func (m *Manager) Create(clientID string) View {
	s := NewSession(uuid.New().String(), clientID)

	m.mutex.Lock()
	m.sessions[s.ID] = &entry{session: s}
	m.mutex.Unlock()

	m.logger.Debug("Session created", zap.String("session_id", s.ID))
	return s.Snapshot()
}

// Do runs fn with exclusive access to the session.
func (m *Manager) Do(id string, fn func(s *Session) error) (View, error) {
	m.mutex.Lock()
	e, ok := m.sessions[id]
	m.mutex.Unlock()
	if !ok {
		return View{}, ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	err := fn(e.session)
	return e.session.Snapshot(), err
}

func (m *Manager) Fire(id string, ev Event) (View, error) {
	return m.Do(id, func(s *Session) error {
		return s.Fire(ev)
	})
}

func (m *Manager) Get(id string) (View, error) {
	return m.Do(id, func(*Session) error { return nil })
}

func (m *Manager) Delete(id string) {
	m.mutex.Lock()
	delete(m.sessions, id)
	m.mutex.Unlock()
}

func (m *Manager) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.sessions)
}

// Sweep removes sessions idle since before the cutoff and returns how many
// were removed.
func (m *Manager) Sweep(now time.Time) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	removed := 0
	for id, e := range m.sessions {
		e.mu.Lock()
		idle := now.Sub(e.session.UpdatedAt) > m.ttl
		analyzing := e.session.State == StateAnalyzing
		e.mu.Unlock()
		if idle && !analyzing {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) cleanupIdle() {
	for {
		select {
		case now := <-m.cleanup.C:
			if n := m.Sweep(now); n > 0 {
				m.logger.Info("Expired idle sessions", zap.Int("count", n))
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		if m.cleanup != nil {
			m.cleanup.Stop()
		}
		close(m.stopCh)
	})
}

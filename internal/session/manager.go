package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxSessions caps concurrent sessions when no limit is configured.
const DefaultMaxSessions = 16

var (
	ErrMaxSessions     = errors.New("maximum session limit reached")
	ErrSessionNotFound = errors.New("session not found")
)

// Manager tracks live sessions and caps how many run at once.
type Manager struct {
	coordinator *Coordinator
	logger      *zerolog.Logger

	mu          sync.RWMutex
	sessions    map[string]*tracked
	maxSessions int
	closed      bool
}

// NewManager creates a new session manager. A non-positive maxSessions
// selects DefaultMaxSessions.
func NewManager(coordinator *Coordinator, maxSessions int, logger *zerolog.Logger) *Manager {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Manager{
		coordinator: coordinator,
		logger:      logger,
		sessions:    make(map[string]*tracked),
		maxSessions: maxSessions,
	}
}

// Reserve claims a session slot before the connection is accepted. The
// returned Ticket must be either Run or Cancelled.
func (m *Manager) Reserve(remoteAddr string) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrShutdown
	}
	if len(m.sessions) >= m.maxSessions {
		return nil, fmt.Errorf("%w (%d)", ErrMaxSessions, m.maxSessions)
	}

	t := newTracked(uuid.New().String(), remoteAddr)
	m.sessions[t.sess.ID] = t
	return &Ticket{m: m, t: t}, nil
}

// Ticket is a reserved session slot.
type Ticket struct {
	m    *Manager
	t    *tracked
	once sync.Once
}

// ID returns the session id the ticket reserved.
func (tk *Ticket) ID() string {
	return tk.t.sess.ID
}

// Run serves conn in the reserved slot and releases the slot afterwards.
func (tk *Ticket) Run(ctx context.Context, conn Conn) State {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	tk.t.mu.Lock()
	tk.t.cancel = cancel
	if tk.t.pending != nil {
		cancel(tk.t.pending)
	}
	tk.t.mu.Unlock()

	defer tk.release()
	return tk.m.coordinator.run(ctx, tk.t, conn)
}

// Cancel gives the slot back without running a session.
func (tk *Ticket) Cancel() {
	tk.release()
}

func (tk *Ticket) release() {
	tk.once.Do(func() {
		tk.m.mu.Lock()
		delete(tk.m.sessions, tk.t.sess.ID)
		tk.m.mu.Unlock()
		close(tk.t.done)
	})
}

// Get returns a snapshot of a session by ID.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.RLock()
	t, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return t.snapshot(), nil
}

// List returns snapshots of all live sessions, oldest first.
func (m *Manager) List() []Session {
	m.mu.RLock()
	result := make([]Session, 0, len(m.sessions))
	for _, t := range m.sessions {
		result = append(result, t.snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Kill aborts a session. Cleanup happens on the session's own goroutine; Kill
// does not wait for it.
func (m *Manager) Kill(id string) error {
	m.mu.RLock()
	t, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	m.cancel(t, ErrKilled)
	return nil
}

// Shutdown refuses new sessions, aborts all live ones and waits until each
// has finished cleanup or ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*tracked, 0, len(m.sessions))
	for _, t := range m.sessions {
		live = append(live, t)
	}
	m.mu.Unlock()

	m.logger.Info().Int("sessions", len(live)).Msg("shutting down sessions")
	for _, t := range live {
		m.cancel(t, ErrShutdown)
	}

	for _, t := range live {
		select {
		case <-t.done:
		case <-ctx.Done():
			return fmt.Errorf("shutdown: %w", ctx.Err())
		}
	}
	return nil
}

func (m *Manager) cancel(t *tracked, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil {
		// Reserved but not running yet; Run picks this up.
		t.pending = cause
		return
	}
	t.cancel(cause)
}

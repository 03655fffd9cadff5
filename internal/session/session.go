package session

import (
	"context"
	"sync"
	"time"

	"sensei/internal/artifact"
)

// Session is a point-in-time view of one compile-and-run interaction.
type Session struct {
	ID         string     `json:"id"`
	State      State      `json:"state"`
	Language   string     `json:"language,omitempty"`
	RemoteAddr string     `json:"remoteAddr,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	Deadline   *time.Time `json:"deadline,omitempty"`

	Paths artifact.Paths `json:"-"`
}

// tracked is the mutable record behind a Session. The coordinator owns the
// state changes; the manager only reads snapshots and cancels.
type tracked struct {
	mu   sync.Mutex
	sess Session

	cancel  context.CancelCauseFunc
	pending error
	done    chan struct{}
}

func newTracked(id, remoteAddr string) *tracked {
	return &tracked{
		sess: Session{
			ID:         id,
			State:      StateIdle,
			RemoteAddr: remoteAddr,
			CreatedAt:  time.Now().UTC(),
		},
		done: make(chan struct{}),
	}
}

func (t *tracked) snapshot() Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sess
	if t.sess.Deadline != nil {
		d := *t.sess.Deadline
		s.Deadline = &d
	}
	return s
}

func (t *tracked) state() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess.State
}

func (t *tracked) transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.sess.State.CanTransition(to) {
		return &TransitionError{From: t.sess.State, To: to}
	}
	t.sess.State = to
	return nil
}

func (t *tracked) update(fn func(*Session)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.sess)
}

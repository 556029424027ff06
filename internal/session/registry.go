package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Mode selects how a session's input is interpreted.
type Mode string

const (
	ModeVoice Mode = "voice"
	ModeText  Mode = "text"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrCapacityExceeded = errors.New("session capacity exceeded")
)

// Session is one client's conversation and connection state. It is created
// and destroyed by the Registry; everything else about it is mutated only by
// the orchestrator goroutine bound to it. LastActivity is atomic because the
// janitor reads it from another goroutine.
type Session struct {
	ID        string
	Mode      Mode
	StartedAt time.Time

	lastActivity atomic.Int64
	closed       atomic.Bool

	// turnMu serializes turn processing and idle teardown: the janitor takes
	// the same lock the orchestrator holds for an in-flight turn.
	turnMu sync.Mutex

	onCloseMu sync.Mutex
	onClose   func()
}

// Touch records activity, postponing idle teardown.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity reports when the session last saw an inbound frame.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// TryBeginTurn acquires turn exclusivity without blocking. It fails when a
// turn is already in flight or teardown holds the lock.
func (s *Session) TryBeginTurn() bool {
	return s.turnMu.TryLock()
}

// EndTurn releases turn exclusivity.
func (s *Session) EndTurn() {
	s.turnMu.Unlock()
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// SetOnClose registers the teardown callback (cancels the transport).
func (s *Session) SetOnClose(fn func()) {
	s.onCloseMu.Lock()
	s.onClose = fn
	s.onCloseMu.Unlock()
}

func (s *Session) fireOnClose() {
	s.onCloseMu.Lock()
	fn := s.onClose
	s.onCloseMu.Unlock()
	if fn != nil {
		fn()
	}
}

// Registry is the process-wide table of active sessions. Structural
// mutation is guarded; reads (health, metrics) take the read lock.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	max         int
	idleTimeout time.Duration
	onExpire    func(*Session)
}

func NewRegistry(max int, idleTimeout time.Duration) *Registry {
	if max <= 0 {
		max = 64
	}
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		max:         max,
		idleTimeout: idleTimeout,
	}
}

// SetExpireHook registers a callback invoked after a janitor expiry.
func (r *Registry) SetExpireHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Open creates and registers a session. Beyond capacity it fails with
// ErrCapacityExceeded rather than degrading every session's latency.
func (r *Registry) Open(mode Mode) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:        uuid.NewString(),
		Mode:      mode,
		StartedAt: now,
	}
	s.lastActivity.Store(now.UnixNano())

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) >= r.max {
		return nil, ErrCapacityExceeded
	}
	r.sessions[s.ID] = s
	return s, nil
}

// Get looks up an active session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Close removes the session, frees its capacity slot and fires teardown.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	s.closed.Store(true)
	s.fireOnClose()
	return nil
}

// ActiveCount reports the number of registered sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Capacity reports the configured maximum concurrent session count.
func (r *Registry) Capacity() int {
	return r.max
}

// StartJanitor periodically closes idle sessions until ctx is done.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireIdle()
			}
		}
	}()
}

func (r *Registry) expireIdle() {
	now := time.Now()

	r.mu.RLock()
	candidates := make([]*Session, 0)
	for _, s := range r.sessions {
		if now.Sub(s.LastActivity()) >= r.idleTimeout {
			candidates = append(candidates, s)
		}
	}
	hook := r.onExpire
	r.mu.RUnlock()

	for _, s := range candidates {
		// An in-flight turn holds the turn lock; skip and revisit next sweep.
		if !s.TryBeginTurn() {
			continue
		}
		stillIdle := now.Sub(s.LastActivity()) >= r.idleTimeout
		if stillIdle {
			r.mu.Lock()
			delete(r.sessions, s.ID)
			r.mu.Unlock()
			s.closed.Store(true)
		}
		s.EndTurn()
		if stillIdle {
			s.fireOnClose()
			if hook != nil {
				hook(s)
			}
		}
	}
}

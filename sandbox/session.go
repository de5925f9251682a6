package sandbox

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

// Session states
const (
	StatusIdle       Status = "idle"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// Session is one isolated, time-boxed execution. It is owned by the
// Executor and never outlives its request.
type Session struct {
	ID      string
	Backend string
	Created time.Time
	Limits  Limits

	mu     sync.Mutex
	handle IsolatedContext
	status Status
}

func newSession(limits Limits) *Session {
	return &Session{
		ID:      uuid.NewString(),
		Created: time.Now(),
		Limits:  limits,
		status:  StatusIdle,
	}
}

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *Session) attach(backend string, handle IsolatedContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Backend = backend
	s.handle = handle
}

// release destroys the isolation handle, if any, and forgets it.
func (s *Session) release() error {
	s.mu.Lock()
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()

	if handle == nil {
		return nil
	}
	return handle.Destroy()
}

// SessionInfo is a read-only view of a live session.
type SessionInfo struct {
	ID      string    `json:"id"`
	Backend string    `json:"backend"`
	Status  Status    `json:"status"`
	Created time.Time `json:"created"`
	Limits  Limits    `json:"limits"`
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:      s.ID,
		Backend: s.Backend,
		Status:  s.status,
		Created: s.Created,
		Limits:  s.Limits,
	}
}

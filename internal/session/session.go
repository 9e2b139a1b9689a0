// Package session maps identities to live terminal sessions and fans each
// session's output out to every attached channel.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/irc-web-terminal/backend/internal/buffer"
	"github.com/irc-web-terminal/backend/internal/model"
)

// DefaultHistorySize is the amount of recent output replayed to a new viewer.
const DefaultHistorySize = 64 * 1024

// Process is the terminal program owned by a session.
type Process interface {
	PID() int
	Write(p []byte) error
	Resize(cols, rows int) error
	OnData(fn func([]byte)) error
	OnExit(fn func(code int)) error
	Kill() error
	Done() <-chan struct{}
}

// Spawner starts the terminal program for an identity.
type Spawner interface {
	Spawn(ctx context.Context, identity string) (Process, error)
}

// Channel is one viewer connection. Send must not block.
type Channel interface {
	ID() string
	Send(frame []byte) error
	Close() error
}

// Journal records session lifecycles.
type Journal interface {
	Started(ctx context.Context, rec *model.SessionRecord) error
	Ended(ctx context.Context, id string, status model.SessionStatus, exitCode *int) error
}

// Resetter wipes an identity's working directory.
type Resetter interface {
	Reset(ctx context.Context, identity string) error
}

// Session is the live terminal for one identity.
type Session struct {
	id        string
	identity  string
	proc      Process
	conns     *ConnectionSet
	createdAt time.Time

	// outMu orders history replay against live output.
	outMu   sync.Mutex
	history *buffer.RingBuffer

	mu     sync.Mutex
	closed bool
	killed bool
}

func newSession(id, identity string, proc Process, historySize int) *Session {
	return &Session{
		id:        id,
		identity:  identity,
		proc:      proc,
		conns:     NewConnectionSet(),
		createdAt: time.Now(),
		history:   buffer.NewRingBuffer(historySize),
	}
}

// ID is the session record id.
func (s *Session) ID() string { return s.id }

// Identity returns the owning identity.
func (s *Session) Identity() string { return s.identity }

// CreatedAt returns when the process was spawned.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Connections returns the number of attached channels.
func (s *Session) Connections() int { return s.conns.Len() }

// Closed reports whether the process exited or was killed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// markClosed flips the session to closed. It returns false if it already was.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *Session) markKilled() {
	s.mu.Lock()
	s.killed = true
	s.mu.Unlock()
}

func (s *Session) wasKilled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

func (s *Session) info() model.SessionInfo {
	return model.SessionInfo{
		ID:          s.id,
		Identity:    s.identity,
		PID:         s.proc.PID(),
		Connections: s.conns.Len(),
		CreatedAt:   s.createdAt,
	}
}

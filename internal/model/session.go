package model

import (
	"fmt"
	"regexp"
	"time"
)

// SessionStatus represents the lifecycle state of a terminal session record.
type SessionStatus string

const (
	SessionStatusRunning SessionStatus = "running"
	SessionStatusExited  SessionStatus = "exited"
	SessionStatusKilled  SessionStatus = "killed"
	SessionStatusFailed  SessionStatus = "failed"
)

// Identity is a resolved user as seen by the broker.
type Identity struct {
	Name    string `json:"name"`
	IsAdmin bool   `json:"isAdmin"`
}

// SessionRecord is the persisted audit entry for one terminal process lifetime.
// The in-memory registry, not this record, decides whether a session is live.
type SessionRecord struct {
	ID        string        `json:"id"`
	Identity  string        `json:"identity"`
	PID       int           `json:"pid"`
	Status    SessionStatus `json:"status"`
	ExitCode  *int          `json:"exitCode,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   *time.Time    `json:"endedAt,omitempty"`
}

// Duration returns how long the process ran, or has been running so far.
func (r *SessionRecord) Duration() time.Duration {
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// SessionInfo is a point-in-time view of a live session.
type SessionInfo struct {
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	PID         int       `json:"pid"`
	Connections int       `json:"connections"`
	CreatedAt   time.Time `json:"createdAt"`
}

var identityPattern = regexp.MustCompile(`^[a-z0-9_-]{3,20}$`)

// ValidateIdentity rejects identities that are unsafe to use in paths, tmux
// session names or generated shell scripts.
func ValidateIdentity(name string) error {
	if !identityPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, name)
	}
	return nil
}

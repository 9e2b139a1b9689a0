package model

import (
	"errors"
	"fmt"
)

var (
	// ErrSpawn is returned when the terminal process for an identity cannot be started.
	ErrSpawn = errors.New("spawn failed")

	// ErrSessionNotFound is returned when no live session exists for an identity.
	ErrSessionNotFound = errors.New("session not found")

	// ErrPolicyViolation is returned when input is rejected by the control-sequence guard
	// or a credential cannot be resolved.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrInvalidIdentity is returned when an identity contains characters outside the safe set.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrUnauthorized is returned when a credential is missing, unknown or expired.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when an identity lacks admin rights.
	ErrForbidden = errors.New("forbidden")

	// ErrChannelClosed is returned when sending to a channel that is no longer writable.
	ErrChannelClosed = errors.New("channel closed")

	// ErrInvalidGeometry is returned for non-positive terminal dimensions.
	ErrInvalidGeometry = errors.New("invalid terminal geometry")

	// ErrProcessExited is returned when writing to or resizing a process that has terminated.
	ErrProcessExited = errors.New("process exited")
)

// SpawnError describes a failed attempt to create the terminal process for an identity.
type SpawnError struct {
	Identity string
	Op       string
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %s: %v", e.Identity, e.Op, e.Err)
}

// Unwrap lets errors.Is match both ErrSpawn and the underlying cause.
func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawn, e.Err}
}

package session

import "sync"

// ConnectionSet holds the channels attached to one session.
type ConnectionSet struct {
	mu      sync.RWMutex
	members map[Channel]bool
	closed  bool
}

// NewConnectionSet creates an empty set.
func NewConnectionSet() *ConnectionSet {
	return &ConnectionSet{members: make(map[Channel]bool)}
}

// Add attaches ch. It returns false once the set has been closed.
func (cs *ConnectionSet) Add(ch Channel) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return false
	}
	cs.members[ch] = true
	return true
}

// Remove detaches ch and reports whether it was a member.
func (cs *ConnectionSet) Remove(ch Channel) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.members[ch] {
		return false
	}
	delete(cs.members, ch)
	return true
}

// Contains reports whether ch is attached.
func (cs *ConnectionSet) Contains(ch Channel) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.members[ch]
}

// Snapshot returns the current members. Callers iterate the copy without
// holding the lock, so a slow or failing member cannot stall the others.
func (cs *ConnectionSet) Snapshot() []Channel {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	out := make([]Channel, 0, len(cs.members))
	for ch := range cs.members {
		out = append(out, ch)
	}
	return out
}

// Len returns the number of members.
func (cs *ConnectionSet) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.members)
}

// CloseAll closes and removes every member and refuses further additions.
// It returns the channels that were attached.
func (cs *ConnectionSet) CloseAll() []Channel {
	cs.mu.Lock()
	members := make([]Channel, 0, len(cs.members))
	for ch := range cs.members {
		members = append(members, ch)
	}
	cs.members = make(map[Channel]bool)
	cs.closed = true
	cs.mu.Unlock()

	for _, ch := range members {
		ch.Close()
	}
	return members
}

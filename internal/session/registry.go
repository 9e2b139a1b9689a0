package session

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry maps each identity to at most one live session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	group    singleflight.Group

	// locks serialize creation against workspace maintenance per identity.
	locks sync.Map // identity -> *sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the live session for identity.
func (r *Registry) Get(identity string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[identity]
	return s, ok
}

// GetOrCreate returns the session for identity, calling create at most once
// across concurrent callers when none exists. create runs detached from the
// caller's cancellation because its result is shared.
func (r *Registry) GetOrCreate(ctx context.Context, identity string, create func(context.Context) (*Session, error)) (*Session, error) {
	if s, ok := r.Get(identity); ok {
		return s, nil
	}

	v, err, _ := r.group.Do(identity, func() (any, error) {
		unlock := r.Lock(identity)
		defer unlock()

		if s, ok := r.Get(identity); ok {
			return s, nil
		}

		s, err := create(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.sessions[identity] = s
		r.mu.Unlock()

		// The process may have exited before it was registered.
		if s.Closed() {
			r.CompareAndDelete(identity, s)
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Lock takes the identity's exclusive lock and returns its release func.
// GetOrCreate holds it while creating, so no session can be spawned for the
// identity until the caller releases it.
func (r *Registry) Lock(identity string) (unlock func()) {
	v, _ := r.locks.LoadOrStore(identity, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Take removes and returns the session for identity.
func (r *Registry) Take(identity string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[identity]
	if ok {
		delete(r.sessions, identity)
	}
	return s, ok
}

// CompareAndDelete removes identity only while it still maps to s.
func (r *Registry) CompareAndDelete(identity string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[identity] != s {
		return false
	}
	delete(r.sessions, identity)
	return true
}

// List returns the live sessions ordered by identity.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].identity < out[j].identity })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

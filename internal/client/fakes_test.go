package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// pending returns timers that are neither stopped nor fired.
func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// pendingWith returns pending timers with delay d.
func (c *fakeClock) pendingWith(d time.Duration) []*fakeTimer {
	var out []*fakeTimer
	for _, t := range c.pending() {
		if t.d == d {
			out = append(out, t)
		}
	}
	return out
}

func (c *fakeClock) fire(t *fakeTimer) {
	c.mu.Lock()
	if t.stopped || t.fired {
		c.mu.Unlock()
		return
	}
	t.fired = true
	c.mu.Unlock()
	t.f()
}

// fireAll fires every pending timer once.
func (c *fakeClock) fireAll() {
	for _, t := range c.pending() {
		c.fire(t)
	}
}

type fakeConn struct {
	incoming chan []byte
	done     chan struct{}

	mu       sync.Mutex
	written  []string
	closed   bool
	closeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closeErr != nil {
			return nil, c.closeErr
		}
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	c.written = append(c.written, string(data))
	return nil
}

func (c *fakeConn) Close() error {
	return c.serverClose(nil)
}

// serverClose ends the connection; ReadMessage then returns err.
func (c *fakeConn) serverClose(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeErr = err
	close(c.done)
	return nil
}

func (c *fakeConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer answers the nth Dial (1-based) with dial(n).
type fakeDialer struct {
	mu    sync.Mutex
	calls int
	dial  func(n int) (Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (Conn, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()
	return d.dial(n)
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func refuse(int) (Conn, error) {
	return nil, errors.New("connection refused")
}

type statusLog struct {
	mu     sync.Mutex
	events []statusEvent
}

func (l *statusLog) record(state State, attempt int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, statusEvent{state: state, attempt: attempt, err: err})
}

func (l *statusLog) last() statusEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return statusEvent{}
	}
	return l.events[len(l.events)-1]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func waitState(t *testing.T, r *Reconnector, want State) {
	t.Helper()
	waitFor(t, func() bool { return r.State() == want })
}

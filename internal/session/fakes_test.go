package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/irc-web-terminal/backend/internal/model"
	"github.com/irc-web-terminal/backend/internal/protocol"
)

var errRegistered = errors.New("already registered")

type fakeProcess struct {
	pid  int
	done chan struct{}

	mu      sync.Mutex
	writes  []byte
	resizes [][2]int
	onData  func([]byte)
	onExit  func(int)
	exited  bool
	code    int
	killed  bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Write(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return model.ErrProcessExited
	}
	p.writes = append(p.writes, b...)
	return nil
}

func (p *fakeProcess) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return model.ErrProcessExited
	}
	p.resizes = append(p.resizes, [2]int{cols, rows})
	return nil
}

func (p *fakeProcess) OnData(fn func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onData != nil {
		return errRegistered
	}
	p.onData = fn
	return nil
}

func (p *fakeProcess) OnExit(fn func(int)) error {
	p.mu.Lock()
	if p.onExit != nil {
		p.mu.Unlock()
		return errRegistered
	}
	p.onExit = fn
	exited, code := p.exited, p.code
	p.mu.Unlock()
	if exited {
		fn(code)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	go p.exit(-1)
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

// exit simulates process termination.
func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.code = code
	fn := p.onExit
	p.mu.Unlock()

	close(p.done)
	if fn != nil {
		fn(code)
	}
}

// emit simulates terminal output.
func (p *fakeProcess) emit(s string) {
	p.mu.Lock()
	fn := p.onData
	p.mu.Unlock()
	if fn != nil {
		fn([]byte(s))
	}
}

func (p *fakeProcess) written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.writes...)
}

func (p *fakeProcess) lastResize() [2]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.resizes) == 0 {
		return [2]int{}
	}
	return p.resizes[len(p.resizes)-1]
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeSpawner struct {
	delay  time.Duration
	spawns atomic.Int32

	mu    sync.Mutex
	err   error
	procs map[string]*fakeProcess
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{procs: make(map[string]*fakeProcess)}
}

func (s *fakeSpawner) Spawn(ctx context.Context, identity string) (Process, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	n := s.spawns.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p := newFakeProcess(1000 + int(n))
	s.procs[identity] = p
	return p, nil
}

func (s *fakeSpawner) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *fakeSpawner) proc(identity string) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[identity]
}

type fakeChannel struct {
	id string

	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	failSend bool

	// onSend runs once, outside the lock, before the next frame is handled.
	onSend func()
}

func newFakeChannel(id string) *fakeChannel {
	return &fakeChannel{id: id}
}

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) Send(frame []byte) error {
	c.mu.Lock()
	hook := c.onSend
	c.onSend = nil
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return model.ErrChannelClosed
	}
	if c.failSend {
		return fmt.Errorf("send to %s: broken pipe", c.id)
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// outputs decodes every received frame as output text.
func (c *fakeChannel) outputs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, protocol.DecodeOutput(f))
	}
	return out
}

type journalEntry struct {
	id     string
	status model.SessionStatus
	code   *int
}

type fakeJournal struct {
	mu      sync.Mutex
	started []*model.SessionRecord
	ended   []journalEntry
}

func (j *fakeJournal) Started(ctx context.Context, rec *model.SessionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = append(j.started, rec)
	return nil
}

func (j *fakeJournal) Ended(ctx context.Context, id string, status model.SessionStatus, exitCode *int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ended = append(j.ended, journalEntry{id: id, status: status, code: exitCode})
	return nil
}

func (j *fakeJournal) endings() []journalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journalEntry(nil), j.ended...)
}

type fakeResetter struct {
	mu     sync.Mutex
	resets []string
	before func()
}

func (r *fakeResetter) Reset(ctx context.Context, identity string) error {
	if r.before != nil {
		r.before()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, identity)
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func containsRefresh(b []byte) bool {
	return bytes.IndexByte(b, refreshKey) >= 0
}

// Package client keeps a terminal client connected to the server: it dials
// with a token, reconnects with exponential backoff after unexpected closes
// and keeps the server's terminal geometry in step with the local view.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/irc-web-terminal/backend/internal/logger"
	"github.com/irc-web-terminal/backend/internal/model"
	"github.com/irc-web-terminal/backend/internal/protocol"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 16 * time.Second
)

// resizeAnnouncements settle geometry after the first layout pass.
var resizeAnnouncements = []time.Duration{0, 100 * time.Millisecond, 300 * time.Millisecond}

var (
	// ErrReconnectExhausted is reported when every backoff attempt failed.
	// Only an explicit Connect starts over.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrNotOpen is returned when sending without an open connection.
	ErrNotOpen = errors.New("connection not open")

	// ErrNoToken is returned by Connect when no token was ever supplied.
	ErrNoToken = errors.New("no token")
)

// State is the connection state.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Reconnecting
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Conn is an established connection carrying protocol frames.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens connections. A rejected credential should surface as an
// error wrapping model.ErrUnauthorized, from Dial or from ReadMessage.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. f must run on its own goroutine, never inside AfterFunc.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options configures a Reconnector.
type Options struct {
	Dialer Dialer

	// Clock defaults to the wall clock.
	Clock Clock

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// OnOutput receives terminal text.
	OnOutput func(data string)

	// OnStatus receives every state change. err is ErrReconnectExhausted or
	// the credential error when the client gives up, nil otherwise.
	OnStatus func(state State, attempt int, err error)

	Logger *zap.Logger
}

// Reconnector owns at most one connection and at most one pending
// reconnect timer.
type Reconnector struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	state     State
	token     string
	conn      Conn
	cancel    context.CancelFunc
	gen       uint64
	attempts  int
	manual    bool
	timer     Timer
	announces []Timer
	cols      int
	rows      int

	writeMu sync.Mutex
}

type statusEvent struct {
	state   State
	attempt int
	err     error
}

// NewReconnector creates a Reconnector in the Idle state.
func NewReconnector(opts Options) *Reconnector {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	return &Reconnector{
		opts: opts,
		log:  logger.OrNop(opts.Logger).With(zap.String("component", "reconnector")),
	}
}

// Backoff returns the delay before reconnect attempt n (1-based).
func Backoff(n int, base, ceiling time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}

// State returns the current state.
func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempts returns the current reconnect attempt count.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Connect starts connecting with token, or with the previous token when
// token is empty. It is a no-op while Connecting or Open. A pending
// reconnect timer is replaced by an immediate attempt.
func (r *Reconnector) Connect(token string) error {
	r.mu.Lock()

	if r.state == Connecting || r.state == Open {
		r.mu.Unlock()
		return nil
	}
	if token != "" {
		r.token = token
	}
	if r.token == "" {
		r.mu.Unlock()
		return ErrNoToken
	}

	if r.state != Reconnecting {
		r.attempts = 0
	}
	r.stopTimersLocked()
	r.manual = false
	ev := r.dialLocked()
	r.mu.Unlock()

	r.notify(ev)
	return nil
}

// Disconnect closes the connection, cancels every timer and resets the
// attempt counter. It is safe in any state.
func (r *Reconnector) Disconnect() {
	r.mu.Lock()
	r.manual = true
	r.gen++
	r.stopTimersLocked()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	conn := r.conn
	r.conn = nil
	r.attempts = 0
	r.state = Disconnected
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	r.notify(statusEvent{state: Disconnected})
}

// Send writes one message when Open.
func (r *Reconnector) Send(msg protocol.Message) error {
	r.mu.Lock()
	conn := r.conn
	open := r.state == Open
	r.mu.Unlock()

	if !open || conn == nil {
		return ErrNotOpen
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteMessage(data)
}

// Resize records the local geometry and announces it when Open.
func (r *Reconnector) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return model.ErrInvalidGeometry
	}

	r.mu.Lock()
	r.cols, r.rows = cols, rows
	open := r.state == Open
	r.mu.Unlock()

	if !open {
		return nil
	}
	return r.Send(protocol.Resize{Cols: cols, Rows: rows})
}

// dialLocked moves to Connecting and starts a dial for a new generation.
func (r *Reconnector) dialLocked() statusEvent {
	r.gen++
	gen := r.gen
	token := r.token

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.state = Connecting

	go r.run(ctx, gen, token)
	return statusEvent{state: Connecting, attempt: r.attempts}
}

func (r *Reconnector) run(ctx context.Context, gen uint64, token string) {
	conn, err := r.opts.Dialer.Dial(ctx, token)
	if err != nil {
		r.closed(gen, err)
		return
	}
	if !r.opened(gen, conn) {
		conn.Close()
		return
	}

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			r.closed(gen, err)
			return
		}
		if r.opts.OnOutput != nil {
			r.opts.OnOutput(protocol.DecodeOutput(data))
		}
	}
}

func (r *Reconnector) opened(gen uint64, conn Conn) bool {
	r.mu.Lock()
	if gen != r.gen || r.state != Connecting {
		r.mu.Unlock()
		return false
	}
	r.conn = conn
	r.state = Open
	r.attempts = 0

	for _, d := range resizeAnnouncements {
		r.announces = append(r.announces, r.opts.Clock.AfterFunc(d, func() { r.announce(gen) }))
	}
	r.mu.Unlock()

	r.log.Info("connected")
	r.notify(statusEvent{state: Open})
	return true
}

func (r *Reconnector) announce(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || r.state != Open || r.cols <= 0 {
		r.mu.Unlock()
		return
	}
	cols, rows := r.cols, r.rows
	r.mu.Unlock()

	if err := r.Send(protocol.Resize{Cols: cols, Rows: rows}); err != nil {
		r.log.Debug("resize announcement failed", zap.Error(err))
	}
}

// closed handles the end of a dial or connection of generation gen.
func (r *Reconnector) closed(gen uint64, cause error) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}

	r.conn = nil
	r.cancel = nil
	r.stopTimersLocked()

	var ev statusEvent
	switch {
	case r.manual:
		r.state = Disconnected
		ev = statusEvent{state: Disconnected}

	case errors.Is(cause, model.ErrUnauthorized):
		// The credential is gone; retrying cannot help.
		r.token = ""
		r.state = Disconnected
		ev = statusEvent{state: Disconnected, err: cause}

	case r.token == "" || r.attempts >= r.opts.MaxAttempts:
		r.state = Disconnected
		ev = statusEvent{state: Disconnected, attempt: r.attempts, err: ErrReconnectExhausted}

	default:
		r.attempts++
		delay := Backoff(r.attempts, r.opts.BaseDelay, r.opts.MaxDelay)
		r.state = Reconnecting
		r.timer = r.opts.Clock.AfterFunc(delay, func() { r.fire(gen) })
		ev = statusEvent{state: Reconnecting, attempt: r.attempts}

		r.log.Info("connection lost, reconnecting",
			zap.Int("attempt", r.attempts),
			zap.Duration("delay", delay),
			zap.Error(cause))
	}
	r.mu.Unlock()

	r.notify(ev)
}

func (r *Reconnector) fire(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || r.state != Reconnecting {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	ev := r.dialLocked()
	r.mu.Unlock()

	r.notify(ev)
}

func (r *Reconnector) stopTimersLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	for _, t := range r.announces {
		t.Stop()
	}
	r.announces = nil
}

func (r *Reconnector) notify(ev statusEvent) {
	if r.opts.OnStatus != nil {
		r.opts.OnStatus(ev.state, ev.attempt, ev.err)
	}
}

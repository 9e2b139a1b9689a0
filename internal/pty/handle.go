// Package pty runs a process on a pseudo-terminal and exposes it as a Handle:
// a single output stream, best-effort input, geometry control and a one-shot
// exit notification.
package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/irc-web-terminal/backend/internal/logger"
	"github.com/irc-web-terminal/backend/internal/model"
)

const (
	// DefaultWriteQueue is the number of pending input chunks before writes are dropped.
	DefaultWriteQueue = 256

	// MaxDimension caps either terminal dimension.
	MaxDimension = 1000

	readBufferSize = 4096

	// drainTimeout bounds how long exit handling waits for buffered output.
	drainTimeout = 500 * time.Millisecond
)

var (
	// ErrCallbackRegistered is returned when OnData or OnExit is called a second time.
	ErrCallbackRegistered = errors.New("callback already registered")

	// ErrWriteQueueFull is returned when input arrives faster than the process consumes it.
	ErrWriteQueueFull = errors.New("write queue full")
)

// Options describes the process to start.
type Options struct {
	Command string
	Args    []string
	Dir     string

	// Env is the complete environment; nothing is inherited when it is non-nil.
	Env []string

	Cols, Rows int

	WriteQueue int

	// Recorder, when set, receives every output, input and resize event and is
	// closed when the process exits.
	Recorder *logger.CastRecorder

	Logger *zap.Logger
}

// Handle owns one process running on a pseudo-terminal.
type Handle struct {
	cmd      *exec.Cmd
	tty      *os.File
	pid      int
	recorder *logger.CastRecorder
	log      *zap.Logger
	writes   chan []byte

	mu       sync.Mutex
	onData   func([]byte)
	onExit   func(int)
	cols     int
	rows     int
	exited   bool
	exitCode int

	done     chan struct{}
	readDone chan struct{}
}

// Start launches the process and begins pumping its output.
func Start(opts Options) (*Handle, error) {
	if opts.Command == "" {
		return nil, errors.New("command is required")
	}
	if opts.Cols <= 0 {
		opts.Cols = 80
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}
	if opts.WriteQueue <= 0 {
		opts.WriteQueue = DefaultWriteQueue
	}

	cols, rows := clamp(opts.Cols), clamp(opts.Rows)

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env

	tty, err := startPTY(cmd, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", opts.Command, err)
	}

	h := &Handle{
		cmd:      cmd,
		tty:      tty,
		pid:      cmd.Process.Pid,
		recorder: opts.Recorder,
		log:      logger.OrNop(opts.Logger).With(zap.Int("pid", cmd.Process.Pid)),
		writes:   make(chan []byte, opts.WriteQueue),
		cols:     cols,
		rows:     rows,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}

	go h.readLoop()
	go h.writeLoop()
	go h.waitLoop()

	return h, nil
}

// PID returns the process id, which is also its process group id.
func (h *Handle) PID() int {
	return h.pid
}

// OnData registers the single output consumer. Output produced before
// registration is discarded.
func (h *Handle) OnData(fn func([]byte)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.onData != nil {
		return ErrCallbackRegistered
	}
	h.onData = fn
	return nil
}

// OnExit registers the exit callback. It runs exactly once with the exit
// code (-1 when killed by a signal), immediately if the process already exited.
func (h *Handle) OnExit(fn func(code int)) error {
	h.mu.Lock()
	if h.onExit != nil {
		h.mu.Unlock()
		return ErrCallbackRegistered
	}
	h.onExit = fn
	exited, code := h.exited, h.exitCode
	h.mu.Unlock()

	if exited {
		fn(code)
	}
	return nil
}

// Write queues p for the process without blocking. Input that does not fit
// in the queue is dropped and reported as ErrWriteQueueFull.
func (h *Handle) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}

	chunk := make([]byte, len(p))
	copy(chunk, p)

	select {
	case <-h.done:
		return model.ErrProcessExited
	default:
	}

	select {
	case h.writes <- chunk:
		return nil
	case <-h.done:
		return model.ErrProcessExited
	default:
		return ErrWriteQueueFull
	}
}

// Resize sets the terminal geometry. Non-positive values are rejected and
// values above MaxDimension are clamped.
func (h *Handle) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("%w: %dx%d", model.ErrInvalidGeometry, cols, rows)
	}
	cols, rows = clamp(cols), clamp(rows)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.exited {
		return model.ErrProcessExited
	}
	if err := setSize(h.tty, cols, rows); err != nil {
		return fmt.Errorf("failed to resize pty: %w", err)
	}
	h.cols, h.rows = cols, rows

	if h.recorder != nil {
		h.recorder.Resize(cols, rows)
	}
	return nil
}

// Size returns the last applied geometry.
func (h *Handle) Size() (cols, rows int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cols, h.rows
}

// Kill terminates the whole process group. It is a no-op once the process exited.
func (h *Handle) Kill() error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := killGroup(h.pid); err != nil {
		if h.cmd.Process != nil {
			if perr := h.cmd.Process.Kill(); perr != nil && !errors.Is(perr, os.ErrProcessDone) {
				return fmt.Errorf("failed to kill process %d: %w", h.pid, err)
			}
		}
	}
	return nil
}

// KillAndWait kills the process group and blocks until the process exited
// or ctx is done.
func (h *Handle) KillAndWait(ctx context.Context) error {
	if err := h.Kill(); err != nil {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed after the process exited and the exit callback was scheduled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode reports the exit code and whether the process has exited.
func (h *Handle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.exited
}

func (h *Handle) readLoop() {
	defer close(h.readDone)

	buf := make([]byte, readBufferSize)
	var pending []byte
	for {
		n, err := h.tty.Read(buf)
		if n > 0 {
			data := append(pending, buf[:n]...)
			cut := completeUTF8(data)

			chunk := make([]byte, cut)
			copy(chunk, data[:cut])
			pending = append([]byte(nil), data[cut:]...)

			h.emit(chunk)
		}
		if err != nil {
			h.emit(pending)
			// EIO is how Linux reports that the slave side is gone.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				h.log.Debug("pty read ended", zap.Error(err))
			}
			return
		}
	}
}

func (h *Handle) emit(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	if h.recorder != nil {
		h.recorder.Output(chunk)
	}

	h.mu.Lock()
	fn := h.onData
	h.mu.Unlock()
	if fn != nil {
		fn(chunk)
	}
}

// completeUTF8 returns the length of the longest prefix of p that does not
// end inside a multi-byte UTF-8 sequence.
func completeUTF8(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if utf8.FullRune(p[i:]) {
				return len(p)
			}
			return i
		}
	}
	return len(p)
}

func (h *Handle) writeLoop() {
	for {
		select {
		case p := <-h.writes:
			if _, err := h.tty.Write(p); err != nil {
				h.log.Debug("pty write failed", zap.Error(err))
				continue
			}
			if h.recorder != nil {
				h.recorder.Input(p)
			}
		case <-h.done:
			return
		}
	}
}

func (h *Handle) waitLoop() {
	code := exitCode(h.cmd.Wait())

	select {
	case <-h.readDone:
	case <-time.After(drainTimeout):
	}
	h.tty.Close()

	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	fn := h.onExit
	h.mu.Unlock()

	close(h.done)

	if h.recorder != nil {
		h.recorder.Close()
	}
	h.log.Debug("process exited", zap.Int("code", code))

	if fn != nil {
		fn(code)
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func clamp(v int) int {
	if v > MaxDimension {
		return MaxDimension
	}
	return v
}

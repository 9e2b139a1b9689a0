package client

import (
	"sync"
	"time"

	"github.com/irc-web-terminal/backend/internal/protocol"
)

const (
	// DefaultFitDebounce coalesces bursts of geometry changes.
	DefaultFitDebounce = 100 * time.Millisecond

	refreshKey = "\x0c"
)

// refreshResizes follow a forced repaint so the server redraws at the right size.
var refreshResizes = []time.Duration{50 * time.Millisecond, 150 * time.Millisecond}

// Viewport is the local terminal view attached to a Reconnector.
type Viewport struct {
	r        *Reconnector
	clock    Clock
	debounce time.Duration

	mu      sync.Mutex
	cols    int
	rows    int
	pending Timer
}

// NewViewport creates a Viewport. A nil clock uses the wall clock.
func NewViewport(r *Reconnector, clock Clock) *Viewport {
	if clock == nil {
		clock = realClock{}
	}
	return &Viewport{r: r, clock: clock, debounce: DefaultFitDebounce}
}

// Fit records a new geometry and pushes it to the server after the debounce
// interval. Redundant calls are harmless and never affect reconnection.
func (v *Viewport) Fit(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.cols, v.rows = cols, rows
	if v.pending != nil {
		v.pending.Stop()
	}
	v.pending = v.clock.AfterFunc(v.debounce, v.flush)
}

// Size returns the last fitted geometry.
func (v *Viewport) Size() (cols, rows int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cols, v.rows
}

func (v *Viewport) flush() {
	v.mu.Lock()
	cols, rows := v.cols, v.rows
	v.pending = nil
	v.mu.Unlock()

	v.r.Resize(cols, rows)
}

// SendInput sends keystrokes.
func (v *Viewport) SendInput(data string) error {
	return v.r.Send(protocol.Input{Data: data})
}

// SendLine sends data as a complete line; the server appends the carriage return.
func (v *Viewport) SendLine(data string) error {
	return v.r.Send(protocol.Input{Data: data, Line: true})
}

// ForceRefresh asks the server to repaint, then re-announces the geometry twice.
func (v *Viewport) ForceRefresh() error {
	if err := v.r.Send(protocol.Input{Data: refreshKey}); err != nil {
		return err
	}

	cols, rows := v.Size()
	if cols <= 0 {
		return nil
	}
	for _, d := range refreshResizes {
		v.clock.AfterFunc(d, func() { v.r.Resize(cols, rows) })
	}
	return nil
}

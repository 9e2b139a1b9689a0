package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// castHeader is the first line of an asciinema v2 recording.
type castHeader struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// CastEvent is one recorded event: output ("o"), input ("i") or resize ("r").
// It is encoded as the asciinema array form [offset, type, data].
type CastEvent struct {
	Offset float64
	Type   string
	Data   string
}

// MarshalJSON encodes the event in asciinema array form.
func (e CastEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Offset, e.Type, e.Data})
}

// UnmarshalJSON decodes the asciinema array form.
func (e *CastEvent) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("invalid cast event: expected 3 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Offset); err != nil {
		return fmt.Errorf("invalid cast event offset: %w", err)
	}
	if err := json.Unmarshal(raw[1], &e.Type); err != nil {
		return fmt.Errorf("invalid cast event type: %w", err)
	}
	if err := json.Unmarshal(raw[2], &e.Data); err != nil {
		return fmt.Errorf("invalid cast event data: %w", err)
	}
	return nil
}

// CastRecorder writes one terminal process lifetime as an asciinema v2 recording.
// All methods are safe for concurrent use; writes after Close are dropped.
type CastRecorder struct {
	mu      sync.Mutex
	w       io.Writer
	file    *os.File
	started time.Time
	closed  bool
}

// CreateCast creates <dir>/<identity>-<unix>.cast and writes the header.
func CreateCast(dir, identity string, cols, rows int) (*CastRecorder, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create recording dir: %w", err)
	}

	now := time.Now()
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.cast", identity, now.Unix()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}

	r := &CastRecorder{w: f, file: f, started: now}
	if err := r.writeHeader(identity, cols, rows); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// NewCastRecorder records to w. The caller owns w.
func NewCastRecorder(w io.Writer, title string, cols, rows int) (*CastRecorder, error) {
	r := &CastRecorder{w: w, started: time.Now()}
	if err := r.writeHeader(title, cols, rows); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *CastRecorder) writeHeader(title string, cols, rows int) error {
	data, err := json.Marshal(castHeader{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: r.started.Unix(),
		Title:     title,
		Env:       map[string]string{"TERM": "xterm-256color", "SHELL": "/bin/bash"},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cast header: %w", err)
	}
	if _, err := r.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write cast header: %w", err)
	}
	return nil
}

// Output records bytes produced by the process.
func (r *CastRecorder) Output(p []byte) error { return r.event("o", string(p)) }

// Input records bytes written to the process.
func (r *CastRecorder) Input(p []byte) error { return r.event("i", string(p)) }

// Resize records a geometry change as "COLSxROWS".
func (r *CastRecorder) Resize(cols, rows int) error {
	return r.event("r", fmt.Sprintf("%dx%d", cols, rows))
}

func (r *CastRecorder) event(kind, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	line, err := json.Marshal(CastEvent{
		Offset: time.Since(r.started).Seconds(),
		Type:   kind,
		Data:   data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cast event: %w", err)
	}
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write cast event: %w", err)
	}
	return nil
}

// Close stops recording and closes the file if the recorder owns one.
func (r *CastRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
